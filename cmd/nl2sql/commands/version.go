package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/cmd/nl2sql/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput == "table" {
			fmt.Fprintln(cmd.OutOrStdout(), build.String())
			return nil
		}
		return output(cmd, build.Get())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
