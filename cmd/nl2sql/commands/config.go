package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return structured(cmd, cfg)
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			p, err := cli.DefaultPath()
			if err != nil {
				return err
			}
			path = p
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s exists; use --force to overwrite", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		cfg := cli.DefaultConfig()
		cfg.SetPath(path)
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ wrote %s\n", path)
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := cli.Schema()
		if err != nil {
			return err
		}
		return cli.Output(s, cli.OutputOptions{Format: cli.FormatJSON, Writer: cmd.OutOrStdout()})
	},
}

// structured prints v as YAML when a table was requested.
func structured(cmd *cobra.Command, v any) error {
	if formatOutput == string(cli.FormatTable) {
		return cli.Output(v, cli.OutputOptions{Format: cli.FormatYAML, Writer: cmd.OutOrStdout()})
	}
	return output(cmd, v)
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd, configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}
