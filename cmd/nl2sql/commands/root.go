package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	formatOutput string
	outputFile   string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "nl2sql",
	Short: "Train and evaluate a table-question semantic parser",
	Long: `nl2sql - train and evaluate a WikiSQL-style semantic parser.

Questions are aligned to sub-word pieces, encoded together with the table
headers, and scored field by field: select column, aggregation, condition
count, condition columns, operators and value spans. Examples with several
gold annotations are trained against all of them under a loss policy
(sum, min or top3).

Configuration is read from ~/.nl2sql/config.yaml unless --config is given.

Examples:
  # Write a default configuration and edit it
  nl2sql config init

  # Train with the data directory from the config
  nl2sql train --epochs 10

  # Evaluate the best checkpoint of a run with execution-guided decoding
  nl2sql eval --run 2f0c... --eg`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.nl2sql/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&formatOutput, "format", "table", "output format: table, yaml, json")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*cli.Config, error) {
	cfg, err := cli.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// output writes v in the --format format to --output or stdout.
func output(cmd *cobra.Command, v any) error {
	format, err := cli.ParseFormat(formatOutput)
	if err != nil {
		return err
	}
	opts := cli.OutputOptions{Format: format, File: outputFile}
	if outputFile == "" {
		opts.Writer = cmd.OutOrStdout()
	}
	return cli.Output(v, opts)
}
