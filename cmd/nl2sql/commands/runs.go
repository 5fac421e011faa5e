package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/cmd/nl2sql/internal/setup"
	"github.com/haivivi/nl2sql/pkg/checkpoint"
	"github.com/haivivi/nl2sql/pkg/cli"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs with a saved best checkpoint",
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

type runInfo struct {
	Run         string    `json:"run" yaml:"run"`
	LogicalForm float64   `json:"lx" yaml:"lx"`
	Epoch       int       `json:"epoch" yaml:"epoch"`
	Step        int       `json:"step" yaml:"step"`
	Components  []string  `json:"components" yaml:"components"`
	Saved       time.Time `json:"saved" yaml:"saved"`
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env := &setup.Env{Config: cfg, Log: slog.Default()}
	defer env.Close()

	store, err := env.Checkpoints()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ids, err := checkpoint.Runs(ctx, store)
	if err != nil {
		return err
	}
	infos := make([]runInfo, 0, len(ids))
	for _, id := range ids {
		b, err := checkpoint.LoadBest(ctx, store, id)
		if err != nil {
			return fmt.Errorf("run %s: %w", id, err)
		}
		infos = append(infos, runInfo{
			Run:         id,
			LogicalForm: b.Metric,
			Epoch:       b.Epoch,
			Step:        b.Step,
			Components:  b.Components,
			Saved:       b.Saved,
		})
	}

	if formatOutput != string(cli.FormatTable) {
		return output(cmd, infos)
	}
	if len(infos) == 0 {
		cli.PrintInfo("no runs in %s", cfg.Output.Checkpoints)
		return nil
	}
	t := &cli.Table{
		Title:   "Runs",
		Headers: []string{"RUN", "LX", "EPOCH", "STEP", "SAVED"},
	}
	for _, r := range infos {
		t.Rows = append(t.Rows, []string{
			r.Run,
			fmt.Sprintf("%.3f", r.LogicalForm),
			fmt.Sprint(r.Epoch),
			fmt.Sprint(r.Step),
			r.Saved.Local().Format(time.DateTime),
		})
	}
	return output(cmd, t)
}
