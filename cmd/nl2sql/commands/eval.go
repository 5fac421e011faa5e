package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/cmd/nl2sql/internal/setup"
	"github.com/haivivi/nl2sql/pkg/cli"
	"github.com/haivivi/nl2sql/pkg/metrics"
	"github.com/haivivi/nl2sql/pkg/results"
	"github.com/haivivi/nl2sql/pkg/train"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

var evalFlags struct {
	run      string
	split    string
	eg       bool
	beamSize int
	resume   bool
	debug    bool
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate the best checkpoint of a run on a split",
	Long: `Evaluate the best checkpoint of a run.

Predictions are written to <run>/<split>.jsonl in the results store, one
record per example. With --resume, records already in that file are kept and
evaluation continues after the last one.

Examples:
  nl2sql eval --run 2f0c... --split test
  nl2sql eval --run 2f0c... --split dev --eg --beam-size 8`,
	RunE: runEval,
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&evalFlags.run, "run", "", "run id whose best checkpoint is evaluated")
	f.StringVar(&evalFlags.split, "split", "", "split to evaluate (default: dev split from config)")
	f.BoolVar(&evalFlags.eg, "eg", false, "execution-guided decoding")
	f.IntVar(&evalFlags.beamSize, "beam-size", 0, "beam width for execution-guided decoding")
	f.BoolVar(&evalFlags.resume, "resume", false, "continue an interrupted evaluation")
	f.BoolVar(&evalFlags.debug, "debug", false, "truncate the split for a quick run")
	_ = evalCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(evalCmd)
}

// evalReport is the structured form of an evaluation.
type evalReport struct {
	Run     string          `json:"run" yaml:"run"`
	Split   string          `json:"split" yaml:"split"`
	Results string          `json:"results" yaml:"results"`
	Resumed int             `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	Skipped int             `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Summary metrics.Summary `json:"summary" yaml:"summary"`
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("eg") {
		cfg.Decode.ExecutionGuided = evalFlags.eg
	}
	if f.Changed("beam-size") {
		cfg.Decode.BeamSize = evalFlags.beamSize
	}
	if f.Changed("debug") {
		cfg.Data.Debug = evalFlags.debug
		cfg.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	split := evalFlags.split
	if split == "" {
		split = cfg.Data.DevSplit
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	env, err := setup.New(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ckpt, err := env.Checkpoints()
	if err != nil {
		return err
	}
	snap, err := env.RestoreBest(ctx, ckpt, evalFlags.run)
	if err != nil {
		return err
	}
	env.Log.Info("restored checkpoint", "run", evalFlags.run, "epoch", snap.Epoch, "step", snap.Step, "lx", snap.Metric)

	examples, err := env.Split(split, cfg.Data.DevLimit)
	if err != nil {
		return err
	}
	eo, err := evalOptions(env, split)
	if err != nil {
		return err
	}

	store, err := env.Results()
	if err != nil {
		return err
	}
	name := path.Join(evalFlags.run, split+".jsonl")
	if !evalFlags.resume {
		if ok, err := store.Exists(ctx, name); err != nil {
			return err
		} else if ok {
			if err := store.Delete(ctx, name); err != nil {
				return err
			}
		}
	}
	sink, err := results.Open(ctx, store, name, env.Log)
	if err != nil {
		return err
	}
	eo.Sink = sink
	eo.StartAt = sink.Len()
	if eo.StartAt > 0 {
		env.Log.Info("resuming evaluation", "results", name, "done", eo.StartAt)
	}

	loader := wikisql.NewLoader(examples, cfg.Train.BatchSize, false, nil)
	sum, preds, err := env.Trainer.Evaluate(ctx, loader, eo)
	if err != nil {
		return err
	}
	train.LogSummary(env.Log, split+" results", sum)

	rep := evalReport{Run: evalFlags.run, Split: split, Results: name, Resumed: eo.StartAt, Summary: sum}
	for _, p := range preds {
		if p.Err != nil {
			rep.Skipped++
		}
	}
	if formatOutput != string(cli.FormatTable) {
		return output(cmd, rep)
	}
	if err := output(cmd, cli.SummaryTable(fmt.Sprintf("%s on %s", evalFlags.run, split), []string{split}, []metrics.Summary{sum})); err != nil {
		return err
	}
	if rep.Skipped > 0 {
		cli.PrintWarning("%d examples skipped", rep.Skipped)
	}
	cli.PrintInfo("predictions written to %s", name)
	return nil
}
