package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/haivivi/nl2sql/cmd/nl2sql/internal/setup"
	"github.com/haivivi/nl2sql/pkg/cli"
	"github.com/haivivi/nl2sql/pkg/metrics"
	"github.com/haivivi/nl2sql/pkg/train"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

var trainFlags struct {
	run        string
	dataDir    string
	epochs     int
	batchSize  int
	accumulate int
	lossPolicy string
	seed       uint64
	evalEvery  int
	eg         bool
	debug      bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the parser and keep the best checkpoint",
	Long: `Train the parser on the training split and evaluate on the dev split.

Dev is evaluated after every epoch and, from the second epoch on, every
eval_every global steps. Each evaluation writes dev_<step>.jsonl under the
run id; the best model by logical-form accuracy is saved to the checkpoint
store.`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainFlags.run, "run", "", "run id (default: a new uuid)")
	f.StringVar(&trainFlags.dataDir, "data", "", "dataset directory")
	f.IntVar(&trainFlags.epochs, "epochs", 0, "number of epochs")
	f.IntVar(&trainFlags.batchSize, "batch-size", 0, "examples per step")
	f.IntVar(&trainFlags.accumulate, "accumulate", 0, "steps per optimizer update")
	f.StringVar(&trainFlags.lossPolicy, "loss-policy", "", "candidate loss policy: sum, min, top3")
	f.Uint64Var(&trainFlags.seed, "seed", 0, "random seed")
	f.IntVar(&trainFlags.evalEvery, "eval-every", 0, "dev evaluation interval in global steps")
	f.BoolVar(&trainFlags.eg, "eg", false, "execution-guided decoding for dev evaluation")
	f.BoolVar(&trainFlags.debug, "debug", false, "truncate both splits for a quick run")
	rootCmd.AddCommand(trainCmd)
}

// applyTrainFlags overrides configuration values with flags that were set.
func applyTrainFlags(cmd *cobra.Command, cfg *cli.Config) error {
	f := cmd.Flags()
	if f.Changed("data") {
		cfg.Data.Dir = trainFlags.dataDir
	}
	if f.Changed("epochs") {
		cfg.Train.Epochs = trainFlags.epochs
	}
	if f.Changed("batch-size") {
		cfg.Train.BatchSize = trainFlags.batchSize
	}
	if f.Changed("accumulate") {
		cfg.Train.Accumulate = trainFlags.accumulate
	}
	if f.Changed("loss-policy") {
		cfg.Train.LossPolicy = trainFlags.lossPolicy
	}
	if f.Changed("seed") {
		cfg.Train.Seed = trainFlags.seed
	}
	if f.Changed("eval-every") {
		cfg.Train.EvalEvery = trainFlags.evalEvery
	}
	if f.Changed("eg") {
		cfg.Decode.ExecutionGuided = trainFlags.eg
	}
	if f.Changed("debug") {
		cfg.Data.Debug = trainFlags.debug
		cfg.ApplyDefaults()
	}
	return cfg.Validate()
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyTrainFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	env, err := setup.New(cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	trainSet, err := env.Split(cfg.Data.TrainSplit, cfg.Data.TrainLimit)
	if err != nil {
		return err
	}
	devSet, err := env.Split(cfg.Data.DevSplit, cfg.Data.DevLimit)
	if err != nil {
		return err
	}
	eo, err := evalOptions(env, cfg.Data.DevSplit)
	if err != nil {
		return err
	}
	ckpt, err := env.Checkpoints()
	if err != nil {
		return err
	}
	store, err := env.Results()
	if err != nil {
		return err
	}

	res, err := env.Trainer.Run(ctx, train.RunOptions{
		RunID:       trainFlags.run,
		Train:       wikisql.NewLoader(trainSet, cfg.Train.BatchSize, cfg.ShuffleTrain(), env.Rand),
		Dev:         wikisql.NewLoader(devSet, cfg.Train.BatchSize, false, nil),
		Epochs:      cfg.Train.Epochs,
		EvalEvery:   cfg.Train.EvalEvery,
		Eval:        eo,
		Results:     store,
		Checkpoints: ckpt,
		OnEvaluation: func(ev train.Evaluation) {
			if ev.Saved {
				env.Log.Info("saved best checkpoint", "step", ev.Step, "lx", ev.Summary.LogicalForm)
			}
		},
	})
	if res != nil {
		if perr := printRun(cmd, res); perr != nil && err == nil {
			err = perr
		}
	}
	if errors.Is(err, context.Canceled) {
		cli.PrintWarning("training interrupted")
		return nil
	}
	return err
}

// s3FlushEvery is the results flush interval, in batches, for bucket
// storage.
const s3FlushEvery = 50

func evalOptions(env *setup.Env, split string) (train.EvalOptions, error) {
	cfg := env.Config
	eng, err := env.Engine(split)
	if err != nil {
		return train.EvalOptions{}, err
	}
	eo := train.EvalOptions{
		ExecutionGuided: cfg.Decode.ExecutionGuided,
		BeamSize:        cfg.Decode.BeamSize,
	}
	if cfg.Output.S3 != nil {
		// Each flush rewrites the whole object.
		eo.FlushEvery = s3FlushEvery
	}
	if eng != nil {
		eo.Engine = eng
	}
	return eo, nil
}

// runReport is the structured form of a finished run.
type runReport struct {
	Run    string           `json:"run" yaml:"run"`
	Epochs []epochReport    `json:"epochs" yaml:"epochs"`
	Best   *bestReport      `json:"best,omitempty" yaml:"best,omitempty"`
	Final  *metrics.Summary `json:"final_dev,omitempty" yaml:"final_dev,omitempty"`
}

type epochReport struct {
	Epoch    int              `json:"epoch" yaml:"epoch"`
	Duration string           `json:"duration" yaml:"duration"`
	Train    metrics.Summary  `json:"train" yaml:"train"`
	Dev      *metrics.Summary `json:"dev,omitempty" yaml:"dev,omitempty"`
}

type bestReport struct {
	LogicalForm float64 `json:"lx" yaml:"lx"`
	Epoch       int     `json:"epoch" yaml:"epoch"`
	Step        int     `json:"step" yaml:"step"`
}

func printRun(cmd *cobra.Command, res *train.RunResult) error {
	rep := runReport{Run: res.RunID}
	var labels []string
	var sums []metrics.Summary
	for _, e := range res.Epochs {
		rep.Epochs = append(rep.Epochs, epochReport{
			Epoch:    e.Epoch,
			Duration: cli.FormatDuration(e.Duration),
			Train:    e.Train,
			Dev:      e.Dev,
		})
		labels = append(labels, fmt.Sprintf("%d train", e.Epoch))
		sums = append(sums, e.Train)
		if e.Dev != nil {
			labels = append(labels, fmt.Sprintf("%d dev", e.Epoch))
			sums = append(sums, *e.Dev)
			rep.Final = e.Dev
		}
	}
	if b := res.Best; b != nil {
		rep.Best = &bestReport{LogicalForm: b.Metric, Epoch: b.Epoch, Step: b.Step}
	}

	if formatOutput != string(cli.FormatTable) {
		return output(cmd, rep)
	}
	if err := output(cmd, cli.SummaryTable("run "+res.RunID, labels, sums)); err != nil {
		return err
	}
	if rep.Best != nil {
		cli.PrintSuccess("best dev lx %.3f at epoch %d step %d", rep.Best.LogicalForm, rep.Best.Epoch, rep.Best.Step)
	}
	return nil
}
