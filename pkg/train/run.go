package train

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/nl2sql/pkg/checkpoint"
	"github.com/haivivi/nl2sql/pkg/metrics"
	"github.com/haivivi/nl2sql/pkg/results"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// RunOptions configures a full training run.
type RunOptions struct {
	// RunID names the run in the checkpoint and results stores. Empty
	// generates a new id.
	RunID string

	Train  *wikisql.Loader
	Dev    *wikisql.Loader
	Epochs int

	// EvalEvery evaluates on Dev every EvalEvery global steps, starting
	// with the second epoch. Dev is also evaluated after every epoch.
	// Zero disables the step schedule.
	EvalEvery int

	// Eval configures dev evaluation. Its Sink and StartAt are ignored;
	// each evaluation writes a fresh results file.
	Eval EvalOptions

	// Results receives dev_<step>.jsonl under the run id. Nil disables
	// results files.
	Results results.FileStore

	// Checkpoints receives the best model by dev logical-form accuracy.
	// Nil disables checkpointing.
	Checkpoints checkpoint.Store

	// OnEvaluation is called after each dev evaluation.
	OnEvaluation func(Evaluation)
}

// Evaluation is one dev evaluation during a run.
type Evaluation struct {
	Epoch   int
	Step    int
	Summary metrics.Summary
	Saved   bool
}

// EpochSummary reports one training epoch.
type EpochSummary struct {
	Epoch    int
	Train    metrics.Summary
	Dev      *metrics.Summary
	Duration time.Duration
}

// RunResult reports a finished run.
type RunResult struct {
	RunID       string
	Epochs      []EpochSummary
	Evaluations []Evaluation
	Best        *checkpoint.Best
}

// Run trains for Epochs epochs, evaluating on Dev and keeping the best
// checkpoint. A cancelled context returns the partial result with the
// context error.
func (t *Trainer) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Train == nil {
		return nil, fmt.Errorf("train: run needs a training loader")
	}
	res := &RunResult{RunID: opts.RunID}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	log := t.log.With("run", res.RunID)

	var tracker *checkpoint.Tracker
	if opts.Checkpoints != nil {
		tr, err := checkpoint.NewTracker(ctx, opts.Checkpoints, res.RunID)
		if err != nil {
			return nil, err
		}
		tracker = tr
		res.Best = tr.Best()
	}

	lastStep := -1
	var last *metrics.Summary
	evaluate := func(ctx context.Context, epoch, step int) (*metrics.Summary, error) {
		if opts.Dev == nil {
			return nil, nil
		}
		if step == lastStep {
			return last, nil
		}
		eo := opts.Eval
		eo.Sink, eo.StartAt = nil, 0
		if opts.Results != nil {
			sink, err := results.Open(ctx, opts.Results, path.Join(res.RunID, fmt.Sprintf("dev_%d.jsonl", step)), log)
			if err != nil {
				return nil, err
			}
			eo.Sink = sink
		}
		sum, _, err := t.Evaluate(ctx, opts.Dev, eo)
		if err != nil {
			return nil, err
		}
		LogSummary(log, "dev results", sum)

		ev := Evaluation{Epoch: epoch, Step: step, Summary: sum}
		if tracker != nil {
			saved, err := tracker.Observe(ctx, sum.LogicalForm, epoch, step, t.components())
			if err != nil {
				return nil, err
			}
			ev.Saved = saved
			res.Best = tracker.Best()
			log.Info("best dev lx", "lx", res.Best.Metric, "epoch", res.Best.Epoch, "step", res.Best.Step)
		}
		res.Evaluations = append(res.Evaluations, ev)
		if opts.OnEvaluation != nil {
			opts.OnEvaluation(ev)
		}
		lastStep, last = step, &sum
		return last, nil
	}

	for epoch := range opts.Epochs {
		log.Info("starting epoch", "epoch", epoch, "examples", opts.Train.Len(), "batch_size", opts.Train.BatchSize())
		start := time.Now()
		after := func(ctx context.Context, step int) error {
			if epoch == 0 || opts.EvalEvery <= 0 || step%opts.EvalEvery != 0 {
				return nil
			}
			_, err := evaluate(ctx, epoch, step)
			return err
		}
		sum, err := t.trainEpoch(ctx, opts.Train, after)
		if err != nil {
			return res, err
		}
		LogSummary(log, "train results", sum)

		es := EpochSummary{Epoch: epoch, Train: sum}
		dev, err := evaluate(ctx, epoch, t.GlobalStep())
		if err != nil {
			return res, err
		}
		es.Dev = dev
		es.Duration = time.Since(start)
		res.Epochs = append(res.Epochs, es)
	}
	return res, nil
}

// components returns the parts saved with each best checkpoint. The encoder
// is included only when it is being fine-tuned.
func (t *Trainer) components() map[string]checkpoint.Snapshotter {
	out := make(map[string]checkpoint.Snapshotter)
	if s, ok := t.opts.Scorer.(checkpoint.Snapshotter); ok {
		out["scorer"] = s
	}
	if t.opts.EncoderOptimizer != nil {
		if s, ok := t.opts.Encoder.(checkpoint.Snapshotter); ok {
			out["encoder"] = s
		}
	}
	return out
}
