package train

import (
	"context"
	"log/slog"

	"github.com/haivivi/nl2sql/pkg/candidate"
	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/decode"
	"github.com/haivivi/nl2sql/pkg/loss"
	"github.com/haivivi/nl2sql/pkg/metrics"
	"github.com/haivivi/nl2sql/pkg/results"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// EvalOptions configures an evaluation pass.
type EvalOptions struct {
	// ExecutionGuided decodes with a beam pruned by executing partial
	// queries against Engine. It requires Engine.
	ExecutionGuided bool
	BeamSize        int

	// Engine, when set, also enables execution accuracy.
	Engine dbengine.Executor

	// Sink receives one record per evaluated example and is flushed at the
	// end of the pass.
	Sink *results.Sink

	// FlushEvery also flushes Sink every FlushEvery batches, so records
	// survive an abnormal exit. Zero flushes after every batch; negative
	// flushes only at the end.
	FlushEvery int

	// StartAt skips the first StartAt examples in loader order, resuming a
	// pass whose records already cover them.
	StartAt int
}

// Prediction is the evaluation outcome for one example.
type Prediction struct {
	Example    *wikisql.Example
	Annotation wikisql.Annotation

	// Guided reports that the beam produced an execution-valid form.
	Guided bool

	Scored bool
	Match  metrics.Match

	// Err is set when the example could not be decoded.
	Err error
}

// Evaluate decodes every example of loader and scores the predictions.
// Exactly one Prediction is returned per evaluated example. Examples whose
// gold annotations cannot be mapped to sub-word pieces are predicted but
// left unscored. The model is not updated.
func (t *Trainer) Evaluate(ctx context.Context, loader *wikisql.Loader, opts EvalOptions) (metrics.Summary, []Prediction, error) {
	var (
		acc     metrics.Accumulator
		preds   []Prediction
		seen    int
		batches int
	)
	var beam *decode.Beam
	if opts.ExecutionGuided {
		if opts.Engine == nil {
			t.log.Warn("execution-guided decoding needs a database engine, decoding greedily")
		} else {
			beam = &decode.Beam{Exec: opts.Engine, Width: opts.BeamSize, Logger: t.log}
		}
	}

	finish := func(err error) (metrics.Summary, []Prediction, error) {
		if opts.Sink != nil {
			if ferr := opts.Sink.Flush(context.WithoutCancel(ctx)); ferr != nil && err == nil {
				err = ferr
			}
		}
		return acc.Finalize(), preds, err
	}

	for batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if skip := opts.StartAt - seen; skip > 0 {
			seen += len(batch)
			if skip >= len(batch) {
				continue
			}
			batch = batch[skip:]
		} else {
			seen += len(batch)
		}

		out, lossSum, err := t.evalBatch(ctx, batch, beam, opts.Engine)
		if err != nil {
			return finish(err)
		}
		acc.AddLoss(lossSum)
		for _, p := range out {
			acc.Add(metrics.Result{Scored: p.Scored, Match: p.Match})
			if opts.Sink != nil {
				opts.Sink.Append(record(p))
			}
		}
		preds = append(preds, out...)
		t.log.Debug("evaluated batch", "examples", acc.Examples(), "of", loader.Len())

		batches++
		if opts.Sink != nil && opts.FlushEvery >= 0 && batches%max(opts.FlushEvery, 1) == 0 {
			if err := opts.Sink.Flush(ctx); err != nil {
				return finish(err)
			}
		}
	}
	return finish(nil)
}

// evalBatch returns one Prediction per example and the summed loss of the
// scored ones. Only context errors are returned.
func (t *Trainer) evalBatch(ctx context.Context, batch []*wikisql.Example, beam *decode.Beam, engine dbengine.Executor) ([]Prediction, float64, error) {
	defer t.releaseEncoder()

	out := make([]Prediction, len(batch))
	for i, ex := range batch {
		out[i].Example = ex
	}
	p, reason, err := t.forward(ctx, batch)
	if reason != SkipNone {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if reason == SkipOutOfMemory {
			if r, ok := t.opts.Scorer.(scorer.CacheReleaser); ok {
				r.ReleaseCache()
			}
		}
		t.log.Warn("evaluation batch skipped", "reason", reason, "examples", len(batch), "error", err)
		for i := range out {
			out[i].Err = err
		}
		return out, 0, nil
	}

	var total float64
	for i, ex := range batch {
		s, a := p.scores[i], p.aligns[i]
		pred := &out[i]
		if beam != nil {
			ann, guided, err := beam.Decode(ctx, s, a, ex.TableID)
			if err != nil {
				return nil, 0, err
			}
			pred.Annotation, pred.Guided = ann, guided
		} else {
			pred.Annotation = decode.Greedy(s).Annotation(a)
		}

		usable := p.usable[i]
		if len(usable) == 0 {
			continue
		}
		matched := make([]bool, len(usable))
		losses := make([]float64, 0, len(usable))
		for c, u := range usable {
			matched[c] = metrics.LogicalForm(pred.Annotation, ex.Annotations[u.Index])
			if fields, _, err := loss.Compute(s, u.Target); err == nil {
				losses = append(losses, fields.Sum())
			}
		}
		if len(losses) > 0 {
			if v, _, err := t.opts.Policy.Aggregate(losses); err == nil {
				total += v
			}
		}
		best := candidate.SelectBest(matched, []candidate.Group{{Start: 0, Len: len(usable)}})[0]
		gold := ex.Annotations[usable[best].Index]
		pred.Scored = true
		pred.Match = metrics.Compare(pred.Annotation, gold)
		if engine != nil {
			ok, err := metrics.ExecutionMatch(ctx, engine, ex.TableID, pred.Annotation, gold)
			if err != nil {
				return nil, 0, err
			}
			pred.Match[metrics.FieldExecution] = ok
		}
	}
	return out, total, nil
}

func record(p Prediction) results.Record {
	r := results.Record{Index: p.Example.Index, TableID: p.Example.TableID}
	if p.Err != nil {
		r.Question = p.Example.Question
		r.Error = results.SkipError
		return r
	}
	r.Query = results.QueryOf(p.Annotation)
	r.SQL = p.Annotation.SQL(p.Example.Headers)
	return r
}

// LogSummary writes a summary at info level.
func LogSummary(log *slog.Logger, name string, s metrics.Summary) {
	attrs := []any{"examples", s.Examples, "loss", s.Loss}
	for _, st := range s.Stats() {
		attrs = append(attrs, st.Name, st.Value)
	}
	log.Info(name, attrs...)
}
