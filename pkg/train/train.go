// Package train runs optimization steps, evaluation passes and full training
// runs for the table-question parser.
//
// One Step processes a batch: questions are aligned to sub-word pieces,
// encoded once per example, expanded into one candidate per usable gold
// annotation, scored and reduced to a per-example loss under the configured
// policy. Steps that cannot proceed are skipped with an explicit reason;
// only context cancellation stops a pass.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/candidate"
	"github.com/haivivi/nl2sql/pkg/decode"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/loss"
	"github.com/haivivi/nl2sql/pkg/metrics"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// SkipReason explains why a step did not update the model.
type SkipReason int

const (
	SkipNone SkipReason = iota
	// SkipNoCandidates: no example in the batch had a usable annotation.
	SkipNoCandidates
	// SkipOverflow: the expanded header tensor exceeded the bound, or an
	// input did not fit the encoder.
	SkipOverflow
	// SkipInvariant: a target did not fit its encoding.
	SkipInvariant
	// SkipOutOfMemory: the scorer ran out of memory; gradients were cleared.
	SkipOutOfMemory
	// SkipFailed: tokenization, encoding, scoring or the optimizer failed.
	SkipFailed
)

var skipNames = [...]string{"none", "no-candidates", "batch-overflow", "invariant", "out-of-memory", "failed"}

func (r SkipReason) String() string {
	if r < 0 || int(r) >= len(skipNames) {
		return fmt.Sprintf("SkipReason(%d)", int(r))
	}
	return skipNames[r]
}

// StepResult reports one training step.
type StepResult struct {
	// Loss sums the per-example losses of contributing examples.
	Loss         float64
	Examples     int
	Candidates   int
	Contributing int
	// SpanFailures counts annotations dropped because a value span could
	// not be mapped to sub-word pieces.
	SpanFailures int
	// Updated is set when this step applied the optimizer.
	Updated bool

	Skip SkipReason
	Err  error

	// Results has one entry per example, from greedy decoding of the
	// step's scores. Every entry is unscored when the step was skipped.
	Results []metrics.Result
}

// Options configures a Trainer.
type Options struct {
	Tokenizer align.Tokenizer
	Encoder   encoder.Encoder
	Scorer    scorer.Trainable
	Optimizer scorer.Optimizer

	// EncoderOptimizer is stepped together with Optimizer when the encoder
	// is fine-tuned. It needs an encoder.Trainable Encoder and a
	// scorer.InputDifferentiable Scorer. Nil keeps the encoder frozen.
	EncoderOptimizer scorer.Optimizer

	Policy loss.Policy

	// Accumulate is the number of successful steps per optimizer update.
	Accumulate int

	// MaxSeqLen bounds the question pieces kept per example. An
	// encoder.Budgeter encoder lowers it to what fits beside the headers.
	MaxSeqLen int

	// MaxHeaderCells bounds the expanded header tensor. Zero uses
	// candidate.DefaultMaxHeaderCells; negative disables the check.
	MaxHeaderCells int

	Logger *slog.Logger
}

// Trainer owns the model components and the gradient accumulation state.
type Trainer struct {
	opts    Options
	log     *slog.Logger
	pending int
	step    int

	// Set when the encoder is fine-tuned.
	encoder encoder.Trainable
	inputs  scorer.InputDifferentiable
}

// New creates a Trainer.
func New(opts Options) (*Trainer, error) {
	if opts.Tokenizer == nil || opts.Encoder == nil || opts.Scorer == nil || opts.Optimizer == nil {
		return nil, errors.New("train: tokenizer, encoder, scorer and optimizer are required")
	}
	if opts.Policy == "" {
		opts.Policy = loss.PolicySum
	}
	if _, err := loss.ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.Accumulate < 1 {
		opts.Accumulate = 1
	}
	if opts.MaxHeaderCells == 0 {
		opts.MaxHeaderCells = candidate.DefaultMaxHeaderCells
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Trainer{opts: opts, log: log}
	if opts.EncoderOptimizer != nil {
		enc, ok := opts.Encoder.(encoder.Trainable)
		if !ok {
			return nil, errors.New("train: encoder optimizer set but the encoder is not trainable")
		}
		in, ok := opts.Scorer.(scorer.InputDifferentiable)
		if !ok {
			return nil, errors.New("train: encoder optimizer set but the scorer cannot propagate to its inputs")
		}
		t.encoder, t.inputs = enc, in
	}
	return t, nil
}

// GlobalStep returns the number of batches processed by TrainEpoch.
func (t *Trainer) GlobalStep() int { return t.step }

// prepared is the forward state shared by training and evaluation.
type prepared struct {
	requests  []encoder.Request
	aligns    []*align.Alignment
	usable    [][]candidate.Annotated
	encodings []*encoder.Encoding
	scores    []*scorer.Scores
	failures  int
}

// forward aligns, encodes and scores a batch. The returned skip reason is
// SkipNone on success.
func (t *Trainer) forward(ctx context.Context, batch []*wikisql.Example) (*prepared, SkipReason, error) {
	p := &prepared{
		aligns: make([]*align.Alignment, len(batch)),
		usable: make([][]candidate.Annotated, len(batch)),
	}
	reqs := make([]encoder.Request, len(batch))
	p.requests = reqs
	for i, ex := range batch {
		limit, err := t.questionLimit(ex)
		if err != nil {
			if errors.Is(err, encoder.ErrSequenceTooLong) {
				return p, SkipOverflow, err
			}
			return nil, SkipFailed, fmt.Errorf("example %d: %w", ex.Index, err)
		}
		a, err := align.Align(ex.Question, ex.Tokens, t.opts.Tokenizer, limit)
		if err != nil {
			return nil, SkipFailed, fmt.Errorf("align example %d: %w", ex.Index, err)
		}
		p.aligns[i] = a
		usable, failures := candidate.Targets(ex, a)
		for _, err := range failures {
			t.log.Debug("annotation dropped", "error", err)
		}
		p.failures += len(failures)
		p.usable[i] = usable
		reqs[i] = encoder.Request{Alignment: a, Headers: ex.Headers}
	}

	encs, err := t.opts.Encoder.Encode(ctx, reqs)
	if err != nil {
		if errors.Is(err, encoder.ErrSequenceTooLong) {
			return p, SkipOverflow, err
		}
		return p, SkipFailed, fmt.Errorf("encode: %w", err)
	}
	p.encodings = encs

	scores, err := t.opts.Scorer.Score(ctx, encs)
	if err != nil {
		if errors.Is(err, scorer.ErrOutOfMemory) {
			return p, SkipOutOfMemory, err
		}
		return p, SkipFailed, fmt.Errorf("score: %w", err)
	}
	p.scores = scores
	return p, SkipNone, nil
}

// questionLimit is the number of question pieces kept for ex.
func (t *Trainer) questionLimit(ex *wikisql.Example) (int, error) {
	limit := t.opts.MaxSeqLen
	b, ok := t.opts.Encoder.(encoder.Budgeter)
	if !ok {
		return limit, nil
	}
	n, err := b.QuestionBudget(ex.Headers)
	if err != nil {
		return 0, err
	}
	if limit <= 0 || n < limit {
		limit = n
	}
	return limit, nil
}

func (t *Trainer) releaseEncoder() {
	if r, ok := t.opts.Encoder.(encoder.Releaser); ok {
		r.Release()
	}
}

// clearGradients drops accumulated gradients and cached buffers after an
// out-of-memory failure.
func (t *Trainer) clearGradients() {
	t.zeroGrad()
	t.pending = 0
	if r, ok := t.opts.Scorer.(scorer.CacheReleaser); ok {
		r.ReleaseCache()
	}
}

func unscored(n int) []metrics.Result {
	return make([]metrics.Result, n)
}

// Step runs forward and backward passes over one batch and applies the
// optimizer every Accumulate successful steps.
func (t *Trainer) Step(ctx context.Context, batch []*wikisql.Example) StepResult {
	res := StepResult{Examples: len(batch)}
	defer t.releaseEncoder()

	skip := func(reason SkipReason, err error) StepResult {
		res.Skip, res.Err = reason, err
		res.Results = unscored(len(batch))
		if reason == SkipOutOfMemory {
			t.clearGradients()
		}
		t.log.Warn("step skipped", "reason", reason, "examples", len(batch), "error", err)
		return res
	}

	p, reason, err := t.forward(ctx, batch)
	if p != nil {
		res.SpanFailures = p.failures
	}
	if reason != SkipNone {
		return skip(reason, err)
	}

	items := make([]candidate.Item, len(batch))
	for i, ex := range batch {
		items[i] = candidate.Item{Example: ex, Encoding: p.encodings[i], Usable: p.usable[i]}
	}
	b, err := candidate.Expand(items, t.opts.MaxHeaderCells)
	if err != nil {
		if errors.Is(err, candidate.ErrBatchOverflow) {
			return skip(SkipOverflow, err)
		}
		return skip(SkipInvariant, err)
	}
	res.Candidates = len(b.Candidates)
	res.Contributing = b.Contributing()
	if res.Contributing == 0 {
		return skip(SkipNoCandidates, nil)
	}

	losses := make([]float64, len(b.Candidates))
	cgrads := make([]*scorer.Scores, len(b.Candidates))
	for c, cand := range b.Candidates {
		fields, g, err := loss.Compute(p.scores[cand.Example], cand.Target)
		if err != nil {
			return skip(SkipInvariant, err)
		}
		losses[c], cgrads[c] = fields.Sum(), g
	}
	red, err := candidate.ReduceLoss(losses, b.Groups, t.opts.Policy)
	if err != nil {
		return skip(SkipInvariant, err)
	}
	res.Loss = red.Total

	// Mean over contributing examples.
	scale := 1 / float64(red.Contributing)
	grads := make([]*scorer.Scores, len(batch))
	for c, cand := range b.Candidates {
		if red.Weights[c] == 0 {
			continue
		}
		g := grads[cand.Example]
		if g == nil {
			s := p.scores[cand.Example]
			g = scorer.NewScores(s.Headers(), s.Tokens())
			grads[cand.Example] = g
		}
		g.AddScaled(red.Weights[c]*scale, cgrads[c])
	}
	if err := t.backward(ctx, p, grads); err != nil {
		if errors.Is(err, scorer.ErrOutOfMemory) {
			return skip(SkipOutOfMemory, err)
		}
		return skip(SkipFailed, fmt.Errorf("backward: %w", err))
	}

	t.pending++
	if t.pending >= t.opts.Accumulate {
		if err := t.update(); err != nil {
			return skip(SkipFailed, err)
		}
		res.Updated = true
	}

	res.Results = t.grade(batch, p, b)
	return res
}

// backward accumulates parameter gradients of the scorer and, when it is
// fine-tuned, the encoder.
func (t *Trainer) backward(ctx context.Context, p *prepared, grads []*scorer.Scores) error {
	if err := t.opts.Scorer.Backward(ctx, p.encodings, grads); err != nil {
		return err
	}
	if t.encoder == nil {
		return nil
	}
	inputs, err := t.inputs.InputGradients(ctx, p.encodings, grads)
	if err != nil {
		return err
	}
	return t.encoder.Backward(ctx, p.requests, inputs)
}

func (t *Trainer) zeroGrad() {
	t.opts.Scorer.ZeroGrad()
	if t.encoder != nil {
		t.encoder.ZeroGrad()
	}
}

func (t *Trainer) update() error {
	defer func() {
		t.zeroGrad()
		t.pending = 0
	}()
	if err := t.opts.Optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if t.opts.EncoderOptimizer != nil {
		if err := t.opts.EncoderOptimizer.Step(); err != nil {
			return fmt.Errorf("encoder optimizer: %w", err)
		}
	}
	return nil
}

// grade decodes each example greedily and compares it with the gold
// annotation it matches best.
func (t *Trainer) grade(batch []*wikisql.Example, p *prepared, b *candidate.Batch) []metrics.Result {
	out := make([]metrics.Result, len(batch))
	preds := make([]wikisql.Annotation, len(batch))
	for i := range batch {
		preds[i] = decode.Greedy(p.scores[i]).Annotation(p.aligns[i])
	}
	matched := make([]bool, len(b.Candidates))
	for c, cand := range b.Candidates {
		ex := batch[cand.Example]
		matched[c] = metrics.LogicalForm(preds[cand.Example], ex.Annotations[cand.Annotation])
	}
	for i, best := range candidate.SelectBest(matched, b.Groups) {
		if best < 0 {
			continue
		}
		gold := batch[i].Annotations[b.Candidates[best].Annotation]
		out[i] = metrics.Result{Scored: true, Match: metrics.Compare(preds[i], gold)}
	}
	return out
}

// TrainEpoch runs one pass over loader and returns the training summary.
// Skipped steps are logged and their examples counted as unscored. Only a
// context error ends the pass early.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *wikisql.Loader) (metrics.Summary, error) {
	return t.trainEpoch(ctx, loader, nil)
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *wikisql.Loader, after func(ctx context.Context, step int) error) (metrics.Summary, error) {
	var acc metrics.Accumulator
	for batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return acc.Finalize(), err
		}
		t.step++
		res := t.Step(ctx, batch)
		if res.Err != nil && ctx.Err() != nil {
			return acc.Finalize(), ctx.Err()
		}
		acc.AddLoss(res.Loss)
		for _, r := range res.Results {
			acc.Add(r)
		}
		t.log.Debug("step",
			"step", t.step,
			"loss", res.Loss,
			"candidates", res.Candidates,
			"contributing", res.Contributing,
			"span_failures", res.SpanFailures,
			"skip", res.Skip,
		)
		if after != nil {
			if err := after(ctx, t.step); err != nil {
				return acc.Finalize(), err
			}
		}
	}
	return acc.Finalize(), nil
}
