package train

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/checkpoint"
	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/loss"
	"github.com/haivivi/nl2sql/pkg/results"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

var people = &wikisql.Table{
	ID:     "1-1",
	Header: []string{"name", "age", "city"},
	Types:  []string{"text", "real", "text"},
}

func example(t *testing.T, index int, question string, tokens []string, anns ...wikisql.Annotation) *wikisql.Example {
	t.Helper()
	ex, err := wikisql.NewExample(index, question, tokens, people, anns)
	if err != nil {
		t.Fatalf("NewExample: %v", err)
	}
	return ex
}

func where(col int, value string, start, end int) wikisql.Cond {
	return wikisql.Cond{Column: col, Op: 0, Value: value, Span: wikisql.Span{Start: start, End: end}}
}

// fixture returns four examples: a single-annotation example, one with two
// gold annotations, one whose only annotation has an unresolvable span and
// one without conditions.
func fixture(t *testing.T) []*wikisql.Example {
	return []*wikisql.Example{
		example(t, 0, "who lives in paris", []string{"who", "lives", "in", "paris"},
			wikisql.Annotation{Sel: 0, NumConds: 1, Conds: []wikisql.Cond{where(2, "paris", 3, 3)}}),
		example(t, 1, "how old is bob", []string{"how", "old", "is", "bob"},
			wikisql.Annotation{Sel: 1, NumConds: 1, Conds: []wikisql.Cond{where(0, "bob", 3, 3)}},
			wikisql.Annotation{Sel: 1, Agg: 1, NumConds: 1, Conds: []wikisql.Cond{where(0, "bob", 3, 3)}}),
		example(t, 2, "where is carol", []string{"where", "is", "carol"},
			wikisql.Annotation{Sel: 2, NumConds: 1, Conds: []wikisql.Cond{where(0, "carol", 7, 7)}}),
		example(t, 3, "list every name", []string{"list", "every", "name"},
			wikisql.Annotation{Sel: 0}),
	}
}

type setup struct {
	trainer *Trainer
	model   *scorer.Bilinear
	rng     *rand.Rand
}

func newSetup(t *testing.T, seed uint64, mutate func(*Options)) *setup {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed))
	tok := align.NewChunker(4)
	enc := encoder.NewHash(tok, 8, 2)
	model := scorer.NewBilinear(enc.Dim(), rng)
	opts := Options{
		Tokenizer: tok,
		Encoder:   enc,
		Scorer:    model,
		Optimizer: scorer.NewAdam(model.Params(), 0.05),
		Policy:    loss.PolicySum,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &setup{trainer: tr, model: model, rng: rng}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	tok := align.NewChunker(4)
	enc := encoder.NewHash(tok, 4, 1)
	model := scorer.NewBilinear(enc.Dim(), rand.New(rand.NewPCG(1, 1)))
	_, err := New(Options{
		Tokenizer: tok, Encoder: enc, Scorer: model,
		Optimizer: scorer.NewAdam(model.Params(), 0.01),
		Policy:    "mean",
	})
	if !errors.Is(err, loss.ErrUnknownPolicy) {
		t.Fatalf("New = %v, want ErrUnknownPolicy", err)
	}
}

func TestStepDropsUnresolvableAnnotation(t *testing.T) {
	s := newSetup(t, 1, nil)
	ex := fixture(t)
	res := s.trainer.Step(context.Background(), []*wikisql.Example{ex[0], ex[2]})
	if res.Skip != SkipNone || res.Err != nil {
		t.Fatalf("Skip = %v, Err = %v", res.Skip, res.Err)
	}
	if res.SpanFailures != 1 || res.Candidates != 1 || res.Contributing != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Results) != 2 || !res.Results[0].Scored || res.Results[1].Scored {
		t.Fatalf("Results = %+v", res.Results)
	}
	if res.Loss <= 0 || !res.Updated {
		t.Fatalf("Loss = %v, Updated = %v", res.Loss, res.Updated)
	}
}

func TestStepExpandsAnnotations(t *testing.T) {
	s := newSetup(t, 1, nil)
	ex := fixture(t)
	res := s.trainer.Step(context.Background(), ex)
	if res.Skip != SkipNone {
		t.Fatalf("Skip = %v: %v", res.Skip, res.Err)
	}
	if res.Examples != 4 || res.Candidates != 4 || res.Contributing != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestStepNoCandidates(t *testing.T) {
	s := newSetup(t, 1, nil)
	ex := fixture(t)
	before := s.model.Snapshot()
	res := s.trainer.Step(context.Background(), []*wikisql.Example{ex[2]})
	if res.Skip != SkipNoCandidates {
		t.Fatalf("Skip = %v, want no-candidates", res.Skip)
	}
	if len(res.Results) != 1 || res.Results[0].Scored {
		t.Fatalf("Results = %+v", res.Results)
	}
	if !reflect.DeepEqual(before, s.model.Snapshot()) {
		t.Fatal("skipped step changed the model")
	}
}

func TestStepOverflow(t *testing.T) {
	s := newSetup(t, 1, func(o *Options) { o.MaxHeaderCells = 2 })
	res := s.trainer.Step(context.Background(), fixture(t)[:2])
	if res.Skip != SkipOverflow {
		t.Fatalf("Skip = %v, want batch-overflow", res.Skip)
	}
}

// countingOptimizer counts Step calls.
type countingOptimizer struct{ steps int }

func (o *countingOptimizer) Step() error {
	o.steps++
	return nil
}

func TestStepAccumulates(t *testing.T) {
	opt := &countingOptimizer{}
	s := newSetup(t, 1, func(o *Options) {
		o.Optimizer = opt
		o.Accumulate = 2
	})
	batch := fixture(t)[:2]
	var updated []bool
	for range 4 {
		res := s.trainer.Step(context.Background(), batch)
		updated = append(updated, res.Updated)
	}
	if opt.steps != 2 {
		t.Fatalf("optimizer steps = %d, want 2", opt.steps)
	}
	if want := []bool{false, true, false, true}; !reflect.DeepEqual(updated, want) {
		t.Fatalf("Updated = %v, want %v", updated, want)
	}
}

// oomScorer fails every backward pass with ErrOutOfMemory.
type oomScorer struct {
	*scorer.Bilinear
	zeroed   int
	released int
}

func (s *oomScorer) Backward(context.Context, []*encoder.Encoding, []*scorer.Scores) error {
	return scorer.ErrOutOfMemory
}

func (s *oomScorer) ZeroGrad() {
	s.zeroed++
	s.Bilinear.ZeroGrad()
}

func (s *oomScorer) ReleaseCache() { s.released++ }

func TestStepOutOfMemory(t *testing.T) {
	opt := &countingOptimizer{}
	var oom *oomScorer
	s := newSetup(t, 1, func(o *Options) {
		oom = &oomScorer{Bilinear: o.Scorer.(*scorer.Bilinear)}
		o.Scorer = oom
		o.Optimizer = opt
	})
	res := s.trainer.Step(context.Background(), fixture(t)[:1])
	if res.Skip != SkipOutOfMemory || !errors.Is(res.Err, scorer.ErrOutOfMemory) {
		t.Fatalf("Skip = %v, Err = %v", res.Skip, res.Err)
	}
	if oom.zeroed != 1 || oom.released != 1 || opt.steps != 0 {
		t.Fatalf("zeroed %d released %d steps %d", oom.zeroed, oom.released, opt.steps)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	s := newSetup(t, 3, nil)
	batch := fixture(t)
	first := s.trainer.Step(context.Background(), batch).Loss
	var last float64
	for range 60 {
		last = s.trainer.Step(context.Background(), batch).Loss
	}
	if last >= first {
		t.Fatalf("loss %v -> %v, want a decrease", first, last)
	}
}

func TestTrainEpochDeterministic(t *testing.T) {
	run := func() (float64, map[string][]float64) {
		s := newSetup(t, 7, nil)
		loader := wikisql.NewLoader(fixture(t), 2, true, s.rng)
		var losses float64
		for range 3 {
			sum, err := s.trainer.TrainEpoch(context.Background(), loader)
			if err != nil {
				t.Fatalf("TrainEpoch: %v", err)
			}
			if sum.Examples != 4 {
				t.Fatalf("Examples = %d, want 4", sum.Examples)
			}
			losses += sum.Loss
		}
		return losses, s.model.Snapshot()
	}
	l1, p1 := run()
	l2, p2 := run()
	if l1 != l2 || !reflect.DeepEqual(p1, p2) {
		t.Fatalf("runs differ: loss %v vs %v", l1, l2)
	}
}

func TestTrainEpochCanceled(t *testing.T) {
	s := newSetup(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.trainer.TrainEpoch(ctx, wikisql.NewLoader(fixture(t), 2, false, nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("TrainEpoch = %v, want context.Canceled", err)
	}
}

func TestEvaluate(t *testing.T) {
	s := newSetup(t, 1, nil)
	store, err := results.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sink, err := results.Open(ctx, store, "dev.jsonl", nil)
	if err != nil {
		t.Fatal(err)
	}
	loader := wikisql.NewLoader(fixture(t), 3, false, nil)
	sum, preds, err := s.trainer.Evaluate(ctx, loader, EvalOptions{Sink: sink})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sum.Examples != 4 || len(preds) != 4 {
		t.Fatalf("Examples = %d, predictions = %d", sum.Examples, len(preds))
	}
	if preds[2].Scored || !preds[0].Scored || !preds[1].Scored || !preds[3].Scored {
		t.Fatalf("scored = %v %v %v %v", preds[0].Scored, preds[1].Scored, preds[2].Scored, preds[3].Scored)
	}

	again, err := results.Open(ctx, store, "dev.jsonl", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Len() != 4 {
		t.Fatalf("records = %d, want 4", again.Len())
	}
	for i, r := range again.Records() {
		if r.Index != i || r.Query == nil || r.Error != "" || !strings.HasPrefix(r.SQL, "SELECT ") {
			t.Fatalf("record %d = %+v", i, r)
		}
	}

	_, resumed, err := s.trainer.Evaluate(ctx, loader, EvalOptions{StartAt: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 2 || resumed[0].Example.Index != 2 {
		t.Fatalf("resumed predictions = %d starting at %d", len(resumed), resumed[0].Example.Index)
	}
}

// failingTokenizer fails on one word.
type failingTokenizer struct {
	align.Tokenizer
	bad string
}

func (f failingTokenizer) Tokenize(word string) ([]align.Piece, error) {
	if word == f.bad {
		return nil, errors.New("untokenizable")
	}
	return f.Tokenizer.Tokenize(word)
}

func TestEvaluateRecordsSkippedBatch(t *testing.T) {
	s := newSetup(t, 1, func(o *Options) {
		o.Tokenizer = failingTokenizer{Tokenizer: o.Tokenizer, bad: "carol"}
	})
	store, _ := results.NewLocal(t.TempDir())
	ctx := context.Background()
	sink, _ := results.Open(ctx, store, "dev.jsonl", nil)
	loader := wikisql.NewLoader(fixture(t), 2, false, nil)
	sum, preds, err := s.trainer.Evaluate(ctx, loader, EvalOptions{Sink: sink})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sum.Examples != 4 || len(preds) != 4 {
		t.Fatalf("Examples = %d, predictions = %d", sum.Examples, len(preds))
	}
	recs := sink.Records()
	for i, r := range recs {
		skipped := i >= 2
		if skipped != (r.Error == results.SkipError) {
			t.Fatalf("record %d = %+v", i, r)
		}
		if skipped && (r.Question == "" || r.TableID != "1-1" || r.Query != nil) {
			t.Fatalf("skip record %d = %+v", i, r)
		}
	}
}

// anyRows accepts every query.
type anyRows struct{ calls int }

func (e *anyRows) Execute(context.Context, string, dbengine.Query) ([]any, error) {
	e.calls++
	return []any{"x"}, nil
}

func TestEvaluateExecutionGuided(t *testing.T) {
	s := newSetup(t, 1, nil)
	exec := &anyRows{}
	loader := wikisql.NewLoader(fixture(t)[:2], 2, false, nil)
	sum, preds, err := s.trainer.Evaluate(context.Background(), loader, EvalOptions{
		ExecutionGuided: true,
		BeamSize:        2,
		Engine:          exec,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i, p := range preds {
		if !p.Guided {
			t.Errorf("prediction %d not guided", i)
		}
	}
	if exec.calls == 0 {
		t.Fatal("engine never called")
	}
	// Every query returns the same rows, so execution always matches.
	if sum.Execution != 1 {
		t.Fatalf("x = %v, want 1", sum.Execution)
	}
}

func TestRun(t *testing.T) {
	s := newSetup(t, 1, nil)
	ctx := context.Background()
	dir := t.TempDir()
	store, err := results.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ckpt := checkpoint.NewMemory()
	defer ckpt.Close()

	var evals []Evaluation
	res, err := s.trainer.Run(ctx, RunOptions{
		RunID:        "r1",
		Train:        wikisql.NewLoader(fixture(t), 2, true, s.rng),
		Dev:          wikisql.NewLoader(fixture(t), 4, false, nil),
		Epochs:       2,
		EvalEvery:    1,
		Results:      store,
		Checkpoints:  ckpt,
		OnEvaluation: func(e Evaluation) { evals = append(evals, e) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Epochs) != 2 || res.Epochs[1].Dev == nil {
		t.Fatalf("epochs = %+v", res.Epochs)
	}
	if s.trainer.GlobalStep() != 4 {
		t.Fatalf("GlobalStep = %d, want 4", s.trainer.GlobalStep())
	}
	// Epoch 0 evaluates once at its end (step 2); epoch 1 at steps 3 and 4,
	// the latter shared with the end-of-epoch evaluation.
	steps := make([]int, len(evals))
	for i, e := range evals {
		steps[i] = e.Step
	}
	if want := []int{2, 3, 4}; !reflect.DeepEqual(steps, want) {
		t.Fatalf("evaluation steps = %v, want %v", steps, want)
	}
	for _, step := range steps {
		name := filepath.Join(dir, "r1", "dev_"+strconv.Itoa(step)+".jsonl")
		if _, err := os.Stat(name); err != nil {
			t.Errorf("results file: %v", err)
		}
	}
	if res.Best == nil || !evals[0].Saved {
		t.Fatalf("best = %+v, first evaluation saved = %v", res.Best, evals[0].Saved)
	}

	restored := scorer.NewBilinear(16, rand.New(rand.NewPCG(9, 9)))
	snap, err := checkpoint.Restore(ctx, ckpt, "r1", "scorer", restored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.Step != res.Best.Step {
		t.Fatalf("restored step %d, best step %d", snap.Step, res.Best.Step)
	}
}

// flushLog records the number of lines in every file written through it.
type flushLog struct {
	*results.Local
	lines []int
}

type countingWriter struct {
	bytes.Buffer
	w   io.WriteCloser
	log *flushLog
}

func (c *countingWriter) Close() error {
	c.log.lines = append(c.log.lines, bytes.Count(c.Bytes(), []byte("\n")))
	if _, err := c.w.Write(c.Bytes()); err != nil {
		c.w.Close()
		return err
	}
	return c.w.Close()
}

func (f *flushLog) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	w, err := f.Local.Write(ctx, path)
	if err != nil {
		return nil, err
	}
	return &countingWriter{w: w, log: f}, nil
}

func TestEvaluateFlushesEachBatch(t *testing.T) {
	for _, tt := range []struct {
		name  string
		every int
		want  []int
	}{
		{"every batch", 0, []int{1, 2, 3, 4, 4}},
		{"every second batch", 2, []int{2, 4, 4}},
		{"at the end", -1, []int{4}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := newSetup(t, 1, nil)
			local, err := results.NewLocal(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			store := &flushLog{Local: local}
			ctx := context.Background()
			sink, err := results.Open(ctx, store, "dev.jsonl", nil)
			if err != nil {
				t.Fatal(err)
			}
			loader := wikisql.NewLoader(fixture(t), 1, false, nil)
			if _, _, err := s.trainer.Evaluate(ctx, loader, EvalOptions{Sink: sink, FlushEvery: tt.every}); err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if !slices.Equal(store.lines, tt.want) {
				t.Fatalf("lines per flush = %v, want %v", store.lines, tt.want)
			}
		})
	}
}

func TestEvaluateScenarioA(t *testing.T) {
	table := &wikisql.Table{
		ID:     "2-1",
		Header: []string{"name", "age"},
		Types:  []string{"text", "real"},
	}
	ex, err := wikisql.NewExample(0, "who is oldest", []string{"who", "is", "oldest"}, table,
		[]wikisql.Annotation{{Sel: 1, Agg: 1}})
	if err != nil {
		t.Fatalf("NewExample: %v", err)
	}
	s := newSetup(t, 1, nil)
	ctx := context.Background()

	res := s.trainer.Step(ctx, []*wikisql.Example{ex})
	if res.Skip != SkipNone || res.Err != nil {
		t.Fatalf("Skip = %v, Err = %v", res.Skip, res.Err)
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) || res.Loss <= 0 {
		t.Fatalf("Loss = %v, want finite and positive", res.Loss)
	}

	eval := func() Prediction {
		t.Helper()
		_, preds, err := s.trainer.Evaluate(ctx, wikisql.NewLoader([]*wikisql.Example{ex}, 1, false, nil), EvalOptions{})
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if len(preds) != 1 || !preds[0].Scored {
			t.Fatalf("predictions = %+v", preds)
		}
		return preds[0]
	}
	first, second := eval(), eval()
	if !reflect.DeepEqual(first.Annotation, second.Annotation) || first.Match != second.Match {
		t.Fatalf("evaluations differ: %+v / %+v", first, second)
	}
}

// fineTune swaps in a trainable encoder with its own optimizer.
func fineTune(emb **encoder.Embedding) func(*Options) {
	return func(o *Options) {
		*emb = encoder.NewEmbedding(o.Tokenizer, 8, 2, 64)
		value, grad := (*emb).Weights()
		o.Encoder = *emb
		o.EncoderOptimizer = scorer.NewAdam([]*scorer.Param{{Name: "embeddings", Value: value, Grad: grad}}, 0.05)
	}
}

func TestNewRejectsFrozenEncoder(t *testing.T) {
	tok := align.NewChunker(4)
	enc := encoder.NewHash(tok, 4, 1)
	model := scorer.NewBilinear(enc.Dim(), rand.New(rand.NewPCG(1, 1)))
	_, err := New(Options{
		Tokenizer: tok, Encoder: enc, Scorer: model,
		Optimizer:        scorer.NewAdam(model.Params(), 0.01),
		EncoderOptimizer: scorer.NewAdam(model.Params(), 0.01),
		Policy:           loss.PolicySum,
	})
	if err == nil {
		t.Fatal("New accepted an encoder optimizer for a frozen encoder")
	}
}

func TestStepFineTunesEncoder(t *testing.T) {
	var emb *encoder.Embedding
	s := newSetup(t, 1, fineTune(&emb))
	before := emb.Snapshot()["embeddings"]

	res := s.trainer.Step(context.Background(), fixture(t)[:2])
	if res.Err != nil || !res.Updated {
		t.Fatalf("Err = %v, Updated = %v", res.Err, res.Updated)
	}
	after := emb.Snapshot()["embeddings"]
	if slices.Equal(before, after) {
		t.Fatal("embedding table unchanged after a fine-tuning step")
	}
	if _, grad := emb.Weights(); slices.ContainsFunc(grad, func(g float64) bool { return g != 0 }) {
		t.Fatal("encoder gradients not cleared after the update")
	}
}

func TestRunCheckpointsEncoder(t *testing.T) {
	var emb *encoder.Embedding
	s := newSetup(t, 1, fineTune(&emb))
	ctx := context.Background()
	store, err := results.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ckpt := checkpoint.NewMemory()
	defer ckpt.Close()

	if _, err := s.trainer.Run(ctx, RunOptions{
		RunID:       "r1",
		Train:       wikisql.NewLoader(fixture(t), 2, false, nil),
		Dev:         wikisql.NewLoader(fixture(t), 4, false, nil),
		Epochs:      1,
		Results:     store,
		Checkpoints: ckpt,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	best, err := checkpoint.LoadBest(ctx, ckpt, "r1")
	if err != nil {
		t.Fatalf("LoadBest: %v", err)
	}
	if !slices.Contains(best.Components, "encoder") {
		t.Fatalf("components = %v, want encoder", best.Components)
	}
	snap, err := checkpoint.Load(ctx, ckpt, "r1", "encoder")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(snap.Params["embeddings"], emb.Snapshot()["embeddings"]) {
		t.Fatal("checkpointed embeddings differ from the trained table")
	}
}

// budgetEncoder fits budget question pieces beside any headers and records
// the question lengths it is asked to encode.
type budgetEncoder struct {
	*encoder.Hash
	budget int
	seen   []int
}

func (b *budgetEncoder) QuestionBudget([]string) (int, error) {
	if b.budget < 1 {
		return 0, encoder.ErrSequenceTooLong
	}
	return b.budget, nil
}

func (b *budgetEncoder) Encode(ctx context.Context, reqs []encoder.Request) ([]*encoder.Encoding, error) {
	for _, r := range reqs {
		b.seen = append(b.seen, r.Alignment.Len())
	}
	return b.Hash.Encode(ctx, reqs)
}

func TestStepQuestionBudget(t *testing.T) {
	var enc *budgetEncoder
	s := newSetup(t, 1, func(o *Options) {
		enc = &budgetEncoder{Hash: o.Encoder.(*encoder.Hash), budget: 2}
		o.Encoder = enc
		o.MaxSeqLen = 3
	})
	// "who lives in paris" has four pieces.
	s.trainer.Step(context.Background(), fixture(t)[:1])
	if !slices.Equal(enc.seen, []int{2}) {
		t.Fatalf("question pieces = %v, want [2]", enc.seen)
	}

	enc.budget = 0
	res := s.trainer.Step(context.Background(), fixture(t)[:1])
	if res.Skip != SkipOverflow || !errors.Is(res.Err, encoder.ErrSequenceTooLong) {
		t.Fatalf("Skip = %v, Err = %v", res.Skip, res.Err)
	}
}
