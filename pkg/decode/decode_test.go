package decode

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

func newAlignment(t *testing.T) *align.Alignment {
	t.Helper()
	tokens := []string{"who", "lives", "in", "paris"}
	a, err := align.Align("Who lives in Paris", tokens, align.NewChunker(8), 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	return a
}

// newScores builds scores over headers [name, city] favoring
// SELECT name WHERE name = <span>.
func newScores() *scorer.Scores {
	s := scorer.NewScores(2, 4)
	s.Sel[0] = 2
	s.Agg[0][0] = 3
	s.NumConds = []float64{-5, 5, -5, -5, -5}
	s.CondCol = []float64{3, -3}
	s.CondOp[0][0] = 2
	s.ValStart[0] = []float64{0, 3, 0, 2.5}
	s.ValEnd[0] = []float64{0, 3, 0, 2.5}
	return s
}

func TestGreedy(t *testing.T) {
	a := newAlignment(t)
	r := Greedy(newScores())
	want := Result{Sel: 0, Agg: 0, NumConds: 1, Conds: []Cond{{Column: 0, Op: 0, Span: wikisql.Span{Start: 1, End: 1}}}}
	if !reflect.DeepEqual(r, want) {
		t.Fatalf("Greedy = %+v, want %+v", r, want)
	}
	ann := r.Annotation(a)
	if ann.Conds[0].Value != "lives" {
		t.Fatalf("value = %q, want lives", ann.Conds[0].Value)
	}
}

// randomScores fills scores for h headers and n pieces, with every
// condition column tied.
func randomScores(rng *rand.Rand, h, n int) *scorer.Scores {
	s := scorer.NewScores(h, n)
	fill := func(xs []float64) {
		for i := range xs {
			xs[i] = rng.NormFloat64()
		}
	}
	fill(s.Sel)
	fill(s.NumConds)
	s.NumConds[2] = 10
	for j := range h {
		fill(s.Agg[j])
		fill(s.CondOp[j])
		fill(s.ValStart[j])
		fill(s.ValEnd[j])
		s.CondCol[j] = 1
	}
	return s
}

func TestGreedyDeterministic(t *testing.T) {
	a := newAlignment(t)
	first := randomScores(rand.New(rand.NewPCG(5, 5)), 3, 4)
	same := randomScores(rand.New(rand.NewPCG(5, 5)), 3, 4)

	want := Greedy(first)
	wantAnn := want.Annotation(a)
	for i := range 20 {
		s := first
		if i%2 == 1 {
			s = same
		}
		r := Greedy(s)
		if !reflect.DeepEqual(r, want) {
			t.Fatalf("decode %d = %+v, want %+v", i, r, want)
		}
		if ann := r.Annotation(a); !reflect.DeepEqual(ann, wantAnn) {
			t.Fatalf("annotation %d = %+v, want %+v", i, ann, wantAnn)
		}
	}
	// Tied condition columns resolve to the earliest headers.
	if want.NumConds != 2 || want.Conds[0].Column != 0 || want.Conds[1].Column != 1 {
		t.Fatalf("conds = %+v, want columns 0 and 1", want.Conds)
	}
}

func TestGreedyCapsCountAtHeaders(t *testing.T) {
	s := scorer.NewScores(1, 2)
	s.NumConds = []float64{0, 0, 0, 9, 0}
	r := Greedy(s)
	if r.NumConds != 1 || len(r.Conds) != 1 {
		t.Fatalf("NumConds = %d conds = %d, want 1", r.NumConds, len(r.Conds))
	}
}

func TestBestSpanTies(t *testing.T) {
	if got := bestSpan([]float64{0, 0, 5}, []float64{5, 0, 0}); got != (wikisql.Span{Start: 0, End: 0}) {
		t.Fatalf("bestSpan = %v, want [0,0]", got)
	}
	if got := bestSpan([]float64{1, 1}, []float64{0, 0}); got != (wikisql.Span{Start: 0, End: 0}) {
		t.Fatalf("bestSpan = %v, want [0,0]", got)
	}
	// The end must not precede the start.
	if got := bestSpan([]float64{0, 4}, []float64{9, 1}); got != (wikisql.Span{Start: 0, End: 0}) {
		t.Fatalf("bestSpan = %v, want [0,0]", got)
	}
}

func TestTopColumns(t *testing.T) {
	if got := topColumns([]float64{1, 1, 1}, 2); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("topColumns = %v, want [0 1]", got)
	}
	if got := topColumns([]float64{0, 5, 3}, 2); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("topColumns = %v, want [1 2]", got)
	}
}

// execFunc adapts a function to dbengine.Executor.
type execFunc func(q dbengine.Query) ([]any, error)

func (f execFunc) Execute(_ context.Context, _ string, q dbengine.Query) ([]any, error) {
	return f(q)
}

func TestBeamFallsBackToGreedy(t *testing.T) {
	a := newAlignment(t)
	s := newScores()
	exec := execFunc(func(q dbengine.Query) ([]any, error) {
		if len(q.Conds) > 0 {
			return nil, dbengine.ErrExecution
		}
		return []any{"x"}, nil
	})
	b := &Beam{Exec: exec, Width: 1}
	got, guided, err := b.Decode(context.Background(), s, a, "t")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if guided {
		t.Fatal("guided = true, want fallback")
	}
	want := Greedy(s).Annotation(a)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Decode = %+v, want greedy %+v", got, want)
	}
}

func TestBeamPrunesInvalidValues(t *testing.T) {
	a := newAlignment(t)
	s := newScores()
	exec := execFunc(func(q dbengine.Query) ([]any, error) {
		for _, c := range q.Conds {
			if c.Column != 0 || c.Value != "Paris" {
				return nil, nil
			}
		}
		return []any{"alice"}, nil
	})
	b := &Beam{Exec: exec, Width: 4}
	got, guided, err := b.Decode(context.Background(), s, a, "t")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !guided {
		t.Fatal("guided = false, want beam result")
	}
	if got.NumConds != 1 || got.Conds[0].Value != "Paris" || got.Conds[0].Span != (wikisql.Span{Start: 3, End: 3}) {
		t.Fatalf("Decode = %+v, want condition on Paris", got)
	}
}

func TestBeamPrunesNullAggregates(t *testing.T) {
	a := newAlignment(t)
	s := newScores()
	s.Agg[0] = []float64{0, 4, 0, 0, 0, 0}
	s.NumConds = []float64{5, -5, -5, -5, -5}
	exec := execFunc(func(q dbengine.Query) ([]any, error) {
		if q.Agg == 1 {
			return []any{nil}, nil
		}
		return []any{"alice"}, nil
	})
	got, guided, err := (&Beam{Exec: exec, Width: 2}).Decode(context.Background(), s, a, "t")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !guided || got.Agg == 1 {
		t.Fatalf("Decode = %+v guided=%v, want non-MAX aggregation", got, guided)
	}
}

func TestBeamCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := execFunc(func(dbengine.Query) ([]any, error) { return []any{1}, nil })
	_, _, err := (&Beam{Exec: exec}).Decode(ctx, newScores(), newAlignment(t), "t")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Decode = %v, want context.Canceled", err)
	}
}
