package candidate

import (
	"errors"
	"math"
	"testing"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/loss"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

func fakeEncoding(t, h, hl int) *encoder.Encoding {
	row := []float64{0, 0}
	enc := &encoder.Encoding{}
	for range t {
		enc.Question = append(enc.Question, row)
	}
	for range h {
		var rows [][]float64
		for range hl {
			rows = append(rows, row)
		}
		enc.Headers = append(enc.Headers, rows)
	}
	return enc
}

func example(t *testing.T, index int, tokens []string, anns ...wikisql.Annotation) *wikisql.Example {
	t.Helper()
	table := &wikisql.Table{ID: "t", Header: []string{"a", "b", "c"}}
	ex, err := wikisql.NewExample(index, "", tokens, table, anns)
	if err != nil {
		t.Fatalf("NewExample: %v", err)
	}
	return ex
}

func TestTargetsDropsUnresolvable(t *testing.T) {
	tokens := []string{"who", "won", "in", "paris"}
	ex := example(t, 0, tokens,
		wikisql.Annotation{Sel: 0, NumConds: 1, Conds: []wikisql.Cond{{Column: 1, Span: wikisql.Span{Start: 3, End: 3}}}},
		wikisql.Annotation{Sel: 0, NumConds: 1, Conds: []wikisql.Cond{{Column: 1, Span: wikisql.Span{Start: 3, End: 6}}}},
	)
	a, err := align.Align("who won in paris", tokens, align.NewChunker(3), 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	usable, failures := Targets(ex, a)
	if len(usable) != 1 || usable[0].Index != 0 {
		t.Fatalf("usable = %+v, want only annotation 0", usable)
	}
	if len(failures) != 1 || !errors.Is(failures[0], align.ErrSpanResolution) {
		t.Fatalf("failures = %v", failures)
	}
	// Chunks are who, won, in, par, ##is.
	if got := usable[0].Target.CondSpans[0]; got != (wikisql.Span{Start: 3, End: 4}) {
		t.Fatalf("span = %v, want [3,4]", got)
	}
}

func target(sel int) loss.Target { return loss.Target{Sel: sel} }

func TestExpandGroups(t *testing.T) {
	tokens := []string{"x"}
	enc0, enc1, enc2 := fakeEncoding(2, 3, 2), fakeEncoding(2, 3, 1), fakeEncoding(2, 3, 4)
	items := []Item{
		{Example: example(t, 0, tokens), Encoding: enc0, Usable: []Annotated{{0, target(0)}, {1, target(1)}}},
		{Example: example(t, 1, tokens), Encoding: enc1},
		{Example: example(t, 2, tokens), Encoding: enc2, Usable: []Annotated{{2, target(2)}}},
	}
	b, err := Expand(items, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(b.Candidates) != 3 {
		t.Fatalf("candidates = %d, want 3", len(b.Candidates))
	}
	want := []Group{{0, 0, 2}, {1, 2, 0}, {2, 2, 1}}
	for i, g := range b.Groups {
		if g != want[i] {
			t.Fatalf("group %d = %+v, want %+v", i, g, want[i])
		}
	}
	if b.Candidates[0].Encoding != b.Candidates[1].Encoding {
		t.Fatal("candidates of one example must share the encoding")
	}
	if b.Candidates[2].Annotation != 2 || b.Candidates[2].Example != 2 {
		t.Fatalf("candidate 2 = %+v", b.Candidates[2])
	}
	if b.Contributing() != 2 {
		t.Fatalf("Contributing = %d, want 2", b.Contributing())
	}
}

func TestExpandOverflow(t *testing.T) {
	items := []Item{{
		Example:  example(t, 0, []string{"x"}),
		Encoding: fakeEncoding(1, 3, 10),
		Usable:   []Annotated{{0, target(0)}, {1, target(1)}},
	}}
	// Two candidates of 3 headers x 10 pieces is 60 cells.
	if _, err := Expand(items, 59); !errors.Is(err, ErrBatchOverflow) {
		t.Fatalf("Expand = %v, want ErrBatchOverflow", err)
	}
	if _, err := Expand(items, 60); err != nil {
		t.Fatalf("Expand at bound: %v", err)
	}
}

func TestExpandInvariant(t *testing.T) {
	bad := loss.Target{Sel: 0, NumConds: 1, CondCols: []int{0}, CondOps: []int{0}, CondSpans: []wikisql.Span{{Start: 0, End: 5}}}
	items := []Item{{Example: example(t, 0, []string{"x"}), Encoding: fakeEncoding(2, 3, 1), Usable: []Annotated{{0, bad}}}}
	if _, err := Expand(items, 0); !errors.Is(err, ErrInvariant) {
		t.Fatalf("Expand = %v, want ErrInvariant", err)
	}
}

func TestReduceLoss(t *testing.T) {
	groups := []Group{{0, 0, 2}, {1, 2, 0}, {2, 2, 1}}
	losses := []float64{1, 2, 4}

	r, err := ReduceLoss(losses, groups, loss.PolicyMin)
	if err != nil {
		t.Fatalf("ReduceLoss: %v", err)
	}
	if r.Total != 5 || r.Contributing != 2 {
		t.Fatalf("min total = %v contributing = %d, want 5 and 2", r.Total, r.Contributing)
	}
	if r.Weights[0] != 1 || r.Weights[1] != 0 || r.Weights[2] != 1 {
		t.Fatalf("weights = %v", r.Weights)
	}

	r, _ = ReduceLoss(losses, groups, loss.PolicySum)
	want := math.Log(math.Exp(1)+math.Exp(2)) + 4
	if math.Abs(r.Total-want) > 1e-12 {
		t.Fatalf("sum total = %v, want %v", r.Total, want)
	}
	if r.PerExample[1] != 0 {
		t.Fatalf("empty group value = %v, want 0", r.PerExample[1])
	}
}

func TestSelectBest(t *testing.T) {
	groups := []Group{{0, 0, 3}, {1, 3, 0}, {2, 3, 2}}
	got := SelectBest([]bool{false, true, true, false, false}, groups)
	want := []int{1, -1, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SelectBest = %v, want %v", got, want)
		}
	}
}
