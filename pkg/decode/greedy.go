// Package decode turns score tensors into logical forms, either greedily or
// with an execution-guided beam search.
package decode

import (
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// Cond is a decoded condition. Span is in sub-word positions.
type Cond struct {
	Column int
	Op     int
	Span   wikisql.Span
}

// Result is a decoded logical form before value spans are mapped back to
// question text.
type Result struct {
	Sel      int
	Agg      int
	NumConds int
	Conds    []Cond
}

// Greedy decodes each field independently by argmax. Condition columns are
// the NumConds highest-scoring headers (earlier headers win ties), returned
// in header order. The condition count is capped at the number of headers.
func Greedy(s *scorer.Scores) Result {
	r := Result{Sel: floats.MaxIdx(s.Sel)}
	r.Agg = floats.MaxIdx(s.Agg[r.Sel])
	r.NumConds = min(floats.MaxIdx(s.NumConds), s.Headers())
	for _, c := range topColumns(s.CondCol, r.NumConds) {
		r.Conds = append(r.Conds, Cond{
			Column: c,
			Op:     floats.MaxIdx(s.CondOp[c]),
			Span:   bestSpan(s.ValStart[c], s.ValEnd[c]),
		})
	}
	return r
}

// topColumns returns the n highest-scoring indices in ascending order.
func topColumns(scores []float64, n int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	top := idx[:min(n, len(idx))]
	slices.Sort(top)
	return top
}

// bestSpan maximizes start[s]+end[e] over s <= e. Ties go to the earliest
// start, then the earliest end.
func bestSpan(start, end []float64) wikisql.Span {
	best := wikisql.Span{}
	bestScore := 0.0
	found := false
	for s := range start {
		for e := s; e < len(end); e++ {
			if v := start[s] + end[e]; !found || v > bestScore {
				best, bestScore, found = wikisql.Span{Start: s, End: e}, v, true
			}
		}
	}
	return best
}

// Annotation maps r's value spans back to question tokens and text.
// Conditions whose span cannot be mapped keep an unknown span and an empty
// value.
func (r Result) Annotation(a *align.Alignment) wikisql.Annotation {
	ann := wikisql.Annotation{Sel: r.Sel, Agg: r.Agg, NumConds: r.NumConds}
	for _, c := range r.Conds {
		cond := wikisql.Cond{Column: c.Column, Op: c.Op, Span: wikisql.Span{Start: -1, End: -1}}
		if src, err := a.SourceSpan(c.Span); err == nil {
			cond.Span = src
			cond.Value = a.Text(src)
		}
		ann.Conds = append(ann.Conds, cond)
	}
	return ann
}
