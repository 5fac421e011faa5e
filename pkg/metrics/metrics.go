// Package metrics compares predicted logical forms with gold annotations
// field by field and accumulates accuracies over a pass.
package metrics

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// Field identifies one accuracy component.
type Field int

const (
	FieldSel Field = iota
	FieldAgg
	FieldNumConds
	FieldCondCols
	FieldCondOps
	FieldValSpans
	FieldValues
	FieldLogicalForm
	FieldExecution
	numFields
)

var fieldNames = [numFields]string{"sc", "sa", "wn", "wc", "wo", "wvi", "wv", "lx", "x"}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// Match records which fields of a prediction were correct.
type Match [numFields]bool

// Compare checks pred against gold. Operators, value spans and values are
// only credited when the condition column set matches; they are paired by
// column. Execution is left unset.
func Compare(pred, gold wikisql.Annotation) Match {
	var m Match
	m[FieldSel] = pred.Sel == gold.Sel
	m[FieldAgg] = pred.Agg == gold.Agg
	m[FieldNumConds] = pred.NumConds == gold.NumConds

	pc, gc := columns(pred), columns(gold)
	m[FieldCondCols] = slices.Equal(pc, gc)
	if m[FieldCondCols] {
		m[FieldCondOps], m[FieldValSpans], m[FieldValues] = true, true, true
		used := make([]bool, len(pred.Conds))
		for _, g := range gold.Conds {
			i := pairOf(pred.Conds, used, g.Column)
			if i < 0 {
				m[FieldCondOps], m[FieldValSpans], m[FieldValues] = false, false, false
				break
			}
			p := pred.Conds[i]
			m[FieldCondOps] = m[FieldCondOps] && p.Op == g.Op
			m[FieldValSpans] = m[FieldValSpans] && p.Span == g.Span
			m[FieldValues] = m[FieldValues] && NormalizeValue(p.Value) == NormalizeValue(g.Value)
		}
	}
	m[FieldLogicalForm] = LogicalForm(pred, gold)
	return m
}

// LogicalForm reports whether pred and gold have the same select column,
// aggregation, condition count and the same multiset of
// (column, operator, normalized value) triples.
func LogicalForm(pred, gold wikisql.Annotation) bool {
	if pred.Sel != gold.Sel || pred.Agg != gold.Agg || pred.NumConds != gold.NumConds {
		return false
	}
	return slices.Equal(triples(pred), triples(gold))
}

// NormalizeValue lowercases v and collapses whitespace.
func NormalizeValue(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}

func columns(a wikisql.Annotation) []int {
	out := make([]int, len(a.Conds))
	for i, c := range a.Conds {
		out[i] = c.Column
	}
	slices.Sort(out)
	return out
}

func triples(a wikisql.Annotation) []string {
	out := make([]string, len(a.Conds))
	for i, c := range a.Conds {
		out[i] = fmt.Sprintf("%d\x00%d\x00%s", c.Column, c.Op, NormalizeValue(c.Value))
	}
	slices.Sort(out)
	return out
}

func pairOf(conds []wikisql.Cond, used []bool, col int) int {
	for i, c := range conds {
		if !used[i] && c.Column == col {
			used[i] = true
			return i
		}
	}
	return -1
}

// ExecutionMatch runs both forms and compares their results as multisets.
// A gold query that fails to execute never matches.
func ExecutionMatch(ctx context.Context, exec dbengine.Executor, tableID string, pred, gold wikisql.Annotation) (bool, error) {
	want, err := exec.Execute(ctx, tableID, dbengine.FromAnnotation(gold))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	got, err := exec.Execute(ctx, tableID, dbengine.FromAnnotation(pred))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return slices.Equal(render(got), render(want)), nil
}

func render(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	slices.Sort(out)
	return out
}
