// Package wikisql defines the question/table data model used by the parser:
// examples, tables, gold annotations and the fixed aggregation and operator
// vocabularies. It also loads WikiSQL-style tokenized JSONL files and batches
// examples for training and evaluation.
package wikisql

import (
	"errors"
	"fmt"
	"strings"
)

// AggOps is the aggregation vocabulary. Index 0 means no aggregation.
var AggOps = []string{"", "MAX", "MIN", "COUNT", "SUM", "AVG"}

// CondOps is the condition operator vocabulary.
var CondOps = []string{"=", ">", "<", "OP"}

// MaxConds is the largest number of conditions a query may carry.
const MaxConds = 4

// ErrInvariant is returned when an annotation or example is internally
// inconsistent.
var ErrInvariant = errors.New("wikisql: invariant violation")

// Span is an inclusive token range. A Span with negative bounds is unknown.
type Span struct {
	Start int `json:"start" msgpack:"start"`
	End   int `json:"end" msgpack:"end"`
}

// Known reports whether both bounds are set.
func (s Span) Known() bool {
	return s.Start >= 0 && s.End >= 0
}

// Len returns the number of tokens covered by s.
func (s Span) Len() int {
	if !s.Known() || s.End < s.Start {
		return 0
	}
	return s.End - s.Start + 1
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d]", s.Start, s.End)
}

// Cond is a single WHERE clause: column, operator, value and the value's
// location in the question's linguistic tokens.
type Cond struct {
	Column int    `json:"column" msgpack:"column"`
	Op     int    `json:"op" msgpack:"op"`
	Value  string `json:"value" msgpack:"value"`
	Span   Span   `json:"span" msgpack:"span"`
}

// Annotation is one gold (or predicted) logical form for a question.
type Annotation struct {
	Sel      int    `json:"sel" msgpack:"sel"`
	Agg      int    `json:"agg" msgpack:"agg"`
	NumConds int    `json:"num_conds" msgpack:"num_conds"`
	Conds    []Cond `json:"conds" msgpack:"conds"`
}

// Validate checks the annotation against a table with numHeaders columns.
// Span upper bounds are not checked here: they depend on tokenization and
// are resolved by the aligner.
func (a *Annotation) Validate(numHeaders int) error {
	if a.NumConds != len(a.Conds) {
		return fmt.Errorf("%w: %d conditions declared, %d present", ErrInvariant, a.NumConds, len(a.Conds))
	}
	if a.NumConds > MaxConds {
		return fmt.Errorf("%w: %d conditions exceeds limit %d", ErrInvariant, a.NumConds, MaxConds)
	}
	if a.Sel < 0 || a.Sel >= numHeaders {
		return fmt.Errorf("%w: select column %d out of range [0,%d)", ErrInvariant, a.Sel, numHeaders)
	}
	if a.Agg < 0 || a.Agg >= len(AggOps) {
		return fmt.Errorf("%w: aggregation %d out of range", ErrInvariant, a.Agg)
	}
	for i, c := range a.Conds {
		if c.Column < 0 || c.Column >= numHeaders {
			return fmt.Errorf("%w: condition %d column %d out of range [0,%d)", ErrInvariant, i, c.Column, numHeaders)
		}
		if c.Op < 0 || c.Op >= len(CondOps) {
			return fmt.Errorf("%w: condition %d operator %d out of range", ErrInvariant, i, c.Op)
		}
		if c.Span.Known() && c.Span.Start > c.Span.End {
			return fmt.Errorf("%w: condition %d span %v is reversed", ErrInvariant, i, c.Span)
		}
	}
	return nil
}

// SQL renders a human readable query for a table with the given headers.
func (a *Annotation) SQL(headers []string) string {
	col := func(i int) string {
		if i >= 0 && i < len(headers) {
			return headers[i]
		}
		return fmt.Sprintf("col%d", i)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	if a.Agg > 0 && a.Agg < len(AggOps) {
		fmt.Fprintf(&b, "%s(%s)", AggOps[a.Agg], col(a.Sel))
	} else {
		b.WriteString(col(a.Sel))
	}
	b.WriteString(" FROM table")
	for i, c := range a.Conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		op := "?"
		if c.Op >= 0 && c.Op < len(CondOps) {
			op = CondOps[c.Op]
		}
		fmt.Fprintf(&b, "%s %s %s", col(c.Column), op, c.Value)
	}
	return b.String()
}

// Table is a relational table: header names, column types and rows.
type Table struct {
	ID     string   `json:"id"`
	Header []string `json:"header"`
	Types  []string `json:"types"`
	Rows   [][]any  `json:"rows"`
}

// Example is a natural-language question over a table with zero or more
// gold annotations.
type Example struct {
	Index       int
	Question    string
	Tokens      []string
	TableID     string
	Headers     []string
	Annotations []Annotation
}

// NewExample validates and builds an Example. Every annotation must be
// consistent with the table's headers.
func NewExample(index int, question string, tokens []string, table *Table, anns []Annotation) (*Example, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: example %d has no table", ErrInvariant, index)
	}
	if len(table.Header) == 0 {
		return nil, fmt.Errorf("%w: table %s has no headers", ErrInvariant, table.ID)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: example %d has no tokens", ErrInvariant, index)
	}
	for i := range anns {
		if err := anns[i].Validate(len(table.Header)); err != nil {
			return nil, fmt.Errorf("example %d annotation %d: %w", index, i, err)
		}
	}
	return &Example{
		Index:       index,
		Question:    question,
		Tokens:      tokens,
		TableID:     table.ID,
		Headers:     table.Header,
		Annotations: anns,
	}, nil
}
