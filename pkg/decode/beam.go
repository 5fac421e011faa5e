package decode

import (
	"context"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/dbengine"
	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// DefaultBeamSize is the beam width used when none is configured.
const DefaultBeamSize = 4

// Beam is an execution-guided beam decoder. Hypotheses are built field by
// field (select column, aggregation, condition count, then per condition
// column, operator and value) and scored by summed log-probabilities.
// After the aggregation is chosen and after each completed condition, the
// partial query is executed; hypotheses whose query fails, returns no rows
// or returns a null value are pruned.
type Beam struct {
	Exec   dbengine.Executor
	Width  int
	Logger *slog.Logger
}

type stage int

const (
	stageSel stage = iota
	stageAgg
	stageCount
	stageCol
	stageOp
	stageVal
	stageDone
)

type hypothesis struct {
	score float64
	stage stage
	sel   int
	agg   int
	num   int
	conds []wikisql.Cond
}

func (h hypothesis) query() dbengine.Query {
	q := dbengine.Query{Sel: h.sel, Agg: h.agg}
	for _, c := range h.conds {
		q.Conds = append(q.Conds, dbengine.Cond{Column: c.Column, Op: c.Op, Value: c.Value})
	}
	return q
}

func (h hypothesis) annotation() wikisql.Annotation {
	return wikisql.Annotation{Sel: h.sel, Agg: h.agg, NumConds: h.num, Conds: slices.Clone(h.conds)}
}

// search holds per-question state for one Decode call.
type search struct {
	b     *Beam
	ctx   context.Context
	s     *scorer.Scores
	a     *align.Alignment
	table string
	valid map[string]bool

	sel   []float64
	num   []float64
	col   []float64
	agg   map[int][]float64
	op    map[int][]float64
	spans map[int][]scoredSpan
}

type scoredSpan struct {
	span  wikisql.Span
	score float64
}

// Decode returns the best execution-valid logical form. When every
// hypothesis is pruned it falls back to greedy decoding and reports
// guided=false. Only context errors are returned.
func (b *Beam) Decode(ctx context.Context, s *scorer.Scores, a *align.Alignment, tableID string) (ann wikisql.Annotation, guided bool, err error) {
	width := b.Width
	if width < 1 {
		width = DefaultBeamSize
	}
	sr := &search{
		b: b, ctx: ctx, s: s, a: a, table: tableID,
		valid: make(map[string]bool),
		sel:   logSoftmax(s.Sel),
		num:   logSoftmax(s.NumConds),
		col:   make([]float64, len(s.CondCol)),
		agg:   make(map[int][]float64),
		op:    make(map[int][]float64),
		spans: make(map[int][]scoredSpan),
	}
	for j, x := range s.CondCol {
		sr.col[j] = -softplus(-x)
	}

	beam := []hypothesis{{stage: stageSel}}
	for {
		if err := ctx.Err(); err != nil {
			return wikisql.Annotation{}, false, err
		}
		done := true
		var next []hypothesis
		for _, h := range beam {
			if h.stage == stageDone {
				next = append(next, h)
				continue
			}
			done = false
			next = append(next, sr.expand(h, width)...)
		}
		if done {
			break
		}
		slices.SortStableFunc(next, func(x, y hypothesis) int {
			switch {
			case x.score > y.score:
				return -1
			case x.score < y.score:
				return 1
			}
			return 0
		})
		beam = next[:min(width, len(next))]
		if len(beam) == 0 {
			b.logger().Debug("beam exhausted, falling back to greedy", "table", tableID)
			return Greedy(s).Annotation(a), false, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return wikisql.Annotation{}, false, err
	}
	return beam[0].annotation(), true, nil
}

func (b *Beam) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (sr *search) expand(h hypothesis, width int) []hypothesis {
	var out []hypothesis
	switch h.stage {
	case stageSel:
		for j, lp := range sr.sel {
			c := h
			c.sel, c.score, c.stage = j, h.score+lp, stageAgg
			out = append(out, c)
		}
	case stageAgg:
		for a, lp := range sr.aggFor(h.sel) {
			c := h
			c.agg, c.score, c.stage = a, h.score+lp, stageCount
			if sr.executes(c) {
				out = append(out, c)
			}
		}
	case stageCount:
		for n, lp := range sr.num {
			if n > sr.s.Headers() {
				break
			}
			c := h
			c.num, c.score, c.stage = n, h.score+lp, stageCol
			if n == 0 {
				c.stage = stageDone
			}
			out = append(out, c)
		}
	case stageCol:
		last := -1
		if len(h.conds) > 0 {
			last = h.conds[len(h.conds)-1].Column
		}
		remaining := h.num - len(h.conds)
		for j := last + 1; j <= sr.s.Headers()-remaining; j++ {
			c := h
			c.conds = append(slices.Clone(h.conds), wikisql.Cond{Column: j, Span: wikisql.Span{Start: -1, End: -1}})
			c.score, c.stage = h.score+sr.col[j], stageOp
			out = append(out, c)
		}
	case stageOp:
		cur := h.conds[len(h.conds)-1].Column
		for o, lp := range sr.opFor(cur) {
			c := h
			c.conds = slices.Clone(h.conds)
			c.conds[len(c.conds)-1].Op = o
			c.score, c.stage = h.score+lp, stageVal
			out = append(out, c)
		}
	case stageVal:
		cur := h.conds[len(h.conds)-1].Column
		for _, sp := range sr.spansFor(cur, width) {
			src, err := sr.a.SourceSpan(sp.span)
			if err != nil {
				continue
			}
			c := h
			c.conds = slices.Clone(h.conds)
			c.conds[len(c.conds)-1].Span = src
			c.conds[len(c.conds)-1].Value = sr.a.Text(src)
			c.score = h.score + sp.score
			c.stage = stageCol
			if len(c.conds) == c.num {
				c.stage = stageDone
			}
			if sr.executes(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// executes reports whether h's partial query runs and yields only non-null
// values.
func (sr *search) executes(h hypothesis) bool {
	q := h.query()
	key := q.Key()
	if ok, seen := sr.valid[key]; seen {
		return ok
	}
	res, err := sr.b.Exec.Execute(sr.ctx, sr.table, q)
	ok := err == nil && len(res) > 0 && !slices.Contains(res, nil)
	sr.valid[key] = ok
	return ok
}

func (sr *search) aggFor(col int) []float64 {
	if v, ok := sr.agg[col]; ok {
		return v
	}
	v := logSoftmax(sr.s.Agg[col])
	sr.agg[col] = v
	return v
}

func (sr *search) opFor(col int) []float64 {
	if v, ok := sr.op[col]; ok {
		return v
	}
	v := logSoftmax(sr.s.CondOp[col])
	sr.op[col] = v
	return v
}

// spansFor returns the k best spans for col by log P(start) + log P(end).
func (sr *search) spansFor(col, k int) []scoredSpan {
	if v, ok := sr.spans[col]; ok {
		return v
	}
	st := logSoftmax(sr.s.ValStart[col])
	ed := logSoftmax(sr.s.ValEnd[col])
	var all []scoredSpan
	for s := range st {
		for e := s; e < len(ed); e++ {
			all = append(all, scoredSpan{span: wikisql.Span{Start: s, End: e}, score: st[s] + ed[e]})
		}
	}
	slices.SortStableFunc(all, func(x, y scoredSpan) int {
		switch {
		case x.score > y.score:
			return -1
		case x.score < y.score:
			return 1
		}
		return 0
	})
	all = all[:min(k, len(all))]
	sr.spans[col] = all
	return all
}

func logSoftmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	lse := floats.LogSumExp(xs)
	for i, x := range xs {
		out[i] = x - lse
	}
	return out
}

func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}
