package scorer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// Param is a named parameter vector with its gradient.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, n int, rng *rand.Rand) *Param {
	p := &Param{Name: name, Value: make([]float64, n), Grad: make([]float64, n)}
	if rng != nil {
		for i := range p.Value {
			p.Value[i] = rng.NormFloat64() * 0.01
		}
	}
	return p
}

// Bilinear scores every field from mean-pooled question and header vectors.
// With q the pooled question, h_j the pooled header j and f_j = q*h_j
// (elementwise):
//
//	Sel[j]         = w_sel . f_j
//	Agg[j][a]      = w_agg[a] . f_j + b_agg[a]
//	NumConds[n]    = w_num[n] . q + b_num[n]
//	CondCol[j]     = w_col . f_j + b_col
//	CondOp[j][o]   = w_op[o] . f_j + b_op[o]
//	ValStart[j][t] = w_st . (e_t*h_j)
//	ValEnd[j][t]   = w_ed . (e_t*h_j)
//
// where e_t is question row t.
type Bilinear struct {
	dim    int
	sel    *Param
	agg    *Param
	aggB   *Param
	num    *Param
	numB   *Param
	col    *Param
	colB   *Param
	op     *Param
	opB    *Param
	st     *Param
	ed     *Param
	params []*Param
}

// NewBilinear creates a model for encodings of width dim, initialized from
// rng. A nil rng leaves all parameters at zero.
func NewBilinear(dim int, rng *rand.Rand) *Bilinear {
	nAgg, nOp, nNum := len(wikisql.AggOps), len(wikisql.CondOps), wikisql.MaxConds+1
	m := &Bilinear{
		dim:  dim,
		sel:  newParam("sel", dim, rng),
		agg:  newParam("agg", nAgg*dim, rng),
		aggB: newParam("agg_bias", nAgg, nil),
		num:  newParam("num", nNum*dim, rng),
		numB: newParam("num_bias", nNum, nil),
		col:  newParam("col", dim, rng),
		colB: newParam("col_bias", 1, nil),
		op:   newParam("op", nOp*dim, rng),
		opB:  newParam("op_bias", nOp, nil),
		st:   newParam("start", dim, rng),
		ed:   newParam("end", dim, rng),
	}
	m.params = []*Param{m.sel, m.agg, m.aggB, m.num, m.numB, m.col, m.colB, m.op, m.opB, m.st, m.ed}
	return m
}

// Params returns the model parameters in a fixed order.
func (m *Bilinear) Params() []*Param { return m.params }

// pooled holds the per-encoding intermediates shared by Score and Backward.
type pooled struct {
	q []float64
	h [][]float64
	f [][]float64
}

func (m *Bilinear) pool(enc *encoder.Encoding) (*pooled, error) {
	if d := enc.Dim(); d != m.dim {
		return nil, fmt.Errorf("scorer: encoding width %d, model expects %d", d, m.dim)
	}
	p := &pooled{q: mean(enc.Question, m.dim)}
	p.h = make([][]float64, len(enc.Headers))
	p.f = make([][]float64, len(enc.Headers))
	for j, rows := range enc.Headers {
		p.h[j] = mean(rows, m.dim)
		p.f[j] = make([]float64, m.dim)
		floats.MulTo(p.f[j], p.q, p.h[j])
	}
	return p, nil
}

func mean(rows [][]float64, dim int) []float64 {
	out := make([]float64, dim)
	if len(rows) == 0 {
		return out
	}
	for _, r := range rows {
		floats.Add(out, r)
	}
	floats.Scale(1/float64(len(rows)), out)
	return out
}

func block(p []float64, i, dim int) []float64 {
	return p[i*dim : (i+1)*dim]
}

func (m *Bilinear) Score(ctx context.Context, in []*encoder.Encoding) ([]*Scores, error) {
	out := make([]*Scores, len(in))
	for i, enc := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := m.pool(enc)
		if err != nil {
			return nil, err
		}
		s := NewScores(len(p.h), enc.QuestionLen())
		for n := range s.NumConds {
			s.NumConds[n] = floats.Dot(block(m.num.Value, n, m.dim), p.q) + m.numB.Value[n]
		}
		gs := make([]float64, m.dim)
		ge := make([]float64, m.dim)
		for j, f := range p.f {
			s.Sel[j] = floats.Dot(m.sel.Value, f)
			for a := range s.Agg[j] {
				s.Agg[j][a] = floats.Dot(block(m.agg.Value, a, m.dim), f) + m.aggB.Value[a]
			}
			s.CondCol[j] = floats.Dot(m.col.Value, f) + m.colB.Value[0]
			for o := range s.CondOp[j] {
				s.CondOp[j][o] = floats.Dot(block(m.op.Value, o, m.dim), f) + m.opB.Value[o]
			}
			floats.MulTo(gs, m.st.Value, p.h[j])
			floats.MulTo(ge, m.ed.Value, p.h[j])
			for t, e := range enc.Question {
				s.ValStart[j][t] = floats.Dot(gs, e)
				s.ValEnd[j][t] = floats.Dot(ge, e)
			}
		}
		out[i] = s
	}
	return out, nil
}

func (m *Bilinear) Backward(ctx context.Context, in []*encoder.Encoding, grads []*Scores) error {
	if len(in) != len(grads) {
		return fmt.Errorf("scorer: %d encodings, %d gradients", len(in), len(grads))
	}
	for i, enc := range in {
		g := grads[i]
		if g == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := m.pool(enc)
		if err != nil {
			return err
		}
		if g.Headers() != len(p.h) || g.Tokens() != enc.QuestionLen() {
			return fmt.Errorf("scorer: gradient shape %dx%d, encoding %dx%d", g.Headers(), g.Tokens(), len(p.h), enc.QuestionLen())
		}
		for n, d := range g.NumConds {
			floats.AddScaled(block(m.num.Grad, n, m.dim), d, p.q)
			m.numB.Grad[n] += d
		}
		accS := make([]float64, m.dim)
		accE := make([]float64, m.dim)
		tmp := make([]float64, m.dim)
		for j, f := range p.f {
			floats.AddScaled(m.sel.Grad, g.Sel[j], f)
			for a, d := range g.Agg[j] {
				floats.AddScaled(block(m.agg.Grad, a, m.dim), d, f)
				m.aggB.Grad[a] += d
			}
			floats.AddScaled(m.col.Grad, g.CondCol[j], f)
			m.colB.Grad[0] += g.CondCol[j]
			for o, d := range g.CondOp[j] {
				floats.AddScaled(block(m.op.Grad, o, m.dim), d, f)
				m.opB.Grad[o] += d
			}
			clear(accS)
			clear(accE)
			for t, e := range enc.Question {
				floats.AddScaled(accS, g.ValStart[j][t], e)
				floats.AddScaled(accE, g.ValEnd[j][t], e)
			}
			floats.MulTo(tmp, accS, p.h[j])
			floats.Add(m.st.Grad, tmp)
			floats.MulTo(tmp, accE, p.h[j])
			floats.Add(m.ed.Grad, tmp)
		}
	}
	return nil
}

// InputGradients returns, per encoding, the gradient of the loss with
// respect to its rows. Parameter gradients are left untouched. Entries for
// nil grads are nil.
func (m *Bilinear) InputGradients(ctx context.Context, in []*encoder.Encoding, grads []*Scores) ([]*encoder.Gradient, error) {
	if len(in) != len(grads) {
		return nil, fmt.Errorf("scorer: %d encodings, %d gradients", len(in), len(grads))
	}
	out := make([]*encoder.Gradient, len(in))
	for i, enc := range in {
		g := grads[i]
		if g == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := m.pool(enc)
		if err != nil {
			return nil, err
		}
		if g.Headers() != len(p.h) || g.Tokens() != enc.QuestionLen() {
			return nil, fmt.Errorf("scorer: gradient shape %dx%d, encoding %dx%d", g.Headers(), g.Tokens(), len(p.h), enc.QuestionLen())
		}
		eg := encoder.NewGradient(enc)

		dq := make([]float64, m.dim)
		for n, d := range g.NumConds {
			floats.AddScaled(dq, d, block(m.num.Value, n, m.dim))
		}
		df := make([]float64, m.dim)
		dh := make([]float64, m.dim)
		ws := make([]float64, m.dim)
		we := make([]float64, m.dim)
		accS := make([]float64, m.dim)
		accE := make([]float64, m.dim)
		tmp := make([]float64, m.dim)
		for j := range p.f {
			clear(df)
			floats.AddScaled(df, g.Sel[j], m.sel.Value)
			for a, d := range g.Agg[j] {
				floats.AddScaled(df, d, block(m.agg.Value, a, m.dim))
			}
			floats.AddScaled(df, g.CondCol[j], m.col.Value)
			for o, d := range g.CondOp[j] {
				floats.AddScaled(df, d, block(m.op.Value, o, m.dim))
			}
			// f_j = q*h_j
			floats.MulTo(tmp, df, p.h[j])
			floats.Add(dq, tmp)
			floats.MulTo(dh, df, p.q)

			floats.MulTo(ws, m.st.Value, p.h[j])
			floats.MulTo(we, m.ed.Value, p.h[j])
			clear(accS)
			clear(accE)
			for t, e := range enc.Question {
				floats.AddScaled(eg.Question[t], g.ValStart[j][t], ws)
				floats.AddScaled(eg.Question[t], g.ValEnd[j][t], we)
				floats.AddScaled(accS, g.ValStart[j][t], e)
				floats.AddScaled(accE, g.ValEnd[j][t], e)
			}
			floats.MulTo(tmp, accS, m.st.Value)
			floats.Add(dh, tmp)
			floats.MulTo(tmp, accE, m.ed.Value)
			floats.Add(dh, tmp)

			if n := len(eg.Headers[j]); n > 0 {
				for _, r := range eg.Headers[j] {
					floats.AddScaled(r, 1/float64(n), dh)
				}
			}
		}
		if n := len(eg.Question); n > 0 {
			for _, r := range eg.Question {
				floats.AddScaled(r, 1/float64(n), dq)
			}
		}
		out[i] = eg
	}
	return out, nil
}

func (m *Bilinear) ZeroGrad() {
	for _, p := range m.params {
		clear(p.Grad)
	}
}

// Snapshot copies every parameter vector.
func (m *Bilinear) Snapshot() map[string][]float64 {
	out := make(map[string][]float64, len(m.params))
	for _, p := range m.params {
		out[p.Name] = slices.Clone(p.Value)
	}
	return out
}

// Restore overwrites parameters from a snapshot. Every parameter must be
// present with a matching length.
func (m *Bilinear) Restore(params map[string][]float64) error {
	for _, p := range m.params {
		v, ok := params[p.Name]
		if !ok {
			return fmt.Errorf("scorer: snapshot missing %q", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("scorer: snapshot %q has %d values, want %d", p.Name, len(v), len(p.Value))
		}
	}
	for _, p := range m.params {
		copy(p.Value, params[p.Name])
	}
	return nil
}

var (
	_ Trainable           = (*Bilinear)(nil)
	_ InputDifferentiable = (*Bilinear)(nil)
	_ Snapshotter         = (*Bilinear)(nil)
)
