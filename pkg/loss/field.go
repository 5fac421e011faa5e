// Package loss computes per-candidate field losses with their gradients and
// reduces the losses of an example's candidates to a single value under a
// configurable policy.
package loss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/haivivi/nl2sql/pkg/scorer"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// ErrTarget is returned when a target does not fit its score tensors.
var ErrTarget = errors.New("loss: target out of range")

// Target is a gold annotation expressed against score indices. Value spans
// are inclusive sub-word positions.
type Target struct {
	Sel       int
	Agg       int
	NumConds  int
	CondCols  []int
	CondOps   []int
	CondSpans []wikisql.Span
}

// Check validates t against h headers and n question pieces.
func (t *Target) Check(h, n int) error {
	if t.Sel < 0 || t.Sel >= h {
		return fmt.Errorf("%w: select column %d of %d", ErrTarget, t.Sel, h)
	}
	if t.Agg < 0 || t.Agg >= len(wikisql.AggOps) {
		return fmt.Errorf("%w: aggregation %d", ErrTarget, t.Agg)
	}
	if t.NumConds < 0 || t.NumConds > wikisql.MaxConds {
		return fmt.Errorf("%w: %d conditions", ErrTarget, t.NumConds)
	}
	if len(t.CondCols) != t.NumConds || len(t.CondOps) != t.NumConds || len(t.CondSpans) != t.NumConds {
		return fmt.Errorf("%w: %d conditions declared, fields have %d/%d/%d", ErrTarget,
			t.NumConds, len(t.CondCols), len(t.CondOps), len(t.CondSpans))
	}
	for i := range t.NumConds {
		if c := t.CondCols[i]; c < 0 || c >= h {
			return fmt.Errorf("%w: condition column %d of %d", ErrTarget, c, h)
		}
		if o := t.CondOps[i]; o < 0 || o >= len(wikisql.CondOps) {
			return fmt.Errorf("%w: condition operator %d", ErrTarget, o)
		}
		if s := t.CondSpans[i]; s.Start < 0 || s.Start > s.End || s.End >= n {
			return fmt.Errorf("%w: value span %v of %d pieces", ErrTarget, s, n)
		}
	}
	return nil
}

// Fields holds one loss value per field.
type Fields struct {
	Sel      float64
	Agg      float64
	NumConds float64
	CondCols float64
	CondOps  float64
	CondVals float64
}

// Sum returns the total over all fields.
func (f Fields) Sum() float64 {
	return f.Sel + f.Agg + f.NumConds + f.CondCols + f.CondOps + f.CondVals
}

// Compute returns the field losses of s against t and the gradient of their
// sum with respect to s.
//
// Categorical fields use softmax cross-entropy. Condition columns use the
// mean sigmoid binary cross-entropy over headers. Value spans use one
// cross-entropy for the start and one for the end position per condition.
func Compute(s *scorer.Scores, t Target) (Fields, *scorer.Scores, error) {
	h, n := s.Headers(), s.Tokens()
	if err := t.Check(h, n); err != nil {
		return Fields{}, nil, err
	}
	g := scorer.NewScores(h, n)
	var f Fields

	f.Sel = crossEntropy(s.Sel, t.Sel, g.Sel)
	f.Agg = crossEntropy(s.Agg[t.Sel], t.Agg, g.Agg[t.Sel])
	f.NumConds = crossEntropy(s.NumConds, t.NumConds, g.NumConds)

	gold := make([]bool, h)
	for _, c := range t.CondCols {
		gold[c] = true
	}
	for j, x := range s.CondCol {
		y := 0.0
		if gold[j] {
			y = 1
		}
		f.CondCols += (softplus(x) - y*x) / float64(h)
		g.CondCol[j] = (sigmoid(x) - y) / float64(h)
	}

	for i, c := range t.CondCols {
		f.CondOps += crossEntropy(s.CondOp[c], t.CondOps[i], g.CondOp[c])
		sp := t.CondSpans[i]
		f.CondVals += crossEntropy(s.ValStart[c], sp.Start, g.ValStart[c])
		f.CondVals += crossEntropy(s.ValEnd[c], sp.End, g.ValEnd[c])
	}
	return f, g, nil
}

// crossEntropy returns -log softmax(logits)[target] and adds its gradient,
// softmax minus one-hot, into grad.
func crossEntropy(logits []float64, target int, grad []float64) float64 {
	lse := floats.LogSumExp(logits)
	for i, x := range logits {
		grad[i] += math.Exp(x - lse)
	}
	grad[target]--
	return lse - logits[target]
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus is log(1 + e^x) computed without overflow.
func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}
