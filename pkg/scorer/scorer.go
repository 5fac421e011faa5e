// Package scorer produces per-field score tensors from encoder output and,
// for trainable models, accepts gradients with respect to those scores.
//
// Scores are laid out per header row so that fields conditioned on a column
// (aggregation on the selected column, operator and value span on a
// condition column) are plain lookups.
package scorer

import (
	"context"
	"errors"

	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// ErrOutOfMemory is returned when a forward or backward pass cannot
// allocate its buffers. The training step that hit it is skipped.
var ErrOutOfMemory = errors.New("scorer: out of memory")

// Scores are the raw (pre-softmax) field scores for one question.
type Scores struct {
	Sel      []float64   // [H]
	Agg      [][]float64 // [H][len(AggOps)]
	NumConds []float64   // [MaxConds+1]
	CondCol  []float64   // [H]
	CondOp   [][]float64 // [H][len(CondOps)]
	ValStart [][]float64 // [H][T]
	ValEnd   [][]float64 // [H][T]
}

// NewScores allocates zeroed scores for h headers and t question pieces.
func NewScores(h, t int) *Scores {
	s := &Scores{
		Sel:      make([]float64, h),
		Agg:      make([][]float64, h),
		NumConds: make([]float64, wikisql.MaxConds+1),
		CondCol:  make([]float64, h),
		CondOp:   make([][]float64, h),
		ValStart: make([][]float64, h),
		ValEnd:   make([][]float64, h),
	}
	for j := range h {
		s.Agg[j] = make([]float64, len(wikisql.AggOps))
		s.CondOp[j] = make([]float64, len(wikisql.CondOps))
		s.ValStart[j] = make([]float64, t)
		s.ValEnd[j] = make([]float64, t)
	}
	return s
}

// Headers returns H.
func (s *Scores) Headers() int { return len(s.Sel) }

// Tokens returns T.
func (s *Scores) Tokens() int {
	if len(s.ValStart) == 0 {
		return 0
	}
	return len(s.ValStart[0])
}

// AddScaled accumulates alpha*o into s. Shapes must match.
func (s *Scores) AddScaled(alpha float64, o *Scores) {
	axpy(s.Sel, alpha, o.Sel)
	axpy(s.NumConds, alpha, o.NumConds)
	axpy(s.CondCol, alpha, o.CondCol)
	for j := range s.Sel {
		axpy(s.Agg[j], alpha, o.Agg[j])
		axpy(s.CondOp[j], alpha, o.CondOp[j])
		axpy(s.ValStart[j], alpha, o.ValStart[j])
		axpy(s.ValEnd[j], alpha, o.ValEnd[j])
	}
}

func axpy(dst []float64, alpha float64, src []float64) {
	for i, v := range src {
		dst[i] += alpha * v
	}
}

// Scorer computes Scores for a batch of encodings.
type Scorer interface {
	Score(ctx context.Context, in []*encoder.Encoding) ([]*Scores, error)
}

// Trainable is a Scorer whose parameters receive gradients. grads[i] is the
// gradient of the loss with respect to the scores of in[i]; a nil entry
// contributes nothing.
type Trainable interface {
	Scorer
	Backward(ctx context.Context, in []*encoder.Encoding, grads []*Scores) error
	ZeroGrad()
}

// InputDifferentiable is implemented by scorers that can propagate score
// gradients back to the encoder rows, which fine-tuning the encoder needs.
type InputDifferentiable interface {
	InputGradients(ctx context.Context, in []*encoder.Encoding, grads []*Scores) ([]*encoder.Gradient, error)
}

// Optimizer applies accumulated gradients.
type Optimizer interface {
	Step() error
}

// CacheReleaser is implemented by scorers that hold reusable device
// buffers, released after an out-of-memory skip.
type CacheReleaser interface {
	ReleaseCache()
}

// Snapshotter exposes named parameter vectors for checkpointing.
type Snapshotter interface {
	Snapshot() map[string][]float64
	Restore(params map[string][]float64) error
}
