// Package encoder turns an aligned question and its table headers into
// contextual vectors: one row per retained question piece and, per header,
// one row per header piece.
package encoder

import (
	"context"
	"errors"

	"github.com/haivivi/nl2sql/pkg/align"
)

// ErrSequenceTooLong is returned when a question plus its headers cannot fit
// in the encoder's input window.
var ErrSequenceTooLong = errors.New("encoder: sequence too long")

// Request is one question to encode.
type Request struct {
	Alignment *align.Alignment
	Headers   []string
}

// Encoding holds the encoder output for one question.
type Encoding struct {
	// Question has one row per retained question piece.
	Question [][]float64
	// Headers has, per header, one row per header piece.
	Headers [][][]float64
}

// QuestionLen returns the number of question rows.
func (e *Encoding) QuestionLen() int { return len(e.Question) }

// HeaderCount returns the number of headers.
func (e *Encoding) HeaderCount() int { return len(e.Headers) }

// MaxHeaderLen returns the longest header in pieces.
func (e *Encoding) MaxHeaderLen() int {
	n := 0
	for _, h := range e.Headers {
		n = max(n, len(h))
	}
	return n
}

// Dim returns the feature width, or zero for an empty encoding.
func (e *Encoding) Dim() int {
	if len(e.Question) > 0 {
		return len(e.Question[0])
	}
	for _, h := range e.Headers {
		if len(h) > 0 {
			return len(h[0])
		}
	}
	return 0
}

// Encoder produces Encodings for a batch of requests, in order.
type Encoder interface {
	Encode(ctx context.Context, reqs []Request) ([]*Encoding, error)

	// Dim is the feature width of every produced row.
	Dim() int
}

// Gradient is the loss gradient with respect to the rows of an Encoding.
type Gradient struct {
	Question [][]float64
	Headers  [][][]float64
}

// NewGradient returns a zero gradient shaped like enc.
func NewGradient(enc *Encoding) *Gradient {
	zeros := func(rows [][]float64) [][]float64 {
		out := make([][]float64, len(rows))
		for i, r := range rows {
			out[i] = make([]float64, len(r))
		}
		return out
	}
	g := &Gradient{Question: zeros(enc.Question), Headers: make([][][]float64, len(enc.Headers))}
	for j, rows := range enc.Headers {
		g.Headers[j] = zeros(rows)
	}
	return g
}

// Trainable is an Encoder whose parameters receive gradients. grads[i] is
// the gradient with respect to the Encoding of reqs[i]; a nil entry
// contributes nothing.
type Trainable interface {
	Encoder
	Backward(ctx context.Context, reqs []Request, grads []*Gradient) error
	ZeroGrad()
}

// Budgeter is implemented by encoders whose input length is bounded. It
// reports how many question pieces fit beside the given headers, or
// ErrSequenceTooLong when the headers alone do not fit.
type Budgeter interface {
	QuestionBudget(headers []string) (int, error)
}

// Releaser is implemented by encoders that hold per-call device buffers.
type Releaser interface {
	Release()
}
