package encoder

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/haivivi/nl2sql/pkg/align"
)

// DefaultBuckets is the embedding table size used when none is configured.
const DefaultBuckets = 1 << 14

// Embedding is a trainable encoder over a hashed embedding table. Each
// piece selects one of the table's rows by a hash of its text, so distinct
// pieces may share a row. Rows are not contextual: a piece encodes the same
// way wherever it appears.
type Embedding struct {
	tok     align.Tokenizer
	width   int
	buckets int

	table []float64
	grad  []float64
}

// NewEmbedding returns an Embedding with buckets rows of width dim*layers,
// initialized like Hash vectors.
func NewEmbedding(tok align.Tokenizer, dim, layers, buckets int) *Embedding {
	dim, layers = max(dim, 1), max(layers, 1)
	if buckets < 1 {
		buckets = DefaultBuckets
	}
	e := &Embedding{tok: tok, width: dim * layers, buckets: buckets}
	e.table = make([]float64, 0, buckets*e.width)
	for b := range buckets {
		e.table = append(e.table, randomRow("#"+strconv.Itoa(b), dim, layers)...)
	}
	e.grad = make([]float64, len(e.table))
	return e
}

func (e *Embedding) Dim() int { return e.width }

// Weights returns the table and its gradient, row-major. Optimizers update
// the table in place.
func (e *Embedding) Weights() (value, grad []float64) { return e.table, e.grad }

func (e *Embedding) bucket(text string) int {
	return int(xxhash.Sum64String(text) % uint64(e.buckets))
}

func (e *Embedding) row(s []float64, text string) []float64 {
	b := e.bucket(text)
	return s[b*e.width : (b+1)*e.width]
}

// Encode copies table rows, so later updates do not change returned
// encodings.
func (e *Embedding) Encode(ctx context.Context, reqs []Request) ([]*Encoding, error) {
	out := make([]*Encoding, len(reqs))
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc := &Encoding{Question: make([][]float64, len(r.Alignment.Pieces))}
		for j, p := range r.Alignment.Pieces {
			enc.Question[j] = slices.Clone(e.row(e.table, p.Text))
		}
		enc.Headers = make([][][]float64, len(r.Headers))
		for j, header := range r.Headers {
			pieces, err := headerPieces(e.tok, header)
			if err != nil {
				return nil, err
			}
			rows := make([][]float64, len(pieces))
			for k, p := range pieces {
				rows[k] = slices.Clone(e.row(e.table, p))
			}
			enc.Headers[j] = rows
		}
		out[i] = enc
	}
	return out, nil
}

// Backward accumulates row gradients into the table rows they were read
// from.
func (e *Embedding) Backward(ctx context.Context, reqs []Request, grads []*Gradient) error {
	if len(reqs) != len(grads) {
		return fmt.Errorf("encoder: %d requests, %d gradients", len(reqs), len(grads))
	}
	for i, r := range reqs {
		g := grads[i]
		if g == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(g.Question) != len(r.Alignment.Pieces) || len(g.Headers) != len(r.Headers) {
			return fmt.Errorf("encoder: gradient shape does not match request %d", i)
		}
		for j, p := range r.Alignment.Pieces {
			addTo(e.row(e.grad, p.Text), g.Question[j])
		}
		for j, header := range r.Headers {
			pieces, err := headerPieces(e.tok, header)
			if err != nil {
				return err
			}
			if len(pieces) != len(g.Headers[j]) {
				return fmt.Errorf("encoder: header %d gradient has %d rows, want %d", j, len(g.Headers[j]), len(pieces))
			}
			for k, p := range pieces {
				addTo(e.row(e.grad, p), g.Headers[j][k])
			}
		}
	}
	return nil
}

func addTo(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

func (e *Embedding) ZeroGrad() { clear(e.grad) }

func (e *Embedding) Snapshot() map[string][]float64 {
	return map[string][]float64{"embeddings": slices.Clone(e.table)}
}

func (e *Embedding) Restore(params map[string][]float64) error {
	v, ok := params["embeddings"]
	if !ok {
		return fmt.Errorf("encoder: snapshot missing %q", "embeddings")
	}
	if len(v) != len(e.table) {
		return fmt.Errorf("encoder: snapshot has %d values, want %d", len(v), len(e.table))
	}
	copy(e.table, v)
	return nil
}

var _ Trainable = (*Embedding)(nil)
