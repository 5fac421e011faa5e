package encoder

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/haivivi/nl2sql/pkg/align"
)

// Hash is a deterministic, model-free encoder. Each piece maps to a
// pseudo-random vector seeded by a hash of its text, one block per target
// layer. It lets the parser run end to end without a transformer model.
type Hash struct {
	tok    align.Tokenizer
	dim    int
	layers int

	mu    sync.Mutex
	cache map[string][]float64
}

// NewHash returns a Hash encoder producing rows of width dim*layers.
func NewHash(tok align.Tokenizer, dim, layers int) *Hash {
	if dim < 1 {
		dim = 1
	}
	if layers < 1 {
		layers = 1
	}
	return &Hash{tok: tok, dim: dim, layers: layers, cache: make(map[string][]float64)}
}

func (h *Hash) Dim() int { return h.dim * h.layers }

func (h *Hash) Encode(ctx context.Context, reqs []Request) ([]*Encoding, error) {
	out := make([]*Encoding, len(reqs))
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc := &Encoding{Question: make([][]float64, len(r.Alignment.Pieces))}
		for j, p := range r.Alignment.Pieces {
			enc.Question[j] = h.vector(p.Text)
		}
		enc.Headers = make([][][]float64, len(r.Headers))
		for j, header := range r.Headers {
			rows, err := h.header(header)
			if err != nil {
				return nil, err
			}
			enc.Headers[j] = rows
		}
		out[i] = enc
	}
	return out, nil
}

func (h *Hash) header(text string) ([][]float64, error) {
	pieces, err := headerPieces(h.tok, text)
	if err != nil {
		return nil, err
	}
	rows := make([][]float64, len(pieces))
	for i, p := range pieces {
		rows[i] = h.vector(p)
	}
	return rows, nil
}

// headerPieces returns the piece texts of a header, or the unknown piece for
// a header that tokenizes to nothing.
func headerPieces(tok align.Tokenizer, text string) ([]string, error) {
	var out []string
	for _, word := range strings.Fields(text) {
		pieces, err := tok.Tokenize(word)
		if err != nil {
			return nil, err
		}
		for _, p := range pieces {
			out = append(out, p.Text)
		}
	}
	if len(out) == 0 {
		out = append(out, align.UNK)
	}
	return out, nil
}

// vector returns the cached row for a piece. Callers must not modify it.
func (h *Hash) vector(text string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.cache[text]; ok {
		return v
	}
	v := randomRow(text, h.dim, h.layers)
	h.cache[text] = v
	return v
}

// randomRow draws one N(0, 1/dim) block per layer from a generator seeded
// by the layer and key.
func randomRow(key string, dim, layers int) []float64 {
	v := make([]float64, 0, dim*layers)
	scale := 1 / math.Sqrt(float64(dim))
	for l := range layers {
		seed := xxhash.Sum64String(strconv.Itoa(l) + "\x00" + key)
		r := rand.New(rand.NewPCG(seed, seed>>1|1))
		for range dim {
			v = append(v, r.NormFloat64()*scale)
		}
	}
	return v
}
