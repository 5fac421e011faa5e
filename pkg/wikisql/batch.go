package wikisql

import (
	"iter"
	"math/rand/v2"
)

// Loader splits examples into fixed-size batches, optionally reshuffling on
// every pass.
type Loader struct {
	examples []*Example
	size     int
	shuffle  bool
	rng      *rand.Rand
}

// NewLoader creates a Loader. A batch size below one is treated as one.
// When shuffle is set, rng must be non-nil.
func NewLoader(examples []*Example, batchSize int, shuffle bool, rng *rand.Rand) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{examples: examples, size: batchSize, shuffle: shuffle && rng != nil, rng: rng}
}

// Len returns the number of examples.
func (l *Loader) Len() int { return len(l.examples) }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.size }

// Batches yields batches of examples. The last batch may be short.
func (l *Loader) Batches() iter.Seq[[]*Example] {
	order := make([]*Example, len(l.examples))
	copy(order, l.examples)
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return func(yield func([]*Example) bool) {
		for start := 0; start < len(order); start += l.size {
			end := min(start+l.size, len(order))
			if !yield(order[start:end]) {
				return
			}
		}
	}
}
