package candidate

import (
	"fmt"

	"github.com/haivivi/nl2sql/pkg/loss"
)

// Reduction is the outcome of ReduceLoss.
type Reduction struct {
	// Total sums the per-example values of contributing examples.
	Total float64
	// PerExample has one value per group; empty groups hold zero.
	PerExample []float64
	// Weights is d Total / d losses[c] for every candidate.
	Weights []float64
	// Contributing counts non-empty groups.
	Contributing int
}

// ReduceLoss reduces per-candidate losses to one value per example under
// policy p. Examples with no candidates contribute nothing.
func ReduceLoss(losses []float64, groups []Group, p loss.Policy) (Reduction, error) {
	r := Reduction{
		PerExample: make([]float64, len(groups)),
		Weights:    make([]float64, len(losses)),
	}
	for i, g := range groups {
		if g.Len == 0 {
			continue
		}
		if g.Start < 0 || g.Start+g.Len > len(losses) {
			return Reduction{}, fmt.Errorf("%w: group %d covers [%d,%d) of %d losses", ErrInvariant, i, g.Start, g.Start+g.Len, len(losses))
		}
		v, w, err := p.Aggregate(losses[g.Start : g.Start+g.Len])
		if err != nil {
			return Reduction{}, err
		}
		r.PerExample[i] = v
		copy(r.Weights[g.Start:], w)
		r.Total += v
		r.Contributing++
	}
	return r, nil
}

// SelectBest picks, per group, the first candidate whose logical form
// matched, or the group's first candidate when none did. Empty groups yield
// -1.
func SelectBest(matched []bool, groups []Group) []int {
	best := make([]int, len(groups))
	for i, g := range groups {
		best[i] = -1
		if g.Len == 0 {
			continue
		}
		best[i] = g.Start
		for c := g.Start; c < g.Start+g.Len && c < len(matched); c++ {
			if matched[c] {
				best[i] = c
				break
			}
		}
	}
	return best
}
