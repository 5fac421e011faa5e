// Package candidate flattens examples with several gold annotations into a
// batch of candidates (one per usable annotation), and maps per-candidate
// results back to their examples.
package candidate

import (
	"errors"
	"fmt"

	"github.com/haivivi/nl2sql/pkg/align"
	"github.com/haivivi/nl2sql/pkg/encoder"
	"github.com/haivivi/nl2sql/pkg/loss"
	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// Sentinel errors.
var (
	// ErrBatchOverflow is returned when the flattened header tensor of a
	// batch would exceed the configured bound.
	ErrBatchOverflow = errors.New("candidate: batch overflow")

	// ErrInvariant is returned when a candidate's target does not fit the
	// encoding it is paired with.
	ErrInvariant = errors.New("candidate: invariant violation")
)

// DefaultMaxHeaderCells bounds headers x longest header, summed over the
// candidates of a batch.
const DefaultMaxHeaderCells = 100000

// Annotated is a usable annotation: its index within the example and its
// target in sub-word coordinates.
type Annotated struct {
	Index  int
	Target loss.Target
}

// Targets converts an example's annotations into targets through the
// alignment. Annotations with any untranslatable value span are dropped and
// reported in failures; the rest are returned in annotation order.
func Targets(ex *wikisql.Example, a *align.Alignment) (usable []Annotated, failures []error) {
	for i, ann := range ex.Annotations {
		t := loss.Target{
			Sel:      ann.Sel,
			Agg:      ann.Agg,
			NumConds: ann.NumConds,
		}
		ok := true
		for _, c := range ann.Conds {
			sub, err := a.TranslateSpan(c.Span)
			if err != nil {
				failures = append(failures, fmt.Errorf("example %d annotation %d: %w", ex.Index, i, err))
				ok = false
				break
			}
			t.CondCols = append(t.CondCols, c.Column)
			t.CondOps = append(t.CondOps, c.Op)
			t.CondSpans = append(t.CondSpans, sub)
		}
		if ok {
			usable = append(usable, Annotated{Index: i, Target: t})
		}
	}
	return usable, failures
}

// Item is one example entering expansion.
type Item struct {
	Example  *wikisql.Example
	Encoding *encoder.Encoding
	Usable   []Annotated
}

// Candidate pairs one usable annotation with its example's encoding. All
// candidates of an example share the same *encoder.Encoding.
type Candidate struct {
	Example    int // position in the batch
	Annotation int // index into Example.Annotations
	Encoding   *encoder.Encoding
	Target     loss.Target
}

// Group is the contiguous candidate range of one example.
type Group struct {
	Example int
	Start   int
	Len     int
}

// Batch is the flattened candidate list with its grouping.
type Batch struct {
	Candidates []Candidate
	Groups     []Group
}

// Contributing counts examples with at least one candidate.
func (b *Batch) Contributing() int {
	n := 0
	for _, g := range b.Groups {
		if g.Len > 0 {
			n++
		}
	}
	return n
}

// Expand flattens items into candidates in example order, then annotation
// order. Examples without usable annotations get an empty group.
// maxHeaderCells <= 0 disables the overflow check.
func Expand(items []Item, maxHeaderCells int) (*Batch, error) {
	b := &Batch{Groups: make([]Group, len(items))}
	cells := 0
	for i, it := range items {
		b.Groups[i] = Group{Example: i, Start: len(b.Candidates), Len: len(it.Usable)}
		if len(it.Usable) == 0 {
			continue
		}
		h, n := it.Encoding.HeaderCount(), it.Encoding.QuestionLen()
		if len(it.Example.Headers) != h {
			return nil, fmt.Errorf("%w: example %d has %d headers, encoding %d", ErrInvariant, it.Example.Index, len(it.Example.Headers), h)
		}
		for _, u := range it.Usable {
			if err := u.Target.Check(h, n); err != nil {
				return nil, fmt.Errorf("%w: example %d annotation %d: %v", ErrInvariant, it.Example.Index, u.Index, err)
			}
			b.Candidates = append(b.Candidates, Candidate{
				Example:    i,
				Annotation: u.Index,
				Encoding:   it.Encoding,
				Target:     u.Target,
			})
			cells += h * it.Encoding.MaxHeaderLen()
		}
	}
	if maxHeaderCells > 0 && cells > maxHeaderCells {
		return nil, fmt.Errorf("%w: %d header cells exceed %d", ErrBatchOverflow, cells, maxHeaderCells)
	}
	return b, nil
}
