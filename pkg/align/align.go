// Package align maps between a question's linguistic tokens and the
// sub-word pieces the encoder consumes. An Alignment records, for every
// retained piece, the token that produced it, and for every token, the
// contiguous range of pieces it produced. Value spans are translated through
// it in both directions.
package align

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// ErrSpanResolution is returned when a token span cannot be mapped to
// retained sub-word pieces.
var ErrSpanResolution = errors.New("align: span cannot be resolved")

// Alignment is the bidirectional mapping between linguistic tokens and
// sub-word pieces for one question.
type Alignment struct {
	// Question is the NFKC-normalized question text.
	Question string
	// Tokens are the linguistic tokens.
	Tokens []string
	// Pieces are the retained sub-word pieces, in order.
	Pieces []Piece
	// Dropped counts pieces removed by truncation.
	Dropped int

	first   []int // per token: first retained piece, -1 if none
	last    []int // per token: last piece, -1 unless every piece was retained
	owner   []int // per retained piece: producing token
	offsets [][2]int
}

// Align tokenizes every linguistic token and builds the mapping. At most
// maxLen pieces are retained; maxLen <= 0 keeps all of them. A token that
// tokenizes to nothing is represented by the unknown piece.
func Align(question string, tokens []string, tok Tokenizer, maxLen int) (*Alignment, error) {
	a := &Alignment{
		Question: norm.NFKC.String(question),
		Tokens:   tokens,
		first:    make([]int, len(tokens)),
		last:     make([]int, len(tokens)),
	}
	unk, ok := tok.TokenID(UNK)
	if !ok {
		unk = 0
	}
	for i, word := range tokens {
		pieces, err := tok.Tokenize(norm.NFKC.String(word))
		if err != nil {
			return nil, err
		}
		if len(pieces) == 0 {
			pieces = []Piece{{Text: UNK, ID: unk}}
		}
		a.first[i], a.last[i] = -1, -1
		for _, p := range pieces {
			if maxLen > 0 && len(a.Pieces) >= maxLen {
				a.Dropped++
				continue
			}
			if a.first[i] < 0 {
				a.first[i] = len(a.Pieces)
			}
			a.owner = append(a.owner, i)
			a.Pieces = append(a.Pieces, p)
		}
		if a.first[i] >= 0 && a.first[i]+len(pieces)-1 < len(a.Pieces) {
			a.last[i] = a.first[i] + len(pieces) - 1
		}
	}
	a.offsets = locate(a.Question, tokens)
	return a, nil
}

// Len returns the number of retained pieces.
func (a *Alignment) Len() int { return len(a.Pieces) }

// IDs returns the retained piece IDs.
func (a *Alignment) IDs() []int {
	ids := make([]int, len(a.Pieces))
	for i, p := range a.Pieces {
		ids[i] = p.ID
	}
	return ids
}

// Owner returns the token that produced piece i.
func (a *Alignment) Owner(i int) (int, bool) {
	if i < 0 || i >= len(a.owner) {
		return 0, false
	}
	return a.owner[i], true
}

// Range returns the inclusive piece range of token t. It reports false when
// any of the token's pieces were truncated.
func (a *Alignment) Range(t int) (first, last int, ok bool) {
	if t < 0 || t >= len(a.first) || a.first[t] < 0 || a.last[t] < 0 {
		return 0, 0, false
	}
	return a.first[t], a.last[t], true
}

// TranslateSpan maps an inclusive token span to the inclusive piece span
// covering it.
func (a *Alignment) TranslateSpan(s wikisql.Span) (wikisql.Span, error) {
	if !s.Known() || s.Start > s.End || s.End >= len(a.Tokens) {
		return wikisql.Span{}, fmt.Errorf("%w: tokens %v of %d", ErrSpanResolution, s, len(a.Tokens))
	}
	st, _, ok := a.Range(s.Start)
	if !ok {
		return wikisql.Span{}, fmt.Errorf("%w: token %d truncated", ErrSpanResolution, s.Start)
	}
	_, ed, ok := a.Range(s.End)
	if !ok {
		return wikisql.Span{}, fmt.Errorf("%w: token %d truncated", ErrSpanResolution, s.End)
	}
	return wikisql.Span{Start: st, End: ed}, nil
}

// SourceSpan maps an inclusive piece span back to the token span owning it.
func (a *Alignment) SourceSpan(s wikisql.Span) (wikisql.Span, error) {
	st, ok1 := a.Owner(s.Start)
	ed, ok2 := a.Owner(s.End)
	if !ok1 || !ok2 || s.Start > s.End {
		return wikisql.Span{}, fmt.Errorf("%w: pieces %v of %d", ErrSpanResolution, s, len(a.Pieces))
	}
	return wikisql.Span{Start: st, End: ed}, nil
}

// Text returns the surface string for a token span. The original question
// text is used when the tokens can be located in it; otherwise tokens are
// joined with single spaces.
func (a *Alignment) Text(s wikisql.Span) string {
	if !s.Known() || s.Start > s.End || s.End >= len(a.Tokens) {
		return ""
	}
	from, to := a.offsets[s.Start][0], a.offsets[s.End][1]
	if from >= 0 && to >= from {
		return a.Question[from:to]
	}
	return strings.Join(a.Tokens[s.Start:s.End+1], " ")
}

// locate finds each token's byte offsets in text, scanning left to right
// and matching case-insensitively. Tokens that cannot be found get -1.
func locate(text string, tokens []string) [][2]int {
	offs := make([][2]int, len(tokens))
	cursor := 0
	for i, tok := range tokens {
		offs[i] = [2]int{-1, -1}
		tok = norm.NFKC.String(tok)
		if tok == "" {
			continue
		}
		if at := indexFold(text, tok, cursor); at >= 0 {
			offs[i] = [2]int{at, at + len(tok)}
			cursor = at + len(tok)
		}
	}
	return offs
}

func indexFold(s, sub string, from int) int {
	for i := from; i+len(sub) <= len(s); {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
	}
	return -1
}
