package align

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Piece is one sub-word unit produced by a Tokenizer.
type Piece struct {
	Text string
	ID   int
}

// Tokenizer splits a single linguistic token into sub-word pieces.
type Tokenizer interface {
	// Tokenize returns the pieces for word. An empty result is allowed;
	// Align substitutes the unknown piece.
	Tokenize(word string) ([]Piece, error)

	// TokenID looks up a vocabulary entry such as "[CLS]".
	TokenID(token string) (int, bool)
}

// Special vocabulary entries.
const (
	CLS = "[CLS]"
	SEP = "[SEP]"
	UNK = "[UNK]"
)

// WordPiece adapts a HuggingFace tokenizer.json (BERT WordPiece) to
// Tokenizer.
type WordPiece struct {
	tk *tokenizer.Tokenizer
}

// LoadWordPiece loads a tokenizer.json file.
func LoadWordPiece(path string) (*WordPiece, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("align: load tokenizer %s: %w", path, err)
	}
	return &WordPiece{tk: tk}, nil
}

// Tokenize encodes word without special tokens.
func (w *WordPiece) Tokenize(word string) ([]Piece, error) {
	en, err := w.tk.EncodeSingle(word, false)
	if err != nil {
		return nil, fmt.Errorf("align: tokenize %q: %w", word, err)
	}
	pieces := make([]Piece, len(en.Tokens))
	for i, tok := range en.Tokens {
		pieces[i] = Piece{Text: tok, ID: en.Ids[i]}
	}
	return pieces, nil
}

// TokenID looks up token in the vocabulary.
func (w *WordPiece) TokenID(token string) (int, bool) {
	return w.tk.TokenToId(token)
}

// Chunker is a vocabulary-free tokenizer that lowercases a word and cuts it
// into fixed-size rune chunks, marking continuation pieces with "##". Piece
// IDs are stable hashes of the piece text.
type Chunker struct {
	size int
}

// NewChunker returns a Chunker producing pieces of at most size runes.
func NewChunker(size int) *Chunker {
	if size < 1 {
		size = 1
	}
	return &Chunker{size: size}
}

func (c *Chunker) Tokenize(word string) ([]Piece, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	var pieces []Piece
	for len(word) > 0 {
		n, i := 0, 0
		for i < len(word) && n < c.size {
			_, w := utf8.DecodeRuneInString(word[i:])
			i += w
			n++
		}
		text := word[:i]
		if len(pieces) > 0 {
			text = "##" + text
		}
		pieces = append(pieces, Piece{Text: text, ID: hashID(text)})
		word = word[i:]
	}
	return pieces, nil
}

func (c *Chunker) TokenID(token string) (int, bool) {
	return hashID(token), true
}

func hashID(s string) int {
	return int(xxhash.Sum64String(s) % (1 << 30))
}
