// Package tokenizer implements the byte-fallback BPE encoder and decoder.
package tokenizer

import (
	"fmt"
	"slices"
	"strings"
)

// Reserved token ids.
const (
	UNK = 0
	BOS = 1
	EOS = 2
	// ByteOffset is the id of the raw byte 0x00; byte b encodes as b+ByteOffset.
	ByteOffset = 3
)

// TokenIndex is one entry of the sorted lookup index.
type TokenIndex struct {
	Str string
	ID  int
}

// Vocabulary maps ids to pieces and scores and keeps a byte-wise sorted
// index for exact lookups. It is read-only after construction.
type Vocabulary struct {
	words       []string
	scores      []float32
	sorted      []TokenIndex
	maxTokenLen int
	bytePieces  [256]string
}

// NewVocabulary builds the sorted index. When maxTokenLen is zero it is
// derived from the longest piece.
func NewVocabulary(words []string, scores []float32, maxTokenLen int) (*Vocabulary, error) {
	if len(words) != len(scores) {
		return nil, fmt.Errorf("tokenizer: %d words but %d scores", len(words), len(scores))
	}
	if len(words) <= ByteOffset {
		return nil, fmt.Errorf("tokenizer: vocabulary of %d entries has no room past the reserved ids", len(words))
	}
	v := &Vocabulary{
		words:  words,
		scores: scores,
		sorted: make([]TokenIndex, len(words)),
	}
	for i, w := range words {
		v.sorted[i] = TokenIndex{Str: w, ID: i}
		if len(w) > maxTokenLen {
			maxTokenLen = len(w)
		}
	}
	v.maxTokenLen = maxTokenLen
	slices.SortStableFunc(v.sorted, func(a, b TokenIndex) int {
		return strings.Compare(a.Str, b.Str)
	})
	for i := range v.bytePieces {
		v.bytePieces[i] = string([]byte{byte(i)})
	}
	return v, nil
}

// Size is the number of tokens.
func (v *Vocabulary) Size() int { return len(v.words) }

// Piece returns the raw vocabulary string of id.
func (v *Vocabulary) Piece(id int) string { return v.words[id] }

func (v *Vocabulary) Score(id int) float32 { return v.scores[id] }

// MaxTokenLen is the longest piece in bytes.
func (v *Vocabulary) MaxTokenLen() int { return v.maxTokenLen }

// Sorted exposes the lookup index. Callers must not modify it.
func (v *Vocabulary) Sorted() []TokenIndex { return v.sorted }

// Lookup returns the id of the piece equal to s, or -1.
func (v *Vocabulary) Lookup(s string) int {
	i, found := slices.BinarySearchFunc(v.sorted, s, func(e TokenIndex, key string) int {
		return strings.Compare(e.Str, key)
	})
	if !found {
		return -1
	}
	return v.sorted[i].ID
}
