package tokenizer

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-reu/internal/metrics"
)

var ErrEmptyText = errors.New("tokenizer: empty text")

// ErrNoByteFallback is returned when text needs a raw byte id that the
// vocabulary is too small to hold.
var ErrNoByteFallback = errors.New("tokenizer: vocabulary has no byte fallback")

// initialBestScore sits below any score a trained vocabulary assigns.
const initialBestScore = float32(-1e10)

// MergeScratch returns a buffer large enough to hold any two concatenated
// pieces plus the UTF-8 accumulation slack.
func (v *Vocabulary) MergeScratch() []byte {
	return make([]byte, 0, v.maxTokenLen*2+3)
}

// Encode turns text into token ids. The result never holds more than
// len(text)+3 ids.
func (v *Vocabulary) Encode(text string, bos, eos bool) ([]int, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	tokens := make([]int, 0, len(text)+3)
	if bos {
		tokens = append(tokens, BOS)
	}
	if id := v.Lookup(" "); id >= 0 {
		tokens = append(tokens, id)
	}

	buf := v.MergeScratch()
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c&0xC0 != 0x80 {
			buf = buf[:0]
		}
		buf = append(buf, c)
		if i+1 < len(text) && text[i+1]&0xC0 == 0x80 && len(buf) < 4 {
			continue
		}
		if id := v.Lookup(string(buf)); id >= 0 {
			tokens = append(tokens, id)
		} else {
			for _, b := range buf {
				id := int(b) + ByteOffset
				if id >= len(v.words) {
					return nil, fmt.Errorf("%w: byte 0x%02x needs id %d, vocabulary has %d entries",
						ErrNoByteFallback, b, id, len(v.words))
				}
				tokens = append(tokens, id)
			}
		}
		buf = buf[:0]
	}

	var merges int
	tokens, merges = v.merge(tokens, buf)
	if eos {
		tokens = append(tokens, EOS)
	}
	metrics.RecordTokenizerEncode(len(tokens), merges)
	return tokens, nil
}

// merge repeatedly replaces the best scoring adjacent pair with its merged
// id until no adjacent pair is in the vocabulary. Every round removes one
// token, so it stops after at most len(tokens)-1 rounds.
func (v *Vocabulary) merge(tokens []int, buf []byte) ([]int, int) {
	merges := 0
	for {
		best := initialBestScore
		bestID, bestIdx := -1, -1
		for i := 0; i+1 < len(tokens); i++ {
			buf = append(buf[:0], v.words[tokens[i]]...)
			buf = append(buf, v.words[tokens[i+1]]...)
			id := v.Lookup(string(buf))
			if id >= 0 && v.scores[id] > best {
				best, bestID, bestIdx = v.scores[id], id, i
			}
		}
		if bestIdx < 0 {
			return tokens, merges
		}
		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
		merges++
	}
}
