package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadLlama2 decodes a llama2.c tokenizer.bin. The file does not record
// the vocabulary size, so it comes from the model config.
func ReadLlama2(r io.Reader, vocabSize int) (*Vocabulary, error) {
	br := bufio.NewReader(r)
	var maxLen int32
	if err := binary.Read(br, binary.LittleEndian, &maxLen); err != nil {
		return nil, fmt.Errorf("tokenizer: read max token length: %w", err)
	}
	words := make([]string, vocabSize)
	scores := make([]float32, vocabSize)
	for i := 0; i < vocabSize; i++ {
		var hdr struct {
			Score float32
			Len   int32
		}
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("tokenizer: read entry %d: %w", i, err)
		}
		if hdr.Len < 0 || hdr.Len > maxLen {
			return nil, fmt.Errorf("tokenizer: entry %d has length %d (max %d)", i, hdr.Len, maxLen)
		}
		b := make([]byte, hdr.Len)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("tokenizer: read entry %d: %w", i, err)
		}
		words[i] = string(b)
		scores[i] = hdr.Score
	}
	return NewVocabulary(words, scores, int(maxLen))
}

// WriteLlama2 is the inverse of ReadLlama2.
func WriteLlama2(w io.Writer, v *Vocabulary) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int32(v.maxTokenLen)); err != nil {
		return err
	}
	for i, word := range v.words {
		if err := binary.Write(bw, binary.LittleEndian, v.scores[i]); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(len(word))); err != nil {
			return err
		}
		if _, err := bw.WriteString(word); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// maxCompactPiece is the longest piece a one-byte length (which counts the
// terminator) can describe.
const maxCompactPiece = 254

// WriteCompact writes the platform tokenizer file: uint16 vocabulary
// size, the scores, one length byte per piece (terminator included), the
// sorted index as uint16 ids and finally the NUL-terminated pieces.
func WriteCompact(w io.Writer, v *Vocabulary) error {
	n := len(v.words)
	if n > 0xFFFF {
		return fmt.Errorf("tokenizer: vocabulary of %d does not fit a 16-bit size", n)
	}
	lens := make([]uint8, n)
	for i, word := range v.words {
		if len(word) > maxCompactPiece {
			return fmt.Errorf("tokenizer: piece %d is %d bytes (max %d)", i, len(word), maxCompactPiece)
		}
		lens[i] = uint8(len(word) + 1)
	}
	ids := make([]uint16, n)
	for i, e := range v.sorted {
		ids[i] = uint16(e.ID)
	}

	bw := bufio.NewWriter(w)
	for _, part := range []interface{}{uint16(n), v.scores, lens, ids} {
		if err := binary.Write(bw, binary.LittleEndian, part); err != nil {
			return err
		}
	}
	for _, word := range v.words {
		if _, err := bw.WriteString(word); err != nil {
			return err
		}
		if err := bw.WriteByte(0); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadCompact decodes WriteCompact output. The stored index must agree with
// the one rebuilt from the pieces.
func ReadCompact(r io.Reader) (*Vocabulary, error) {
	br := bufio.NewReader(r)
	var n uint16
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("tokenizer: read vocabulary size: %w", err)
	}
	scores := make([]float32, n)
	lens := make([]uint8, n)
	ids := make([]uint16, n)
	for _, part := range []interface{}{scores, lens, ids} {
		if err := binary.Read(br, binary.LittleEndian, part); err != nil {
			return nil, fmt.Errorf("tokenizer: read compact tables: %w", err)
		}
	}
	words := make([]string, n)
	for i := range words {
		if lens[i] == 0 {
			return nil, fmt.Errorf("tokenizer: entry %d has zero length", i)
		}
		b := make([]byte, lens[i])
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("tokenizer: read piece %d: %w", i, err)
		}
		if b[len(b)-1] != 0 {
			return nil, fmt.Errorf("tokenizer: piece %d is not terminated", i)
		}
		words[i] = string(b[:len(b)-1])
	}

	v, err := NewVocabulary(words, scores, 0)
	if err != nil {
		return nil, err
	}
	for i, e := range v.sorted {
		if int(ids[i]) >= len(words) {
			return nil, fmt.Errorf("tokenizer: stored index entry %d out of range", ids[i])
		}
		if int(ids[i]) != e.ID && words[ids[i]] != e.Str {
			return nil, fmt.Errorf("tokenizer: stored index disagrees at %d (%d vs %d)", i, ids[i], e.ID)
		}
	}
	return v, nil
}
