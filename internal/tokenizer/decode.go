package tokenizer

import "strconv"

// Decode returns the text of tok following prev. A leading space is
// dropped right after BOS and <0xHH> pieces become the raw byte. The
// returned string shares storage with the vocabulary.
func (v *Vocabulary) Decode(prev, tok int) string {
	piece := v.words[tok]
	if prev == BOS && len(piece) > 0 && piece[0] == ' ' {
		piece = piece[1:]
	}
	if b, ok := rawByte(piece); ok {
		return v.bytePieces[b]
	}
	return piece
}

// rawByte parses the <0xHH> escape.
func rawByte(piece string) (byte, bool) {
	if len(piece) != 6 || piece[:3] != "<0x" || piece[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}

// IsPrintable reports whether a decoded piece is safe to write to a
// terminal. Multi-byte pieces always are; a single byte must be a
// printable ASCII character or whitespace.
func IsPrintable(piece string) bool {
	if len(piece) != 1 {
		return len(piece) > 0
	}
	c := piece[0]
	return (c >= 0x20 && c < 0x7f) || (c >= '\t' && c <= '\r')
}
