package worker

import "golang.org/x/text/encoding/charmap"

// cp437ToLatin1 maps CP-437 accented-letter codes to their nearest
// Latin-1 equivalent before an SMTP body is sent. Built at init time
// from golang.org/x/text/encoding/charmap's real CP-437 and ISO-8859-1
// tables rather than a hand-rolled partial one, restricted to the
// printable accented-letter range (0x80-0xA5): the box-drawing range has
// no sensible Latin-1 equivalent and passes through unchanged, same as
// every other byte outside this range.
var cp437ToLatin1 = buildCP437ToLatin1()

func buildCP437ToLatin1() map[byte]byte {
	m := make(map[byte]byte, 0xA6-0x80)
	for c := 0x80; c <= 0xA5; c++ {
		r := charmap.CodePage437.DecodeByte(byte(c))
		if b, ok := charmap.ISO8859_1.EncodeRune(r); ok {
			m[byte(c)] = b
		}
	}
	return m
}

// TransliterateCP437 returns a copy of b with every CP-437 byte that has a
// Latin-1 counterpart in cp437ToLatin1 replaced, and everything else
// (including plain 7-bit ASCII) unchanged; b itself is not modified.
func TransliterateCP437(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if r, ok := cp437ToLatin1[c]; ok {
			out[i] = r
		} else {
			out[i] = c
		}
	}
	return out
}
