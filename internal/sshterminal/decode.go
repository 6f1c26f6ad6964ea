package sshterminal

import "unicode/utf8"

// UTF8Decoder turns a byte stream into text chunks, holding back an
// incomplete trailing UTF-8 sequence until the next chunk completes it.
// Invalid bytes pass through unchanged. Not safe for concurrent use.
type UTF8Decoder struct {
	pending []byte
}

func (c *UTF8Decoder) Decode(p []byte) string {
	buf := make([]byte, 0, len(c.pending)+len(p))
	buf = append(buf, c.pending...)
	buf = append(buf, p...)
	c.pending = c.pending[:0]

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		b := buf[i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	c.pending = append(c.pending, buf[cut:]...)
	return string(buf[:cut])
}
