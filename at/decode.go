package at

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder turns a stream of inbound bytes into UTF-8 text. Invalid
// sequences are replaced with U+FFFD instead of failing, and a multi-byte
// character split across two reads is held back until it is complete.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	t     transform.Transformer
	carry []byte
}

// NewDecoder returns a permissive UTF-8 stream decoder.
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode converts p, together with any bytes held back from the previous
// call, into text. malformed reports whether any replacement was made.
func (d *Decoder) Decode(p []byte) (text string, malformed bool) {
	return d.decode(p, false)
}

// Flush decodes whatever is still held back, replacing an incomplete
// trailing sequence.
func (d *Decoder) Flush() (text string, malformed bool) {
	return d.decode(nil, true)
}

// Pending reports how many bytes are held back waiting for the rest of a
// character.
func (d *Decoder) Pending() int {
	return len(d.carry)
}

func (d *Decoder) decode(p []byte, atEOF bool) (string, bool) {
	src := make([]byte, 0, len(d.carry)+len(p))
	src = append(src, d.carry...)
	src = append(src, p...)
	d.carry = nil
	if len(src) == 0 {
		return "", false
	}

	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		d.t.Reset()
		return strings.ToValidUTF8(string(src), string(utf8.RuneError)), !utf8.Valid(src)
	}

	if nSrc < len(src) {
		d.carry = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst]), !utf8.Valid(src[:nSrc])
}

// DecodeString decodes a complete buffer in one go.
func DecodeString(p []byte) (text string, malformed bool) {
	return NewDecoder().decode(p, true)
}
