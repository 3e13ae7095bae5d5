package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// Lines end with LF; a CR immediately before the LF is dropped, so both
// CRLF and bare LF terminated lines produce the same token. Empty lines
// are returned as empty tokens and left to the caller to skip.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[0:i], []byte{'\r'}), nil
	}

	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a single response line.
func Classify(line string) ResponseType {
	switch line {
	case OK, ERROR:
		return TypeFinal
	}

	switch {
	case strings.HasPrefix(line, OK+" "):
		// Single-line replies such as "OK VER 1.2" carry the result code
		// and the payload together.
		return TypeFinal
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError),
		strings.HasPrefix(line, ErrShort), strings.HasPrefix(line, ERROR+":"):
		return TypeFinal
	case len(line) >= len(CmdPrefix) && strings.EqualFold(line[:len(CmdPrefix)], CmdPrefix):
		return TypeEcho
	default:
		return TypeData
	}
}

// LineBuffer assembles decoded text arriving in arbitrary chunks into
// complete lines. The zero value is ready to use. It is not safe for
// concurrent use.
type LineBuffer struct {
	buf []byte
}

// Write appends text and returns every line it completed, in arrival order.
// Returned lines have their terminator removed and may be empty.
func (b *LineBuffer) Write(text string) []string {
	b.buf = append(b.buf, text...)

	var lines []string
	for {
		advance, token, _ := Splitter(b.buf, false)
		if advance == 0 {
			break
		}
		lines = append(lines, string(token))
		b.buf = b.buf[advance:]
	}

	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and empties the buffer.
func (b *LineBuffer) Flush() string {
	_, token, _ := Splitter(b.buf, true)
	b.buf = nil
	return string(token)
}

// Len reports how many bytes are waiting for a line terminator.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

// Frame returns cmd ready for the wire: trailing terminators are normalised
// to exactly one terminator.
func Frame(cmd, terminator string) []byte {
	cmd = strings.TrimRight(cmd, CRLF)
	return []byte(cmd + terminator)
}
