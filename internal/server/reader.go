package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// LineReader yields newline-delimited lines of any length.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// Next blocks until a full line is available and returns it without its
// terminator (\n or \r\n). A trailing line with no newline is returned before
// io.EOF is reported.
func (lr *LineReader) Next() ([]byte, error) {
	line, err := lr.r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}
