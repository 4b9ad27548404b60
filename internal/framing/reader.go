// Package framing splits the child's stdout into discrete JSON-RPC messages.
//
// The child speaks newline-delimited JSON: every message is one JSON value on
// one line. Partial lines are reassembled across reads and several messages
// delivered in one read are returned one at a time.
package framing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds a single line of child output.
const DefaultMaxFrame = 10 * 1024 * 1024

// ErrInvalidFrame marks a non-empty line that does not parse as JSON. The
// reader stays usable after returning it.
var ErrInvalidFrame = errors.New("invalid frame")

// FrameError carries the line that failed to parse.
type FrameError struct {
	Line []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidFrame, e.Err)
}

func (e *FrameError) Unwrap() []error { return []error{ErrInvalidFrame, e.Err} }

// Reader yields one JSON value per line.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r. maxFrame <= 0 selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, min(4096, maxFrame)), maxFrame)
	return &Reader{scanner: s}
}

// Next returns the next complete message. Blank lines are skipped. It returns
// io.EOF when the stream ends, bufio.ErrTooLong when a line exceeds the frame
// limit and a *FrameError for lines that are not JSON.
func (r *Reader) Next() (json.RawMessage, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer between calls.
		frame := append(json.RawMessage(nil), line...)
		var check json.RawMessage
		if err := json.Unmarshal(frame, &check); err != nil {
			return nil, &FrameError{Line: frame, Err: err}
		}
		return frame, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Write encodes msg onto a single line terminated by '\n'. Embedded newlines
// in the source formatting are removed by compacting the value.
func Write(w io.Writer, msg json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
