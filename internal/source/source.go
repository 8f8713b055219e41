// Package source provides the line-oriented stream sources the ingestion
// loop reads from.
//
// A Source yields one line per ReadLine call with the line terminator
// stripped. io.EOF marks a clean end of stream. Errors for which IsTimeout
// reports true are transient: no complete line arrived within the read
// timeout, and any partial line is kept for the next call.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

var ErrUnknownHandshake = errors.New("unknown source handshake")

// DefaultMaxLineSize bounds a single line. Longer lines are discarded.
const DefaultMaxLineSize = 64 * 1024

type Source interface {
	ReadLine() (string, error)
	Close() error
}

// IsTimeout reports whether err is a transient read timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type timeoutError struct{}

func (timeoutError) Error() string { return "read timeout" }
func (timeoutError) Timeout() bool { return true }

// lineReader splits a byte stream into lines, keeping a partial line
// across transient errors.
type lineReader struct {
	r        *bufio.Reader
	pending  []byte
	maxLine  int
	skipping bool
	onSkip   func(size int)
}

func newLineReader(r io.Reader, maxLine int) *lineReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &lineReader{r: bufio.NewReaderSize(r, 16*1024), maxLine: maxLine}
}

// next returns the next complete line. At EOF a trailing unterminated line
// is returned only when flushPartial is set; otherwise it stays pending.
func (lr *lineReader) next(flushPartial bool) (string, error) {
	for {
		frag, err := lr.r.ReadSlice('\n')
		if !lr.skipping {
			lr.pending = append(lr.pending, frag...)
		}

		switch {
		case err == nil:
			if lr.skipping {
				lr.skipping = false
				continue
			}
			line := trimEOL(lr.pending)
			if len(line) > lr.maxLine {
				lr.discard(len(line))
				continue
			}
			lr.pending = lr.pending[:0]
			return string(line), nil

		case errors.Is(err, bufio.ErrBufferFull):
			if !lr.skipping && len(lr.pending) > lr.maxLine {
				lr.discard(len(lr.pending))
				lr.skipping = true
			}
			continue

		case errors.Is(err, io.EOF) && flushPartial && len(lr.pending) > 0 && !lr.skipping:
			line := trimEOL(lr.pending)
			if len(line) > lr.maxLine {
				lr.discard(len(line))
				return "", err
			}
			lr.pending = lr.pending[:0]
			return string(line), nil

		default:
			return "", err
		}
	}
}

// discard drops the pending line as oversized.
func (lr *lineReader) discard(size int) {
	if lr.onSkip != nil {
		lr.onSkip(size)
	}
	lr.pending = lr.pending[:0]
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}
