package sse

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds a single upstream event; frames beyond this are
// malformed and abort the scan.
const maxEventSize = 1 << 20

// Scanner reads data frames from an upstream event stream. Comments and
// non-data fields are ignored; the [DONE] sentinel is terminal.
type Scanner struct {
	s       *bufio.Scanner
	done    bool
	err     error
	pending []string
}

// NewScanner wraps an upstream response body.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxEventSize)
	return &Scanner{s: s}
}

// Next returns the payload of the next data frame. ok is false when the
// stream ended, whether via [DONE], EOF, or a read error.
func (p *Scanner) Next() (payload string, ok bool) {
	if p.done {
		return "", false
	}
	for p.s.Scan() {
		line := strings.TrimRight(p.s.Text(), "\r")
		if line == "" {
			// Event boundary: emit accumulated data, if any.
			if len(p.pending) > 0 {
				out := strings.Join(p.pending, "\n")
				p.pending = p.pending[:0]
				return out, true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		value, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if strings.TrimSpace(value) == "[DONE]" {
			p.done = true
			return "", false
		}
		p.pending = append(p.pending, value)
	}
	p.err = p.s.Err()
	p.done = true
	if len(p.pending) > 0 {
		out := strings.Join(p.pending, "\n")
		p.pending = nil
		return out, true
	}
	return "", false
}

// Err returns the read error that ended the stream, if any.
func (p *Scanner) Err() error { return p.err }
