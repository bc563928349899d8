// Package sse implements server-sent-event framing: a downstream writer
// with keep-alive and once-only termination, and a scanner for upstream
// event streams.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// doneFrame is the terminal frame of every stream.
const doneFrame = "data: [DONE]\n\n"

// Writer emits SSE frames to an HTTP response. All writes are serialized;
// Done is idempotent so converging completion paths (upstream end, translator
// end, client close) can all call it safely.
type Writer struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	done      bool
	wroteAny  bool
	lastWrite time.Time

	stopKeepAlive chan struct{}
	keepAliveOnce sync.Once
	wg            sync.WaitGroup
}

// NewWriter wraps the response writer. Headers are not written until
// WriteHeaders is called.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{
		w:             w,
		flusher:       flusher,
		stopKeepAlive: make(chan struct{}),
	}
}

// WriteHeaders sets the SSE response headers and commits the 200 status.
func (s *Writer) WriteHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

// WriteChunk marshals v and writes it as one data frame. Returns false when
// the stream is already finished or the client write failed.
func (s *Writer) WriteChunk(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if _, err := s.w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		return false
	}
	s.wroteAny = true
	s.lastWrite = time.Now()
	s.flush()
	return true
}

// WroteAny reports whether any data frame has reached the client.
func (s *Writer) WroteAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wroteAny
}

// Done writes the [DONE] frame exactly once and stops the keep-alive.
// Subsequent calls are no-ops.
func (s *Writer) Done() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	_, _ = s.w.Write([]byte(doneFrame))
	s.flush()
	s.mu.Unlock()

	s.keepAliveOnce.Do(func() { close(s.stopKeepAlive) })
	s.wg.Wait()
}

// StartKeepAlive emits an SSE comment frame every interval while the stream
// is idle, until Done is called.
func (s *Writer) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepAlive:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.done && time.Since(s.lastWrite) >= interval {
					_, _ = s.w.Write([]byte(":\n\n"))
					s.flush()
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
