package executor

import (
	"bytes"
	"sync"
)

// LimitedBuffer keeps at most limit bytes and silently drops the rest. It
// reports full writes so the producer never sees io.ErrShortWrite.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewLimitedBuffer returns a buffer capped at limit bytes (DefaultMaxOutput
// when limit <= 0).
func NewLimitedBuffer(limit int) *LimitedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	return &LimitedBuffer{limit: limit}
}

func (w *LimitedBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *LimitedBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Truncated reports whether any bytes were dropped.
func (w *LimitedBuffer) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
