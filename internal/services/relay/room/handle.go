package room

import (
	"io"
	"sync"
)

// Handle serializes writes to one member's output stream.
type Handle struct {
	mu sync.Mutex
	w  io.Writer
}

// NewHandle wraps w. All writers sharing the stream must use the same Handle.
func NewHandle(w io.Writer) *Handle {
	if h, ok := w.(*Handle); ok {
		return h
	}
	return &Handle{w: w}
}

// Write writes p as one unit. Short writes are reported as io.ErrShortWrite.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}
