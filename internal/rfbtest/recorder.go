package rfbtest

import (
	"bytes"
	"sync"
)

// Recorder is a write-only connection recording what is written to it
// and how many times it was closed. The zero value is ready to use.
// This struct is concurrency safe.
type Recorder struct {
	// WriteErr, if set, is returned by every Write.
	WriteErr error

	mu     sync.Mutex
	writes [][]byte
	closed int
}

// Write records a copy of b.
func (r *Recorder) Write(b []byte) (int, error) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if r.WriteErr != nil {
		return 0, r.WriteErr
	}
	r.writes = append(r.writes, append([]byte{}, b...))
	return len(b), nil
}

// Close counts the calls.
func (r *Recorder) Close() error {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.closed++
	return nil
}

// Writes returns the recorded writes.
func (r *Recorder) Writes() [][]byte {
	defer r.mu.Unlock()
	r.mu.Lock()
	out := make([][]byte, 0, len(r.writes))
	for _, w := range r.writes {
		out = append(out, append([]byte{}, w...))
	}
	return out
}

// Bytes returns the concatenation of the recorded writes.
func (r *Recorder) Bytes() []byte {
	return bytes.Join(r.Writes(), nil)
}

// Reset forgets the recorded writes.
func (r *Recorder) Reset() {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.writes = nil
}

// CloseCount returns how many times Close was called.
func (r *Recorder) CloseCount() int {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.closed
}
