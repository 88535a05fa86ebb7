package log

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Recorder appends capture records to a writer. Encoding errors never reach
// the caller of Log; the first one is kept and reported by Err.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *cbor.Encoder
	count  int
	err    error
	closed bool
}

// NewRecorder records events to w. Close closes w if it is an io.Closer.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w, enc: captureEnc.NewEncoder(w)}
}

// CreateRecorder opens path for appending, creating it with mode 0644 if
// needed, so several runs can share one capture file.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewRecorder(f), nil
}

// Log appends event. Events logged after Close are dropped.
func (r *Recorder) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if err := r.enc.Encode(event); err != nil {
		if r.err == nil {
			r.err = err
		}
		return
	}
	r.count++
}

// Count returns how many events were written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first encoding error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops recording. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
