package upstream

import (
	"io"
	"sync"
	"time"
)

// idleReader closes the wrapped body when the gap between successive reads
// exceeds the idle timeout, so a stalled upstream stream fails instead of
// hanging forever.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	expired bool
	closed  bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, r.expire)
	return r
}

func (r *idleReader) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.expired = true
	// Closing the body unblocks the pending Read with an error.
	r.rc.Close()
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)

	r.mu.Lock()
	if r.expired {
		r.mu.Unlock()
		return n, &TimeoutError{Phase: "stream"}
	}
	if !r.closed {
		r.timer.Reset(r.timeout)
	}
	r.mu.Unlock()

	return n, err
}

func (r *idleReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.timer.Stop()
	r.mu.Unlock()
	return r.rc.Close()
}
