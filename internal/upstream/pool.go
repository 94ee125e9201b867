package upstream

import (
	"context"
	"time"
)

// Pool bounds concurrent upstream dispatches with a slot semaphore.
type Pool struct {
	slots          chan struct{}
	acquireTimeout time.Duration
}

// NewPool creates a pool with the given slot count and acquire timeout.
func NewPool(size int, acquireTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		slots:          make(chan struct{}, size),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire blocks until a slot is free, the acquire timeout elapses, or ctx is
// canceled. The returned release function is idempotent.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-p.slots
		}, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of occupied slots.
func (p *Pool) InUse() int { return len(p.slots) }
