package util

import (
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
)

// WorkerPool runs submitted functions on a bounded set of goroutines.
type WorkerPool interface {
	// Submit queues a function for execution. It returns any error that
	// prevented the function from being queued.
	Submit(func()) error

	// Release frees the pool's resources. Subsequent Submit calls fail
	// with ErrPoolClosed. Release does not wait for submitted functions
	// to return; callers synchronize via other means.
	Release()
}

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = ants.ErrPoolClosed

type antsWorkerPool struct {
	pool *ants.Pool
}

// NewWorkerPool returns a pool of at most size concurrent workers.
func NewWorkerPool(size int) (WorkerPool, error) {
	p, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &antsWorkerPool{pool: p}, nil
}

func (p *antsWorkerPool) Submit(fn func()) error {
	return p.pool.Submit(fn)
}

func (p *antsWorkerPool) Release() {
	p.pool.Release()
}

// syncWorkerPool executes submitted functions immediately in the caller's
// goroutine. Useful in tests and as a degenerate pool of size one.
type syncWorkerPool struct {
	closed atomic.Bool
}

// NewSyncWorkerPool returns a synchronous worker pool.
func NewSyncWorkerPool() WorkerPool {
	return &syncWorkerPool{}
}

func (p *syncWorkerPool) Submit(fn func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	fn()

	return nil
}

func (p *syncWorkerPool) Release() {
	p.closed.Store(true)
}
