// Package pool runs independent per-sample tasks on a fixed number of workers.
package pool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// Pool bounds concurrent task execution. It is created once per run and
// closed once after the last batch.
type Pool struct {
	size int
	sem  *semaphore.Weighted

	mu     sync.Mutex
	closed bool
}

// New creates a pool with size workers. size <= 0 uses every CPU.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Map runs fn(i) for i in [0, n) and waits for all of them. Each task must only
// write its own result slot. The first error cancels the remaining tasks.
func (p *Pool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.ConflictError("pool is closed")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		if err := p.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close waits for running tasks and rejects further Map calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.sem.Acquire(context.Background(), int64(p.size)); err != nil {
		return err
	}
	p.sem.Release(int64(p.size))
	return nil
}
