package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the size of the shared worker pool.
const DefaultWorkers = 10

// pool runs tasks with bounded concurrency. Submit never blocks; queued tasks wait for a slot.
type pool struct {
	ctx context.Context
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newPool(ctx context.Context, size int) *pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &pool{ctx: ctx, sem: semaphore.NewWeighted(int64(size))}
}

// Submit queues task. It reports false once the pool is closed.
func (p *pool) Submit(task func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		task(p.ctx)
	}()
	return true
}

// Close rejects new tasks and waits for the running ones.
func (p *pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
