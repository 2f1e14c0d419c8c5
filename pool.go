package lsp

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool runs thread-pool handlers with bounded concurrency. Submit never blocks the
// caller: a submitted job waits on its own goroutine for a free slot.
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// submit schedules job. If ctx is done before a slot frees up, abandoned runs instead of job.
func (p *workerPool) submit(ctx context.Context, job func(), abandoned func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			abandoned()
			return
		}
		defer p.sem.Release(1)
		job()
	}()
}

// wait blocks until every submitted job has finished.
func (p *workerPool) wait() {
	p.wg.Wait()
}
