package supervisor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WorkerPool fans file-level subtasks (copy, reconstruct, hash, compress,
// encrypt) out across a bounded number of goroutines. When workers is 0 the
// pool runs every task inline on the submitting goroutine, matching §4.9's
// "when workers > 0" qualifier.
type WorkerPool struct {
	group   *errgroup.Group
	ctx     context.Context
	workers int
	outcome atomic.Bool
}

// NewWorkerPool constructs a pool bounded to workers concurrent tasks.
// outcome starts true; the first failing task flips it to false and it
// never recovers within this pool's lifetime.
func NewWorkerPool(ctx context.Context, workers int) *WorkerPool {
	group, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		group.SetLimit(workers)
	}
	p := &WorkerPool{group: group, ctx: gctx, workers: workers}
	p.outcome.Store(true)
	return p
}

// Submit queues fn. If workers is 0, fn runs synchronously on the caller.
func (p *WorkerPool) Submit(fn func(ctx context.Context) error) {
	if p.workers == 0 {
		if err := fn(p.ctx); err != nil {
			p.outcome.Store(false)
		}
		return
	}
	p.group.Go(func() error {
		if err := fn(p.ctx); err != nil {
			p.outcome.Store(false)
		}
		return nil
	})
}

// Wait blocks until every submitted task has finished (wait-for-quiescence)
// and reports the pool's outcome: false means at least one submitted task
// failed, and the enclosing workflow step must abort (§4.9).
func (p *WorkerPool) Wait() bool {
	_ = p.group.Wait()
	return p.outcome.Load()
}
