package engine

import (
	"context"
	"fmt"
	"sync"
)

// DefaultWorkers bounds task concurrency when no pool size is
// configured.
const DefaultWorkers = 4

// WorkerPool bounds how many task invocations run at once. Graph
// traversal itself is single-threaded; the pool only limits the
// runner-side concurrency and isolates runner panics from the walk.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

type taskOutcome struct {
	result any
	err    error
}

// Do runs fn on a pool slot and waits for it. Cancellation while
// waiting for a slot or for the result returns a cancelled error; a
// cancelled fn keeps its slot until it returns, so the bound holds.
func (p *WorkerPool) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, NewError(KindCancelled, "cancelled before dispatch", ctx.Err())
	}

	done := make(chan taskOutcome, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				done <- taskOutcome{err: NewError(KindRuntimeTask,
					fmt.Sprintf("task panicked: %v", r), nil)}
			}
		}()
		result, err := fn(ctx)
		done <- taskOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, NewError(KindCancelled, "cancelled while task in flight", ctx.Err())
	}
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
