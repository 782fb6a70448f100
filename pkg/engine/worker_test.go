package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsTask(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Wait()
	result, err := pool.Do(context.Background(), func(context.Context) (any, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want done", result)
	}
}

func TestWorkerPoolPropagatesError(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Wait()
	boom := errors.New("boom")
	_, err := pool.Do(context.Background(), func(context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Wait()
	_, err := pool.Do(context.Background(), func(context.Context) (any, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
	if !IsKind(err, KindRuntimeTask) {
		t.Errorf("error kind = %s, want runtime_task", KindOf(err))
	}

	// The slot must be released after a panic.
	result, err := pool.Do(context.Background(), func(context.Context) (any, error) {
		return "still alive", nil
	})
	if err != nil || result != "still alive" {
		t.Errorf("pool unusable after panic: %v, %v", result, err)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Wait()

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Do(context.Background(), func(context.Context) (any, error) {
				n := atomic.AddInt64(&running, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("observed %d concurrent tasks, pool size is 2", got)
	}
}

func TestWorkerPoolCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = pool.Do(context.Background(), func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	// The single slot is held, so this waits; cancel unblocks it.
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := pool.Do(ctx, func(context.Context) (any, error) { return nil, nil })
	if !IsKind(err, KindCancelled) {
		t.Errorf("error kind = %s, want cancelled", KindOf(err))
	}
	close(release)
}

func TestWorkerPoolCancelledInFlight(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := pool.Do(ctx, func(context.Context) (any, error) {
		<-release
		return "late", nil
	})
	if !IsKind(err, KindCancelled) {
		t.Errorf("error kind = %s, want cancelled", KindOf(err))
	}
	close(release)
	pool.Wait()
}
