package task

import (
	"context"
	"sync"
)

// Future is the one-shot result of a Task. It is resolved exactly once, by
// the worker that ran the task, and can be read from any goroutine.
type Future[R any] struct {
	value    R
	err      error
	cond     *sync.Cond
	mu       sync.Mutex
	resolved bool
}

func newFuture[R any]() *Future[R] {
	f := &Future[R]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// resolve publishes the outcome and wakes every waiter. Later calls are
// ignored and reported false.
func (f *Future[R]) resolve(v R, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	if err == nil {
		f.value = v
	}
	f.err = err
	f.resolved = true
	f.cond.Broadcast()
	return true
}

// IsAvailable reports whether the future has been resolved.
func (f *Future[R]) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Get returns the result without blocking. ok is false if the future is not
// resolved yet or the task failed.
func (f *Future[R]) Get() (R, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.resolved && f.err == nil
}

// Wait blocks until the future is resolved. ok is false if the task failed;
// the failure is available through Err.
func (f *Future[R]) Wait() (R, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.resolved {
		f.cond.Wait()
	}
	return f.value, f.err == nil
}

// WaitContext is Wait that gives up when ctx is done. Cancelling ctx stops
// the wait only; the task keeps running.
func (f *Future[R]) WaitContext(ctx context.Context) (R, bool, error) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.resolved {
		if err := ctx.Err(); err != nil {
			var zero R
			return zero, false, err
		}
		f.cond.Wait()
	}
	return f.value, f.err == nil, nil
}

// Err returns the task failure, or nil if the future is unresolved or the
// task succeeded.
func (f *Future[R]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
