package task

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync/atomic"
)

var (
	// ErrNotInTask is returned by Yield and Await outside a running task.
	ErrNotInTask = stderrors.New("task: not called from a running task")

	// ErrJoinInTask is returned when a running task joins another task
	// without giving up the runtime context. Use Await instead.
	ErrJoinInTask = stderrors.New("task: join from a running task would block the runtime context")
)

type ctxKeyTask struct{}
type ctxKeyOwner struct{}

// running is what a task's context carries.
type running struct {
	pool *Pool
	id   uint64
	done atomic.Bool
}

func withRunning(ctx context.Context, r *running) context.Context {
	return context.WithValue(ctx, ctxKeyTask{}, r)
}

func getRunning(ctx context.Context) *running {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(ctxKeyTask{}); v != nil {
		return v.(*running)
	}
	return nil
}

// active is getRunning for a task that has not finished yet.
func active(ctx context.Context) *running {
	if r := getRunning(ctx); r != nil && !r.done.Load() {
		return r
	}
	return nil
}

// ID returns the id of the task running with ctx.
func ID(ctx context.Context) (uint64, bool) {
	r := getRunning(ctx)
	if r == nil {
		return 0, false
	}
	return r.id, true
}

// InTask reports whether ctx belongs to a task that is still running.
func InTask(ctx context.Context) bool {
	return active(ctx) != nil
}

// Yield gives up the runtime context so another scheduled task can run, then
// waits to get it back. The oldest scheduled task, if any, runs before the
// caller resumes. It is only valid inside a running task.
func Yield(ctx context.Context) error {
	r := active(ctx)
	if r == nil {
		return ErrNotInTask
	}
	if !r.pool.handOff() {
		r.pool.release()
		runtime.Gosched()
	}
	r.pool.acquire()
	return nil
}

// Await joins t from inside a running task, giving up the runtime context
// while it waits. Outside a task it behaves like t.JoinContext(ctx).
func Await[R any](ctx context.Context, t *Task[R]) (R, error) {
	r := active(ctx)
	if r == nil {
		return t.JoinContext(ctx)
	}
	if r.pool == t.pool && r.id == t.id {
		var zero R
		return zero, ErrJoinInTask
	}

	stop := r.pool.standIn()
	r.pool.release()
	defer func() {
		stop()
		r.pool.acquire()
	}()
	return t.wait(ctx)
}

// WithOwner marks ctx as belonging to the host owner token, for Mutex
// ownership outside tasks. Distinct tokens are distinct owners.
func WithOwner(ctx context.Context, token uint64) context.Context {
	return context.WithValue(ctx, ctxKeyOwner{}, token)
}

// owner identifies who holds a Mutex.
type owner struct {
	id   uint64
	task bool
}

func ownerOf(ctx context.Context) owner {
	if r := getRunning(ctx); r != nil {
		return owner{id: r.id, task: true}
	}
	if ctx != nil {
		if v := ctx.Value(ctxKeyOwner{}); v != nil {
			return owner{id: v.(uint64)}
		}
	}
	return owner{}
}
