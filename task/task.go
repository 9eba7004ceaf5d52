package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/wippyai/heap-bridge/errors"
	"go.uber.org/zap"
)

// State is a task's position in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateScheduled
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Func is the work a task runs. ctx carries the task identity used by Yield,
// Await and Mutex.
type Func[R any] func(ctx context.Context) (R, error)

// Task is a unit of work bound to a pool. Its result is published through a
// Future that outlives it.
type Task[R any] struct {
	pool   *Pool
	fn     Func[R]
	future *Future[R]
	id     uint64
	state  atomic.Int32
}

// Create binds fn to pool. The task does not run, and the pool does not
// track it, until Schedule.
func Create[R any](pool *Pool, fn Func[R]) *Task[R] {
	return &Task[R]{
		pool:   pool,
		fn:     fn,
		future: newFuture[R](),
		id:     pool.nextID.Add(1),
	}
}

// Run creates, schedules and joins fn.
func Run[R any](pool *Pool, fn Func[R]) (R, error) {
	t := Create(pool, fn)
	if err := t.Schedule(); err != nil {
		var zero R
		return zero, err
	}
	return t.Join()
}

// ID returns the task's id, unique within its pool.
func (t *Task[R]) ID() uint64 {
	return t.id
}

// State returns the current lifecycle state.
func (t *Task[R]) State() State {
	return State(t.state.Load())
}

// IsRunning reports whether the closure is executing.
func (t *Task[R]) IsRunning() bool {
	return t.State() == StateRunning
}

// IsDone reports whether the task finished, successfully or not.
func (t *Task[R]) IsDone() bool {
	s := t.State()
	return s == StateDone || s == StateFailed
}

// IsFailed reports whether the task returned an error, panicked or could
// not be scheduled.
func (t *Task[R]) IsFailed() bool {
	return t.State() == StateFailed
}

// Err returns the task failure, if any.
func (t *Task[R]) Err() error {
	return t.future.Err()
}

// Result returns the task's future.
func (t *Task[R]) Result() *Future[R] {
	return t.future
}

// Schedule hands the task to the pool. It is safe from any goroutine and
// only the first call has an effect. If the pool is closed the task fails
// with a not_initialized error, which is also returned.
func (t *Task[R]) Schedule() error {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateScheduled)) {
		return nil
	}
	t.pool.register(t)
	if err := t.pool.submit(t); err != nil {
		t.finish(*new(R), err)
		return err
	}
	return nil
}

// Join waits for the task and returns its result. A task that was never
// scheduled is scheduled first. Join must not be called from inside a
// running task; use Await there.
func (t *Task[R]) Join() (R, error) {
	if err := t.Schedule(); err != nil {
		var zero R
		return zero, err
	}
	v, ok := t.future.Wait()
	if !ok {
		return v, t.future.Err()
	}
	return v, nil
}

// JoinContext is Join that gives up waiting when ctx is done. If ctx belongs
// to a running task it fails with ErrJoinInTask.
func (t *Task[R]) JoinContext(ctx context.Context) (R, error) {
	if InTask(ctx) {
		var zero R
		return zero, ErrJoinInTask
	}
	return t.wait(ctx)
}

func (t *Task[R]) wait(ctx context.Context) (R, error) {
	if err := t.Schedule(); err != nil {
		var zero R
		return zero, err
	}
	v, ok, err := t.future.WaitContext(ctx)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, t.future.Err()
	}
	return v, nil
}

// taskID is used by the pool registry.
func (t *Task[R]) taskID() uint64 {
	return t.id
}

// run executes the closure on a worker holding the runtime context.
func (t *Task[R]) run(ctx context.Context) {
	t.state.Store(int32(StateRunning))
	r := &running{pool: t.pool, id: t.id}
	v, err := t.call(withRunning(ctx, r))
	r.done.Store(true)
	if err != nil {
		err = errors.TaskFailure(t.id, err)
		Logger().Debug("task failed", zap.Uint64("task", t.id), zap.Error(err))
	}
	t.finish(v, err)
}

func (t *Task[R]) call(ctx context.Context) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("task panicked",
				zap.Uint64("task", t.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}

// finish publishes the outcome. The state is set before the future resolves
// so waiters observe a terminal state.
func (t *Task[R]) finish(v R, err error) {
	if err != nil {
		t.state.Store(int32(StateFailed))
	} else {
		t.state.Store(int32(StateDone))
	}
	t.future.resolve(v, err)
	t.pool.unregister(t.id)
}
