// Package task runs host work on the runtime.
//
// The runtime may only be entered by one goroutine at a time. A Pool owns a
// fixed set of workers and a single runtime context token; a worker holds the
// token for as long as its task runs, so tasks never overlap inside the
// runtime. A task hands the token to another task with Yield, or while it
// waits in Await or Mutex.Lock.
//
//	pool := task.NewPool(rt, task.WithThreads(4))
//	defer pool.Close()
//
//	t := task.Create(pool, func(ctx context.Context) (int64, error) {
//	    v, err := rt.Eval("1 + 2", nil)
//	    ...
//	})
//	t.Schedule()
//	n, err := t.Join()
//
// # Lifecycle
//
// A task moves Created -> Scheduled -> Running -> Done or Failed. Its Future
// is resolved exactly once, after the closure returns, and any goroutine may
// wait on it. A failed task resolves its future with no value; the failure,
// a task_failure error wrapping the closure's error or panic, is reported by
// Err and Join.
//
// There is no cancellation of scheduled tasks. Cancelling the context given
// to JoinContext or Future.WaitContext only stops the wait.
//
// # Mutex
//
// Mutex is reentrant per owner. Inside a task the owner is the task; outside,
// it is the token set with WithOwner.
package task
