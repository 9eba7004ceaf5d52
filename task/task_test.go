package task

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/heap"
)

func newPool(t *testing.T, threads int) (*heap.Heap, *Pool) {
	t.Helper()
	h := heap.New(heap.WithCollectEvery(0))
	p := NewPool(h, WithThreads(threads))
	t.Cleanup(func() { p.Close() })
	return h, p
}

func TestTaskLifecycle(t *testing.T) {
	h, pool := newPool(t, 2)

	gate := make(chan struct{})
	started := make(chan struct{})
	tk := Create(pool, func(ctx context.Context) (int64, error) {
		close(started)
		<-gate
		v, err := h.Eval("40 + 2", nil)
		if err != nil {
			return 0, err
		}
		x, err := h.Unbox(v)
		if err != nil {
			return 0, err
		}
		return x.(int64), nil
	})

	if tk.State() != StateCreated {
		t.Fatalf("state = %s, want created", tk.State())
	}
	if tk.Result().IsAvailable() {
		t.Fatal("future available before scheduling")
	}
	if pool.Active() != 0 {
		t.Fatalf("Active() = %d before scheduling, want 0", pool.Active())
	}

	if err := tk.Schedule(); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := tk.Schedule(); err != nil {
		t.Fatalf("second Schedule failed: %v", err)
	}
	if pool.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", pool.Active())
	}

	<-started
	if !tk.IsRunning() {
		t.Fatalf("state = %s, want running", tk.State())
	}
	if _, ok := tk.Result().Get(); ok {
		t.Fatal("Get returned a value while running")
	}
	close(gate)

	v, err := tk.Join()
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if v != 42 {
		t.Fatalf("result = %d, want 42", v)
	}
	if !tk.IsDone() || tk.IsFailed() {
		t.Fatalf("state = %s, want done", tk.State())
	}
	if got, ok := tk.Result().Get(); !ok || got != 42 {
		t.Fatalf("Get = %d, %v", got, ok)
	}
	if pool.Active() != 0 {
		t.Fatalf("Active() = %d after completion", pool.Active())
	}
}

func TestTaskFailure(t *testing.T) {
	h, pool := newPool(t, 1)

	tk := Create(pool, func(ctx context.Context) (string, error) {
		_, err := h.Eval("undefined_name", nil)
		return "unreachable", err
	})
	_, err := tk.Join()
	if !stderrors.Is(err, errors.ErrTaskFailure) {
		t.Fatalf("expected task failure, got %v", err)
	}
	if !errors.IsKind(err, errors.KindForeignException) {
		t.Fatalf("task failure should wrap the foreign exception: %v", err)
	}
	if _, ok := errors.ForeignValue(err); !ok {
		t.Fatal("foreign exception value lost")
	}
	if !tk.IsFailed() || !tk.IsDone() {
		t.Fatalf("state = %s, want failed", tk.State())
	}

	v, ok := tk.Result().Wait()
	if ok || v != "" {
		t.Fatalf("Wait on a failed task = %q, %v; want empty", v, ok)
	}
	if tk.Err() == nil {
		t.Fatal("Err() is nil for a failed task")
	}
}

func TestTaskPanicBecomesFailure(t *testing.T) {
	_, pool := newPool(t, 1)

	_, err := Run(pool, func(ctx context.Context) (int, error) {
		var m map[string]int
		m["x"] = 1
		return 0, nil
	})
	if !stderrors.Is(err, errors.ErrTaskFailure) {
		t.Fatalf("expected task failure, got %v", err)
	}

	// the worker survives the panic
	v, err := Run(pool, func(ctx context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("Run after panic = %d, %v", v, err)
	}
}

func TestSingleRuntimeContext(t *testing.T) {
	h, pool := newPool(t, 4)

	var inside, peak atomic.Int32
	tasks := make([]*Task[int64], 32)
	for i := range tasks {
		tasks[i] = Create(pool, func(ctx context.Context) (int64, error) {
			n := inside.Add(1)
			defer inside.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			v, err := h.Eval("x = 1; x + 1", nil)
			if err != nil {
				return 0, err
			}
			time.Sleep(time.Millisecond)
			x, err := h.Unbox(v)
			if err != nil {
				return 0, err
			}
			return x.(int64), nil
		})
		if err := tasks[i].Schedule(); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	for _, tk := range tasks {
		if v, err := tk.Join(); err != nil || v != 2 {
			t.Fatalf("task %d = %d, %v", tk.ID(), v, err)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("%d tasks ran inside the runtime at once", peak.Load())
	}
}

func TestFutureHappensAfter(t *testing.T) {
	_, pool := newPool(t, 2)

	var shared []int
	tk := Create(pool, func(ctx context.Context) ([]int, error) {
		shared = append(shared, 1, 2, 3)
		return shared, nil
	})
	tk.Schedule()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := tk.Result().Wait()
			if !ok || len(v) != 3 || len(shared) != 3 {
				t.Errorf("waiter saw %v, %v", v, ok)
			}
		}()
	}
	wg.Wait()
}

func TestJoinContext(t *testing.T) {
	_, pool := newPool(t, 1)

	gate := make(chan struct{})
	tk := Create(pool, func(ctx context.Context) (int, error) {
		<-gate
		return 1, nil
	})
	tk.Schedule()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tk.JoinContext(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if tk.IsDone() {
		t.Fatal("cancelling the wait cancelled the task")
	}

	close(gate)
	if v, err := tk.JoinContext(context.Background()); err != nil || v != 1 {
		t.Fatalf("JoinContext = %d, %v", v, err)
	}
}

func TestJoinFromTask(t *testing.T) {
	_, pool := newPool(t, 2)

	inner := Create(pool, func(ctx context.Context) (int, error) { return 5, nil })

	v, err := Run(pool, func(ctx context.Context) (int, error) {
		if _, err := inner.JoinContext(ctx); !stderrors.Is(err, ErrJoinInTask) {
			t.Errorf("JoinContext inside a task: expected ErrJoinInTask, got %v", err)
		}
		n, err := Await(ctx, inner)
		if err != nil {
			return 0, err
		}
		return n * 2, nil
	})
	if err != nil || v != 10 {
		t.Fatalf("Run = %d, %v", v, err)
	}
}

func TestAwaitSingleWorker(t *testing.T) {
	_, pool := newPool(t, 1)

	v, err := Run(pool, func(ctx context.Context) (int, error) {
		inner := Create(pool, func(ctx context.Context) (int, error) {
			leaf := Create(pool, func(ctx context.Context) (int, error) { return 3, nil })
			n, err := Await(ctx, leaf)
			return n + 1, err
		})
		n, err := Await(ctx, inner)
		if err != nil {
			return 0, err
		}
		return n * 10, nil
	})
	if err != nil || v != 40 {
		t.Fatalf("Run = %d, %v", v, err)
	}

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after nested Await")
	}
}

func TestYieldSingleWorker(t *testing.T) {
	_, pool := newPool(t, 1)

	var ran atomic.Bool
	v, err := Run(pool, func(ctx context.Context) (bool, error) {
		b := Create(pool, func(ctx context.Context) (int, error) {
			ran.Store(true)
			return 0, nil
		})
		b.Schedule()
		if err := Yield(ctx); err != nil {
			return false, err
		}
		return ran.Load(), nil
	})
	if err != nil || !v {
		t.Fatalf("scheduled task did not run during Yield: %v, %v", v, err)
	}
}

func TestAwaitSelf(t *testing.T) {
	_, pool := newPool(t, 1)

	var self *Task[int]
	self = Create(pool, func(ctx context.Context) (int, error) {
		_, err := Await(ctx, self)
		if !stderrors.Is(err, ErrJoinInTask) {
			t.Errorf("Await(self): expected ErrJoinInTask, got %v", err)
		}
		return 0, nil
	})
	if _, err := self.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
}

func TestYield(t *testing.T) {
	_, pool := newPool(t, 2)

	if err := Yield(context.Background()); !stderrors.Is(err, ErrNotInTask) {
		t.Fatalf("Yield outside a task: expected ErrNotInTask, got %v", err)
	}

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	bStarted := make(chan struct{})
	a := Create(pool, func(ctx context.Context) (int, error) {
		record("a1")
		b := Create(pool, func(ctx context.Context) (int, error) {
			close(bStarted)
			record("b")
			return 0, nil
		})
		b.Schedule()
		// b cannot start until a gives up the runtime context
		for {
			if err := Yield(ctx); err != nil {
				return 0, err
			}
			select {
			case <-bStarted:
				if _, err := Await(ctx, b); err != nil {
					return 0, err
				}
				record("a2")
				return 0, nil
			default:
			}
		}
	})
	if _, err := a.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if len(order) != 3 || order[0] != "a1" || order[1] != "b" || order[2] != "a2" {
		t.Fatalf("order = %v", order)
	}
}

func TestTaskContext(t *testing.T) {
	_, pool := newPool(t, 1)

	if InTask(context.Background()) {
		t.Fatal("background context is in a task")
	}
	tk := Create(pool, func(ctx context.Context) (uint64, error) {
		id, ok := ID(ctx)
		if !ok {
			t.Error("ID not found in task context")
		}
		return id, nil
	})
	id, err := tk.Join()
	if err != nil || id != tk.ID() {
		t.Fatalf("ID(ctx) = %d, %v; want %d", id, err, tk.ID())
	}

	stale, err := Run(pool, func(ctx context.Context) (context.Context, error) { return ctx, nil })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if InTask(stale) {
		t.Fatal("context of a finished task still reports InTask")
	}
}

func TestExec(t *testing.T) {
	_, pool := newPool(t, 1)

	ran := false
	if err := pool.Exec(context.Background(), func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("Exec outside a task = %v, ran=%v", err, ran)
	}

	v, err := Run(pool, func(ctx context.Context) (int, error) {
		n := 0
		err := pool.Exec(ctx, func() error { n = 7; return nil })
		return n, err
	})
	if err != nil || v != 7 {
		t.Fatalf("Exec inside a task = %d, %v", v, err)
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	holder := Create(pool, func(ctx context.Context) (int, error) {
		close(started)
		<-gate
		return 0, nil
	})
	holder.Schedule()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Exec(ctx, func() error { return nil }); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exec while a task holds the runtime: expected deadline exceeded, got %v", err)
	}

	var after atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- pool.Exec(context.Background(), func() error {
			if !holder.IsDone() {
				return stderrors.New("ran while the task held the runtime")
			}
			after.Store(true)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	if after.Load() {
		t.Fatal("Exec ran while a task held the runtime")
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	h := heap.New(heap.WithCollectEvery(0))
	pool := NewPool(h, WithThreads(2))

	var ran atomic.Int32
	tasks := make([]*Task[int], 10)
	for i := range tasks {
		tasks[i] = Create(pool, func(ctx context.Context) (int, error) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return 0, nil
		})
		tasks[i].Schedule()
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ran.Load() != 10 {
		t.Fatalf("%d of 10 scheduled tasks ran before Close returned", ran.Load())
	}
	for _, tk := range tasks {
		if !tk.IsDone() {
			t.Fatalf("task %d not done after Close", tk.ID())
		}
	}

	late := Create(pool, func(ctx context.Context) (int, error) { return 1, nil })
	err := late.Schedule()
	if !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("Schedule after Close: expected not_initialized, got %v", err)
	}
	if !late.IsFailed() {
		t.Fatalf("late task state = %s, want failed", late.State())
	}
	if _, ok := late.Result().Wait(); ok {
		t.Fatal("late task produced a value")
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateScheduled.String() != "scheduled" || State(9).String() != "State(9)" {
		t.Fatalf("unexpected state names %s, %s", StateScheduled, State(9))
	}
}
