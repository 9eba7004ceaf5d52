package task

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"go.uber.org/zap"
)

// DefaultThreads is the worker count used when none is configured.
const DefaultThreads = 1

type config struct {
	threads int
}

// Option configures a Pool.
type Option func(*config)

// WithThreads sets the number of worker goroutines. Values below 1 mean 1.
func WithThreads(n int) Option {
	return func(c *config) {
		c.threads = max(n, 1)
	}
}

type runnable interface {
	taskID() uint64
	run(ctx context.Context)
}

// Pool runs tasks on a fixed set of workers. Only the worker holding the
// runtime context may call into the runtime, so at most one task executes
// at a time; the others wait for it or yield it with Yield.
type Pool struct {
	rt       heapbridge.Runtime
	token    chan struct{}
	registry map[uint64]runnable
	pending  []runnable
	cond     *sync.Cond
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	nextID   atomic.Uint64
	threads  int
	mu       sync.Mutex
	closed   bool
}

// NewPool starts the workers for rt.
func NewPool(rt heapbridge.Runtime, opts ...Option) *Pool {
	cfg := config{threads: DefaultThreads}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		rt:       rt,
		token:    make(chan struct{}, 1),
		registry: make(map[uint64]runnable),
		ctx:      ctx,
		cancel:   cancel,
		threads:  cfg.threads,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.threads)
	for i := 0; i < cfg.threads; i++ {
		go p.worker(i)
	}
	Logger().Debug("worker pool started", zap.Int("threads", cfg.threads))
	return p
}

// Runtime returns the runtime tasks run against.
func (p *Pool) Runtime() heapbridge.Runtime {
	return p.rt
}

// Threads returns the number of workers.
func (p *Pool) Threads() int {
	return p.threads
}

// Active returns the number of tasks scheduled but not yet finished.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registry)
}

// Queued returns the number of scheduled tasks no worker has picked up.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) register(t runnable) {
	p.mu.Lock()
	p.registry[t.taskID()] = t
	p.mu.Unlock()
}

func (p *Pool) unregister(id uint64) {
	p.mu.Lock()
	delete(p.registry, id)
	p.mu.Unlock()
}

func (p *Pool) submit(t runnable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.NotInitialized(errors.PhaseTask, "worker pool")
	}
	p.pending = append(p.pending, t)
	p.cond.Signal()
	return nil
}

func (p *Pool) acquire() {
	p.token <- struct{}{}
}

func (p *Pool) acquireContext(ctx context.Context) error {
	select {
	case p.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() {
	<-p.token
}

// pop takes the oldest scheduled task. Must hold mu.
func (p *Pool) pop() runnable {
	t := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return t
}

func (p *Pool) worker(n int) {
	p.loop(n, nil)
}

// loop runs scheduled tasks until the pool is closed and drained, or quit
// is set.
func (p *Pool) loop(n int, quit *atomic.Bool) {
	defer p.wg.Done()
	stopped := func() bool { return quit != nil && quit.Load() }
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed && !stopped() {
			p.cond.Wait()
		}
		if len(p.pending) == 0 || stopped() {
			p.mu.Unlock()
			return
		}
		t := p.pop()
		p.mu.Unlock()

		p.acquire()
		Logger().Debug("running task", zap.Int("worker", n), zap.Uint64("task", t.taskID()))
		t.run(p.ctx)
		p.release()
		runtime.Gosched()
	}
}

// standIn starts a temporary worker that takes the place of a worker whose
// task is blocked waiting, so the tasks it waits on can still run. The
// runtime token keeps execution to one task at a time.
func (p *Pool) standIn() (stop func()) {
	quit := new(atomic.Bool)
	p.wg.Add(1)
	go p.loop(-1, quit)
	return func() {
		quit.Store(true)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// handOff runs the oldest scheduled task on a new goroutine that inherits
// the caller's runtime token and releases it when the task returns. It
// reports false when nothing is scheduled.
func (p *Pool) handOff() bool {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return false
	}
	t := p.pop()
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		Logger().Debug("running handed-off task", zap.Uint64("task", t.taskID()))
		t.run(p.ctx)
		p.release()
	}()
	return true
}

// Exec runs fn holding the runtime context. When ctx belongs to a task of
// this pool that is still running, the context is already held and fn runs
// directly; otherwise Exec waits for the runtime token or for ctx to be
// done.
func (p *Pool) Exec(ctx context.Context, fn func() error) error {
	if r := active(ctx); r != nil && r.pool == p {
		return fn()
	}
	if err := p.acquireContext(ctx); err != nil {
		return err
	}
	defer p.release()
	return fn()
}

// Close runs every task already scheduled, then stops the workers. Tasks
// scheduled afterwards fail with a not_initialized error. Close must not be
// called from inside a task.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()

	if n := p.Active(); n > 0 {
		Logger().Debug("worker pool closed with unfinished tasks", zap.Int("tasks", n))
	}
	return nil
}
