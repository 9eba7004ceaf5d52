package runtime

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/heap"
	"github.com/wippyai/heap-bridge/native"
	"github.com/wippyai/heap-bridge/proxy"
	"github.com/wippyai/heap-bridge/refs"
	"github.com/wippyai/heap-bridge/task"
)

// Config holds the bridge's initialization parameters.
type Config struct {
	Logger           *zap.Logger
	Threads          int
	CollectEvery     int
	MemoryLimitPages uint32
}

// Option configures a Bridge.
type Option func(*Config)

// WithThreads sets the number of worker pool threads.
func WithThreads(n int) Option {
	return func(c *Config) { c.Threads = n }
}

// WithCollectEvery sets the allocation count between automatic
// collections. 0 disables automatic collection.
func WithCollectEvery(n int) Option {
	return func(c *Config) { c.CollectEvery = n }
}

// WithLogger routes every package logger to l.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMemoryLimitPages caps the memory of native modules.
func WithMemoryLimitPages(n uint32) Option {
	return func(c *Config) { c.MemoryLimitPages = n }
}

// Bridge is the state of one embedded runtime: the heap, the reference
// table pinning values for the host, the proxy environment, the worker pool
// and the native module loader.
type Bridge struct {
	heap   *heap.Heap
	refs   *refs.Table
	env    *proxy.Env
	pool   *task.Pool
	native *native.Loader
	cfg    Config

	closeOnce sync.Once
	closeErr  error
}

// New initializes a bridge.
func New(ctx context.Context, opts ...Option) (*Bridge, error) {
	cfg := Config{
		Threads:      task.DefaultThreads,
		CollectEvery: heap.DefaultCollectEvery,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Threads < 1 {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "thread count must be at least 1")
	}
	if cfg.CollectEvery < 0 {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "collect-every cannot be negative")
	}
	if cfg.Logger != nil {
		setLoggers(cfg.Logger)
	}

	h := heap.New(heap.WithCollectEvery(cfg.CollectEvery))
	table := refs.New(h)
	pool := task.NewPool(h, task.WithThreads(cfg.Threads))
	b := &Bridge{
		heap: h,
		refs: table,
		env:  proxy.NewEnv(h, table, proxy.WithExecutor(pool)),
		pool: pool,
		native: native.NewLoader(ctx, &native.Config{
			MemoryLimitPages: cfg.MemoryLimitPages,
		}),
		cfg: cfg,
	}
	return b, nil
}

func setLoggers(l *zap.Logger) {
	heap.SetLogger(l.Named("heap"))
	refs.SetLogger(l.Named("refs"))
	proxy.SetLogger(l.Named("proxy"))
	task.SetLogger(l.Named("task"))
	native.SetLogger(l.Named("native"))
}

// Config returns the configuration the bridge was created with.
func (b *Bridge) Config() Config {
	return b.cfg
}

// Heap returns the embedded runtime.
func (b *Bridge) Heap() *heap.Heap {
	return b.heap
}

// Refs returns the reference table.
func (b *Bridge) Refs() *refs.Table {
	return b.refs
}

// Env returns the proxy environment.
func (b *Bridge) Env() *proxy.Env {
	return b.env
}

// Pool returns the worker pool.
func (b *Bridge) Pool() *task.Pool {
	return b.pool
}

// Main returns a proxy for the Main module.
func (b *Bridge) Main() (*proxy.Module, error) {
	return b.env.Main()
}

// do runs fn as a pool task, or directly when ctx already belongs to one.
// fn receives the environment viewed under the task's context. A task
// failure is reported as the error fn returned.
func do[R any](ctx context.Context, b *Bridge, fn func(env *proxy.Env) (R, error)) (R, error) {
	if task.InTask(ctx) {
		return fn(b.env.In(ctx))
	}
	t := task.Create(b.pool, func(tctx context.Context) (R, error) { return fn(b.env.In(tctx)) })
	v, err := t.JoinContext(ctx)
	var e *errors.Error
	if stderrors.As(err, &e) && e.Kind == errors.KindTaskFailure && e.Cause != nil {
		return v, e.Cause
	}
	return v, err
}

// Eval evaluates code in Main on the runtime context.
//
// Later calls through the returned proxy wait for the runtime context like
// any other caller. Inside a task, use a proxy created outside it through
// p.In(ctx).
func (b *Bridge) Eval(ctx context.Context, code string) (*proxy.Proxy, error) {
	return do(ctx, b, func(env *proxy.Env) (*proxy.Proxy, error) {
		return env.Eval(code)
	})
}

// SafeEval is best-effort Eval: a failure is logged and the result is the
// nothing proxy.
func (b *Bridge) SafeEval(ctx context.Context, code string) *proxy.Proxy {
	p, err := b.Eval(ctx, code)
	if err != nil {
		proxy.Logger().Warn("best-effort evaluation failed", zap.String("code", code), zap.Error(err))
		return b.env.Nothing()
	}
	return p
}

// Get returns a named proxy for a binding in Main.
func (b *Bridge) Get(ctx context.Context, name string) (*proxy.Proxy, error) {
	return do(ctx, b, func(env *proxy.Env) (*proxy.Proxy, error) {
		return env.Named(name)
	})
}

// Set assigns x to a binding in Main.
func (b *Bridge) Set(ctx context.Context, name string, x any) error {
	_, err := do(ctx, b, func(env *proxy.Env) (struct{}, error) {
		m, err := env.Main()
		if err != nil {
			return struct{}{}, err
		}
		defer m.Close()
		return struct{}{}, m.Assign(name, x)
	})
	return err
}

// NewMutex creates a mutex whose state is mirrored in the runtime.
func (b *Bridge) NewMutex() (*task.Mutex, error) {
	return task.NewMutex(b.heap, b.refs)
}

// LoadNative binds the numeric exports of a WebAssembly module into Main.
func (b *Bridge) LoadNative(ctx context.Context, name string, wasm []byte) (*native.Module, error) {
	return b.native.Load(ctx, b.heap, nil, name, wasm)
}

// Stats describes the bridge's resource usage.
type Stats struct {
	Heap    heap.Stats
	Pinned  int
	Owners  int
	Tasks   int
	Threads int
}

// Stats returns current statistics.
func (b *Bridge) Stats() Stats {
	return Stats{
		Heap:    b.heap.Stats(),
		Pinned:  b.refs.Len(),
		Owners:  b.env.Owners(),
		Tasks:   b.pool.Active(),
		Threads: b.pool.Threads(),
	}
}

// Close drains the worker pool and releases every pinned value and native
// module. Proxies must not be used afterwards, except that closing a proxy
// that outlived the bridge is a no-op.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.pool.Close()
		b.env.Close()
		b.refs.Close()
		b.closeErr = b.native.Close(ctx)
	})
	return b.closeErr
}
