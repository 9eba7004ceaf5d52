package proxy

import (
	"context"
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/gc"
	"github.com/wippyai/heap-bridge/refs"
	"go.uber.org/zap"
)

// Env ties proxies to one runtime and the reference table that pins their
// values. All proxies created from an Env share its owner arena.
//
// An Env built WithExecutor runs every runtime call through the executor.
// In returns a view of the Env bound to a context; proxies created from a
// view, and their children, run under that context.
type Env struct {
	*envState
	rt  heapbridge.Runtime
	ctx context.Context
}

type envState struct {
	raw      heapbridge.Runtime
	refs     *refs.Table
	owners   *arena
	builtins map[string]refs.Key
	exec     Executor
	mu       sync.Mutex
}

// EnvOption configures an Env.
type EnvOption func(*envState)

// WithExecutor routes runtime calls made by proxies through x.
func WithExecutor(x Executor) EnvOption {
	return func(s *envState) { s.exec = x }
}

// NewEnv creates a proxy environment over rt and table.
func NewEnv(rt heapbridge.Runtime, table *refs.Table, opts ...EnvOption) *Env {
	s := &envState{
		raw:      rt,
		refs:     table,
		owners:   newArena(),
		builtins: make(map[string]refs.Key),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s.view(context.Background())
}

func (s *envState) view(ctx context.Context) *Env {
	e := &Env{envState: s, rt: s.raw, ctx: ctx}
	if s.exec != nil {
		e.rt = &gated{Runtime: s.raw, exec: s.exec, ctx: ctx}
	}
	return e
}

// In returns a view of e whose runtime calls run under ctx. Inside a task,
// proxies must be used through a view of the task's context, since a call
// under any other context waits for the runtime the task already holds.
func (e *Env) In(ctx context.Context) *Env {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.view(ctx)
}

// Context returns the context runtime calls run under.
func (e *Env) Context() context.Context {
	return e.ctx
}

// Runtime returns the runtime proxies call into.
func (e *Env) Runtime() heapbridge.Runtime {
	return e.rt
}

// Refs returns the table pinning proxy values.
func (e *Env) Refs() *refs.Table {
	return e.refs
}

// Owners returns the number of live owner records.
func (e *Env) Owners() int {
	return e.owners.live()
}

// guard pauses collection for a proxy operation.
func (e *Env) guard() *gc.Guard {
	return gc.Enter(e.rt.Collector())
}

// builtin returns a Base function or type, pinned on first use.
// Must be called under a guard.
func (e *Env) builtin(name string) (heapbridge.Value, error) {
	e.mu.Lock()
	k, ok := e.builtins[name]
	e.mu.Unlock()
	if ok {
		return e.refs.Get(k)
	}

	// mu is not held across runtime calls; the task holding the runtime may
	// need it
	base, err := e.rt.Field(e.rt.Main(), "Base")
	if err != nil {
		return nil, err
	}
	fn, err := e.rt.Function(base, name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.builtins[name]; ok {
		return fn, nil
	}
	k, err = e.refs.Create(fn)
	if err != nil {
		return nil, err
	}
	e.builtins[name] = k
	return fn, nil
}

// callBuiltin calls a Base function. Must be called under a guard.
func (e *Env) callBuiltin(name string, args ...heapbridge.Value) (heapbridge.Value, error) {
	fn, err := e.builtin(name)
	if err != nil {
		return nil, err
	}
	return e.rt.Call(fn, args...)
}

// unboxBuiltin calls a Base function and unboxes its result.
func (e *Env) unboxBuiltin(name string, args ...heapbridge.Value) (any, error) {
	g := e.guard()
	defer g.Exit()

	res, err := e.callBuiltin(name, args...)
	if err != nil {
		return nil, err
	}
	return e.rt.Unbox(res)
}

// Wrap pins v in an unnamed proxy. The caller must keep v reachable until
// Wrap returns, typically by holding a gc guard.
func (e *Env) Wrap(v heapbridge.Value) (*Proxy, error) {
	return e.newProxy(v, Handle{}, refs.None, false)
}

// New creates a proxy for v. An empty symbol yields an unnamed proxy; a
// non-empty one names a binding in Main, and assignment through the proxy
// rebinds it.
func (e *Env) New(v heapbridge.Value, symbol string) (*Proxy, error) {
	if symbol == "" {
		return e.Wrap(v)
	}
	return e.NewIn(nil, v, symbol)
}

// NewIn creates a named proxy for v bound as symbol in module scope (nil
// means Main).
func (e *Env) NewIn(scope heapbridge.Value, v heapbridge.Value, symbol string) (*Proxy, error) {
	g := e.guard()
	defer g.Exit()

	if scope == nil {
		scope = e.rt.Main()
	}
	symKey, err := e.refs.Create(e.rt.Symbol(symbol))
	if err != nil {
		return nil, err
	}
	owner := e.owners.alloc(record{seg: segment{name: symbol}, scope: scope})
	p, err := e.newProxy(v, owner, symKey, true)
	if err != nil {
		e.freeKey(symKey)
		e.release(owner)
		return nil, err
	}
	return p, nil
}

// Named resolves symbol in Main and returns a named proxy for its value.
func (e *Env) Named(symbol string) (*Proxy, error) {
	return e.NamedIn(nil, symbol)
}

// NamedIn resolves symbol in scope and returns a named proxy for its value.
func (e *Env) NamedIn(scope heapbridge.Value, symbol string) (*Proxy, error) {
	g := e.guard()
	defer g.Exit()

	if scope == nil {
		scope = e.rt.Main()
	}
	v, err := e.rt.Field(scope, symbol)
	if err != nil {
		return nil, err
	}
	return e.NewIn(scope, v, symbol)
}

// Eval evaluates code in Main and wraps the result in an unnamed proxy.
func (e *Env) Eval(code string) (*Proxy, error) {
	return e.EvalIn(nil, code)
}

// EvalIn evaluates code in scope and wraps the result.
func (e *Env) EvalIn(scope heapbridge.Value, code string) (*Proxy, error) {
	g := e.guard()
	defer g.Exit()

	v, err := e.rt.Eval(code, scope)
	if err != nil {
		return nil, err
	}
	return e.Wrap(v)
}

// SafeEval is best-effort evaluation: a foreign exception is logged and the
// result is the nothing proxy.
func (e *Env) SafeEval(code string) *Proxy {
	p, err := e.Eval(code)
	if err != nil {
		Logger().Warn("best-effort evaluation failed", zap.String("code", code), zap.Error(err))
		return e.Nothing()
	}
	return p
}

// Box converts x and wraps it in an unnamed proxy.
func (e *Env) Box(x any) (*Proxy, error) {
	g := e.guard()
	defer g.Exit()

	v, err := e.rt.Box(x)
	if err != nil {
		return nil, err
	}
	return e.Wrap(v)
}

// Nothing returns an unnamed proxy for the nothing singleton. It holds no
// table entry.
func (e *Env) Nothing() *Proxy {
	p, _ := e.newProxy(e.rt.Nothing(), Handle{}, refs.None, false)
	return p
}

// Close releases the pins held for cached builtins.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs.Closed() {
		clear(e.builtins)
		return nil
	}
	var first error
	for name, k := range e.builtins {
		if err := e.refs.Free(k); err != nil {
			Logger().Warn("failed to release builtin", zap.String("name", name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
		delete(e.builtins, name)
	}
	return first
}

// freeKey frees k on a cleanup path where the caller already has an error
// to report.
func (e *Env) freeKey(k refs.Key) {
	if err := e.refs.Free(k); err != nil {
		Logger().Warn("failed to release entry", zap.Uint64("key", uint64(k)), zap.Error(err))
	}
}

// release drops an owner record.
func (e *Env) release(h Handle) {
	if !h.IsZero() {
		e.owners.release(h)
	}
}

func (e *Env) closedError() error {
	return errors.New(errors.PhaseProxy, errors.KindInvalidInput).
		Detail("proxy is closed").
		Build()
}
