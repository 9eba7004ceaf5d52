package proxy

import (
	"context"
	"runtime"
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/refs"
	"go.uber.org/zap"
)

// keySet is everything a proxy must release. It is kept apart from Proxy so
// the cleanup registered for an unreachable proxy can reach it.
type keySet struct {
	env    *Env
	owner  Handle
	value  refs.Key
	symbol refs.Key
	mu     sync.Mutex
	closed bool
}

// release frees the proxy's own entries and its owner record, once. Once the
// table is closed its entries are already gone and release only drops the
// owner record.
func (ks *keySet) release() error {
	ks.mu.Lock()
	if ks.closed {
		ks.mu.Unlock()
		return nil
	}
	ks.closed = true
	value, symbol, owner := ks.value, ks.symbol, ks.owner
	ks.value, ks.symbol = refs.None, refs.None
	ks.mu.Unlock()

	if ks.env.refs.Closed() {
		ks.env.release(owner)
		return nil
	}
	err := ks.env.refs.Free(value)
	if serr := ks.env.refs.Free(symbol); err == nil {
		err = serr
	}
	ks.env.release(owner)
	return err
}

// Proxy is a host-side handle to one foreign value.
//
// An unnamed proxy owns one table entry, its value. A named proxy also owns
// the entry for the symbol it is bound to and a record in the owner arena
// linking it to its parent; assignment through a named proxy rebinds the
// foreign path it was reached by.
//
// Proxies are safe for concurrent use, but concurrent Set on proxies naming
// the same binding race in the foreign runtime.
type Proxy struct {
	env        *Env
	keys       *keySet
	cleanup    runtime.Cleanup
	hasCleanup bool
	mutating   bool
	// origin keeps the proxy a view was made from, and with it the cleanup
	// for the shared keys, reachable while the view is in use.
	origin *Proxy
}

func (e *Env) newProxy(v heapbridge.Value, owner Handle, symbol refs.Key, mutating bool) (*Proxy, error) {
	if v == nil {
		return nil, errors.InvalidInput(errors.PhaseProxy, "cannot wrap a nil value")
	}
	key := refs.None
	if v != e.rt.Nothing() {
		k, err := e.refs.Create(v)
		if err != nil {
			return nil, err
		}
		key = k
	}

	ks := &keySet{env: e, owner: owner, value: key, symbol: symbol}
	p := &Proxy{env: e, keys: ks, mutating: mutating}
	if key != refs.None || symbol != refs.None || !owner.IsZero() {
		p.cleanup = runtime.AddCleanup(p, func(ks *keySet) {
			if err := ks.release(); err != nil {
				Logger().Warn("failed to release dropped proxy", zap.Error(err))
			}
		}, ks)
		p.hasCleanup = true
	}
	return p, nil
}

// IsNamed reports whether the proxy is bound to a foreign path.
func (p *Proxy) IsNamed() bool {
	return !p.keys.owner.IsZero()
}

// IsMutating reports whether assignment rebinds the foreign path.
func (p *Proxy) IsMutating() bool {
	return p.mutating
}

// Keys returns the proxy's table keys; symbol is refs.None when unnamed.
func (p *Proxy) Keys() (value, symbol refs.Key) {
	p.keys.mu.Lock()
	defer p.keys.mu.Unlock()
	return p.keys.value, p.keys.symbol
}

// Env returns the environment the proxy belongs to.
func (p *Proxy) Env() *Env {
	return p.env
}

// In returns a view of p whose runtime calls, and those of proxies derived
// from it, run under ctx. The view shares p's pins: closing either closes
// both.
func (p *Proxy) In(ctx context.Context) *Proxy {
	origin := p
	if p.origin != nil {
		origin = p.origin
	}
	return &Proxy{
		env:      p.env.In(ctx),
		keys:     p.keys,
		mutating: p.mutating,
		origin:   origin,
	}
}

// Name returns the access path from the root binding, e.g. "root.a.b[2]".
// Unnamed proxies render as Anonymous.
func (p *Proxy) Name() string {
	return p.env.owners.name(p.keys.owner)
}

// Value returns the pinned foreign value. The value stays pinned only while
// the proxy is open.
func (p *Proxy) Value() (heapbridge.Value, error) {
	defer runtime.KeepAlive(p)
	ks := p.keys
	ks.mu.Lock()
	closed, key := ks.closed, ks.value
	ks.mu.Unlock()
	if closed {
		return nil, p.env.closedError()
	}
	return p.env.refs.Get(key)
}

// Unbox converts the current value to its Go representation.
func (p *Proxy) Unbox() (any, error) {
	g := p.env.guard()
	defer g.Exit()

	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	return p.env.rt.Unbox(v)
}

// String renders the current value.
func (p *Proxy) String() string {
	v, err := p.Value()
	if err != nil {
		return "#<closed proxy>"
	}
	return p.env.rt.Render(v)
}

// Field returns a child proxy for field or binding name.
func (p *Proxy) Field(name string) (*Proxy, error) {
	return p.child(segment{name: name})
}

// Index returns a child proxy for the element at idx.
func (p *Proxy) Index(idx ...any) (*Proxy, error) {
	if len(idx) == 0 {
		return nil, errors.InvalidInput(errors.PhaseProxy, "index requires at least one key")
	}
	return p.child(segment{index: idx, indexed: true})
}

// Get is Field for a string key and Index otherwise.
func (p *Proxy) Get(key any) (*Proxy, error) {
	if name, ok := key.(string); ok {
		return p.Field(name)
	}
	return p.Index(key)
}

func (p *Proxy) child(seg segment) (*Proxy, error) {
	e := p.env
	g := e.guard()
	defer g.Exit()

	parent, err := p.Value()
	if err != nil {
		return nil, err
	}
	v, err := e.access(parent, seg)
	if err != nil {
		return nil, err
	}
	if !p.IsNamed() {
		return e.Wrap(v)
	}

	sym, err := e.symbolFor(seg)
	if err != nil {
		return nil, err
	}
	symKey, err := e.refs.Create(sym)
	if err != nil {
		return nil, err
	}
	owner := e.owners.alloc(record{seg: seg, parent: p.keys.owner})
	c, err := e.newProxy(v, owner, symKey, true)
	if err != nil {
		e.freeKey(symKey)
		e.release(owner)
		return nil, err
	}
	return c, nil
}

// access reads one path step. Must be called under a guard.
func (e *Env) access(v heapbridge.Value, seg segment) (heapbridge.Value, error) {
	if !seg.indexed {
		return e.rt.Field(v, seg.name)
	}
	idx, err := e.boxAll(seg.index)
	if err != nil {
		return nil, err
	}
	return e.rt.Index(v, idx...)
}

// store writes one path step. Must be called under a guard.
func (e *Env) store(container heapbridge.Value, seg segment, x heapbridge.Value) error {
	if !seg.indexed {
		return e.rt.SetField(container, seg.name, x)
	}
	idx, err := e.boxAll(seg.index)
	if err != nil {
		return err
	}
	return e.rt.SetIndex(container, x, idx...)
}

// symbolFor is the foreign value naming a child: a symbol for fields, the
// boxed index otherwise.
func (e *Env) symbolFor(seg segment) (heapbridge.Value, error) {
	if !seg.indexed {
		return e.rt.Symbol(seg.name), nil
	}
	if len(seg.index) == 1 {
		return e.rt.Box(seg.index[0])
	}
	return e.rt.Box(seg.index)
}

// valuer is any proxy, typed or not.
type valuer interface {
	Value() (heapbridge.Value, error)
}

// box converts a host argument; proxies pass their current value through.
// Must be called under a guard.
func (e *Env) box(x any) (heapbridge.Value, error) {
	if pv, ok := x.(valuer); ok {
		return pv.Value()
	}
	return e.rt.Box(x)
}

func (e *Env) boxAll(xs []any) ([]heapbridge.Value, error) {
	out := make([]heapbridge.Value, len(xs))
	for i, x := range xs {
		v, err := e.box(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolve walks recs from their root scope. Must be called under a guard.
func (e *Env) resolve(recs []record) (heapbridge.Value, error) {
	cur := recs[0].scope
	for _, rec := range recs {
		v, err := e.access(cur, rec.seg)
		if err != nil {
			return nil, err
		}
		cur = v
	}
	return cur, nil
}

func (e *Env) brokenChain(name string) error {
	return errors.New(errors.PhaseProxy, errors.KindNotFound).
		Path(name).
		Detail("owner chain is no longer valid").
		Build()
}

// rebind points the proxy's value entry at v. Must be called under a guard.
func (p *Proxy) rebind(v heapbridge.Value) error {
	defer runtime.KeepAlive(p)
	ks := p.keys
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.closed {
		return p.env.closedError()
	}
	nothing := v == p.env.rt.Nothing()
	switch {
	case ks.value == refs.None && nothing:
		return nil
	case ks.value == refs.None:
		k, err := p.env.refs.Create(v)
		if err != nil {
			return err
		}
		ks.value = k
		return nil
	case nothing:
		if err := p.env.refs.Free(ks.value); err != nil {
			return err
		}
		ks.value = refs.None
		return nil
	}
	return p.env.refs.Replace(ks.value, v)
}

// Set assigns x to the proxy.
//
// It first rebinds the proxy's own value. If the proxy is mutating it then
// assigns the new value to the foreign path the proxy names. The two steps
// are not transactional: if the foreign assignment fails (the path no longer
// exists, the binding is constant, the container is immutable) the error is
// returned and the proxy already holds the new value, diverging from the
// foreign binding until Update.
func (p *Proxy) Set(x any) error {
	e := p.env
	g := e.guard()
	defer g.Exit()

	v, err := e.box(x)
	if err != nil {
		return err
	}
	if err := p.rebind(v); err != nil {
		return err
	}
	if !p.mutating {
		return nil
	}

	recs, ok := e.owners.chain(p.keys.owner)
	if !ok || len(recs) == 0 {
		return e.brokenChain(p.Name())
	}
	last := recs[len(recs)-1]
	container := recs[0].scope
	if len(recs) > 1 {
		container, err = e.resolve(recs[:len(recs)-1])
		if err != nil {
			return err
		}
	}
	if err := e.store(container, last.seg, v); err != nil {
		Logger().Debug("foreign assignment failed after local rebind",
			zap.String("path", p.Name()), zap.Error(err))
		return err
	}
	return nil
}

// Update re-reads the foreign path the proxy names and rebinds its value to
// the current binding. It is a no-op for unnamed proxies.
func (p *Proxy) Update() error {
	if !p.IsNamed() {
		return nil
	}
	e := p.env
	g := e.guard()
	defer g.Exit()

	recs, ok := e.owners.chain(p.keys.owner)
	if !ok || len(recs) == 0 {
		return e.brokenChain(p.Name())
	}
	v, err := e.resolve(recs)
	if err != nil {
		return err
	}
	return p.rebind(v)
}

// Detach returns an unnamed proxy holding a deep copy of the current value.
// Writes through the copy never reach the original binding.
func (p *Proxy) Detach() (*Proxy, error) {
	e := p.env
	g := e.guard()
	defer g.Exit()

	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	cp, err := e.rt.DeepCopy(v)
	if err != nil {
		return nil, err
	}
	return e.Wrap(cp)
}

// Call invokes the value as a function with boxed args and wraps the result.
// The collector stays paused for the whole call.
func (p *Proxy) Call(args ...any) (*Proxy, error) {
	e := p.env
	g := e.guard()
	defer g.Exit()

	fn, err := p.Value()
	if err != nil {
		return nil, err
	}
	vals, err := e.boxAll(args)
	if err != nil {
		return nil, err
	}
	res, err := e.rt.Call(fn, vals...)
	if err != nil {
		return nil, err
	}
	return e.Wrap(res)
}

// CallSafe is best-effort Call: a failure is logged and the result is the
// nothing proxy.
func (p *Proxy) CallSafe(args ...any) *Proxy {
	res, err := p.Call(args...)
	if err != nil {
		Logger().Warn("best-effort call failed", zap.String("function", p.Name()), zap.Error(err))
		return p.env.Nothing()
	}
	return res
}

// TypeOf returns the type of the current value.
func (p *Proxy) TypeOf() (*Type, error) {
	e := p.env
	g := e.guard()
	defer g.Exit()

	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	t := e.rt.TypeOf(v)
	if t == nil {
		return nil, errors.InvalidInput(errors.PhaseProxy, "value has no type")
	}
	tp, err := e.Wrap(t)
	if err != nil {
		return nil, err
	}
	return &Type{Proxy: tp}, nil
}

// IsA reports whether the current value is an instance of t.
func (p *Proxy) IsA(t *Type) (bool, error) {
	pt, err := p.TypeOf()
	if err != nil {
		return false, err
	}
	defer pt.Close()
	return pt.IsSubtypeOf(t)
}

// Close releases exactly the entries this proxy created. Ancestors and
// descendants are unaffected. Close is idempotent, and a no-op once the
// table has been closed, which already dropped every entry.
func (p *Proxy) Close() error {
	owner := p
	if p.origin != nil {
		owner = p.origin
	}
	if owner.hasCleanup {
		owner.cleanup.Stop()
	}
	return p.keys.release()
}
