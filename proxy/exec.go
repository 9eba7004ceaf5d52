package proxy

import (
	"context"

	heapbridge "github.com/wippyai/heap-bridge"
)

// Executor serializes access to a runtime that must not be entered from two
// goroutines at once. Exec runs fn once the caller may use the runtime, or
// returns ctx's error if ctx ends first.
type Executor interface {
	Exec(ctx context.Context, fn func() error) error
}

// gated is a Runtime whose calls run through an Executor. The collector and
// the Main and nothing singletons are read directly.
type gated struct {
	heapbridge.Runtime
	exec Executor
	ctx  context.Context
}

// run executes fn for a call with an error result.
func (g *gated) run(fn func() error) error {
	return g.exec.Exec(g.ctx, fn)
}

// must executes fn for a call that cannot report an error, so a cancelled
// context does not skip it.
func (g *gated) must(fn func()) {
	g.exec.Exec(context.WithoutCancel(g.ctx), func() error {
		fn()
		return nil
	})
}

func (g *gated) Eval(code string, scope heapbridge.Value) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Eval(code, scope)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) Function(scope heapbridge.Value, name string) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Function(scope, name)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) Call(fn heapbridge.Value, args ...heapbridge.Value) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Call(fn, args...)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) Field(x heapbridge.Value, name string) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Field(x, name)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) SetField(x heapbridge.Value, name string, y heapbridge.Value) error {
	return g.run(func() error {
		return g.Runtime.SetField(x, name, y)
	})
}

func (g *gated) Index(x heapbridge.Value, idx ...heapbridge.Value) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Index(x, idx...)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) SetIndex(x heapbridge.Value, y heapbridge.Value, idx ...heapbridge.Value) error {
	return g.run(func() error {
		return g.Runtime.SetIndex(x, y, idx...)
	})
}

func (g *gated) TypeOf(x heapbridge.Value) (t heapbridge.Value) {
	g.must(func() { t = g.Runtime.TypeOf(x) })
	return t
}

func (g *gated) IsSubtype(a, b heapbridge.Value) (ok bool) {
	g.must(func() { ok = g.Runtime.IsSubtype(a, b) })
	return ok
}

func (g *gated) Symbol(name string) (v heapbridge.Value) {
	g.must(func() { v = g.Runtime.Symbol(name) })
	return v
}

func (g *gated) Box(x any) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Box(x)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) Unbox(x heapbridge.Value) (v any, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.Unbox(x)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) DeepCopy(x heapbridge.Value) (v heapbridge.Value, err error) {
	xerr := g.run(func() error {
		v, err = g.Runtime.DeepCopy(x)
		return err
	})
	if err == nil {
		err = xerr
	}
	return v, err
}

func (g *gated) Render(x heapbridge.Value) (s string) {
	g.must(func() { s = g.Runtime.Render(x) })
	return s
}
