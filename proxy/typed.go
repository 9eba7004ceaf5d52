package proxy

import (
	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"go.uber.org/zap"
)

// assertType checks that p's value is an instance of the Base type typeName.
func (e *Env) assertType(p *Proxy, typeName string) error {
	g := e.guard()
	defer g.Exit()

	v, err := p.Value()
	if err != nil {
		return err
	}
	want, err := e.builtin(typeName)
	if err != nil {
		return err
	}
	got := e.rt.TypeOf(v)
	if got == nil || !e.rt.IsSubtype(got, want) {
		foreign := "unknown"
		if got != nil {
			foreign = e.rt.Render(got)
		}
		return errors.TypeMismatch(errors.PhaseProxy, []string{p.Name()}, typeName, foreign)
	}
	return nil
}

// wrapResult pins the result of a Base call. Must be called under a guard.
func (e *Env) wrapResult(name string, args ...heapbridge.Value) (*Proxy, error) {
	res, err := e.callBuiltin(name, args...)
	if err != nil {
		return nil, err
	}
	return e.Wrap(res)
}

func toInt(x any) int {
	switch v := x.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func toStrings(x any) []string {
	items, _ := x.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case heapbridge.Symbol:
			out = append(out, string(v))
		case string:
			out = append(out, v)
		}
	}
	return out
}

// Array is a proxy whose value is an array.
type Array struct {
	*Proxy
}

// NewArray asserts that p holds an array. The Array shares p's keys.
func NewArray(p *Proxy) (*Array, error) {
	if err := p.env.assertType(p, "Array"); err != nil {
		return nil, err
	}
	return &Array{Proxy: p}, nil
}

// Len returns the number of elements.
func (a *Array) Len() (int, error) {
	v, err := a.Value()
	if err != nil {
		return 0, err
	}
	n, err := a.env.unboxBuiltin("length", v)
	return toInt(n), err
}

// Dims returns the array's dimensions.
func (a *Array) Dims() ([]int, error) {
	v, err := a.Value()
	if err != nil {
		return nil, err
	}
	x, err := a.env.unboxBuiltin("size", v)
	if err != nil {
		return nil, err
	}
	items, _ := x.([]any)
	dims := make([]int, len(items))
	for i, d := range items {
		dims[i] = toInt(d)
	}
	return dims, nil
}

// At returns a child proxy for the element at idx. The child is named when
// the array is.
func (a *Array) At(idx ...int) (*Proxy, error) {
	keys := make([]any, len(idx))
	for i, x := range idx {
		keys[i] = x
	}
	return a.Index(keys...)
}

// SetAt stores x at idx in the array the proxy currently holds.
func (a *Array) SetAt(x any, idx ...int) error {
	e := a.env
	g := e.guard()
	defer g.Exit()

	v, err := a.Value()
	if err != nil {
		return err
	}
	val, err := e.box(x)
	if err != nil {
		return err
	}
	keys := make([]heapbridge.Value, len(idx))
	for i, n := range idx {
		if keys[i], err = e.rt.Box(n); err != nil {
			return err
		}
	}
	return e.rt.SetIndex(v, val, keys...)
}

// Push appends x to a one-dimensional array.
func (a *Array) Push(x any) error {
	e := a.env
	g := e.guard()
	defer g.Exit()

	v, err := a.Value()
	if err != nil {
		return err
	}
	val, err := e.box(x)
	if err != nil {
		return err
	}
	_, err = e.callBuiltin("push", v, val)
	return err
}

// Each calls fn for every element in order until fn returns false. The
// element proxy is closed when fn returns.
func (a *Array) Each(fn func(i int, elem *Proxy) bool) error {
	n, err := a.Len()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		elem, err := a.At(i)
		if err != nil {
			return err
		}
		more := fn(i, elem)
		elem.Close()
		if !more {
			return nil
		}
	}
	return nil
}

// Module is a proxy whose value is a module.
type Module struct {
	*Proxy
}

// NewModule asserts that p holds a module.
func NewModule(p *Proxy) (*Module, error) {
	if err := p.env.assertType(p, "Module"); err != nil {
		return nil, err
	}
	return &Module{Proxy: p}, nil
}

// Main returns a proxy for the top-level module.
func (e *Env) Main() (*Module, error) {
	p, err := e.Wrap(e.rt.Main())
	if err != nil {
		return nil, err
	}
	return &Module{Proxy: p}, nil
}

// Eval evaluates code in the module.
func (m *Module) Eval(code string) (*Proxy, error) {
	v, err := m.Value()
	if err != nil {
		return nil, err
	}
	return m.env.EvalIn(v, code)
}

// SafeEval is best-effort Eval: a failure is logged and the result is the
// nothing proxy.
func (m *Module) SafeEval(code string) *Proxy {
	p, err := m.Eval(code)
	if err != nil {
		Logger().Warn("best-effort evaluation failed",
			zap.String("module", m.String()), zap.String("code", code), zap.Error(err))
		return m.env.Nothing()
	}
	return p
}

// Get returns a named proxy for binding name. Assignment through it rebinds
// name in this module.
func (m *Module) Get(name string) (*Proxy, error) {
	v, err := m.Value()
	if err != nil {
		return nil, err
	}
	return m.env.NamedIn(v, name)
}

// Assign binds name to x in the module.
func (m *Module) Assign(name string, x any) error {
	e := m.env
	g := e.guard()
	defer g.Exit()

	v, err := m.Value()
	if err != nil {
		return err
	}
	val, err := e.box(x)
	if err != nil {
		return err
	}
	return e.rt.SetField(v, name, val)
}

// Define binds name to x as a constant.
func (m *Module) Define(name string, x any) error {
	e := m.env
	g := e.guard()
	defer g.Exit()

	v, err := m.Value()
	if err != nil {
		return err
	}
	val, err := e.box(x)
	if err != nil {
		return err
	}
	_, err = e.callBuiltin("setconst", v, e.rt.Symbol(name), val)
	return err
}

// IsDefined reports whether name resolves in the module.
func (m *Module) IsDefined(name string) (bool, error) {
	v, err := m.Value()
	if err != nil {
		return false, err
	}
	x, err := m.env.unboxBuiltin("isdefined", v, m.env.rt.Symbol(name))
	b, _ := x.(bool)
	return b, err
}

// Names returns the module's own binding names, sorted.
func (m *Module) Names() ([]string, error) {
	v, err := m.Value()
	if err != nil {
		return nil, err
	}
	x, err := m.env.unboxBuiltin("names", v)
	if err != nil {
		return nil, err
	}
	return toStrings(x), nil
}

// Parent returns the enclosing module. Main is its own parent.
func (m *Module) Parent() (*Module, error) {
	e := m.env
	g := e.guard()
	defer g.Exit()

	v, err := m.Value()
	if err != nil {
		return nil, err
	}
	p, err := e.wrapResult("parentmodule", v)
	if err != nil {
		return nil, err
	}
	return &Module{Proxy: p}, nil
}

// Symbol is a proxy whose value is an interned symbol.
type Symbol struct {
	*Proxy
}

// NewSymbol asserts that p holds a symbol.
func NewSymbol(p *Proxy) (*Symbol, error) {
	if err := p.env.assertType(p, "Symbol"); err != nil {
		return nil, err
	}
	return &Symbol{Proxy: p}, nil
}

// Symbol returns a proxy for the symbol name.
func (e *Env) Symbol(name string) (*Symbol, error) {
	g := e.guard()
	defer g.Exit()

	p, err := e.Wrap(e.rt.Symbol(name))
	if err != nil {
		return nil, err
	}
	return &Symbol{Proxy: p}, nil
}

// String returns the symbol's name.
func (s *Symbol) String() string {
	x, err := s.Unbox()
	if err != nil {
		return Anonymous
	}
	sym, _ := x.(heapbridge.Symbol)
	return string(sym)
}

// Hash returns the runtime's hash of the symbol.
func (s *Symbol) Hash() (uint64, error) {
	v, err := s.Value()
	if err != nil {
		return 0, err
	}
	x, err := s.env.unboxBuiltin("hash", v)
	if err != nil {
		return 0, err
	}
	n, _ := x.(int64)
	return uint64(n), nil
}

// Equal reports whether both proxies hold the same symbol.
func (s *Symbol) Equal(other *Symbol) bool {
	a, err := s.Value()
	if err != nil {
		return false
	}
	b, err := other.Value()
	if err != nil {
		return false
	}
	return a == b
}

// Type is a proxy whose value is a type.
type Type struct {
	*Proxy
}

// NewType asserts that p holds a type.
func NewType(p *Proxy) (*Type, error) {
	if err := p.env.assertType(p, "Type"); err != nil {
		return nil, err
	}
	return &Type{Proxy: p}, nil
}

// TypeOf returns a proxy for the Base type name, e.g. "Int" or "Exception".
func (e *Env) TypeOf(name string) (*Type, error) {
	g := e.guard()
	defer g.Exit()

	t, err := e.builtin(name)
	if err != nil {
		return nil, err
	}
	p, err := e.Wrap(t)
	if err != nil {
		return nil, err
	}
	typ, err := NewType(p)
	if err != nil {
		p.Close()
		return nil, err
	}
	return typ, nil
}

// Name returns the type's name.
func (t *Type) Name() (string, error) {
	v, err := t.Value()
	if err != nil {
		return "", err
	}
	x, err := t.env.unboxBuiltin("nameof", v)
	sym, _ := x.(heapbridge.Symbol)
	return string(sym), err
}

// Super returns the supertype. The root type is its own supertype.
func (t *Type) Super() (*Type, error) {
	e := t.env
	g := e.guard()
	defer g.Exit()

	v, err := t.Value()
	if err != nil {
		return nil, err
	}
	p, err := e.wrapResult("supertype", v)
	if err != nil {
		return nil, err
	}
	return &Type{Proxy: p}, nil
}

// IsSubtypeOf reports whether t is other or one of its subtypes.
func (t *Type) IsSubtypeOf(other *Type) (bool, error) {
	a, err := t.Value()
	if err != nil {
		return false, err
	}
	b, err := other.Value()
	if err != nil {
		return false, err
	}
	return t.env.rt.IsSubtype(a, b), nil
}

// FieldNames returns the names of the type's fields in declaration order.
func (t *Type) FieldNames() ([]string, error) {
	v, err := t.Value()
	if err != nil {
		return nil, err
	}
	x, err := t.env.unboxBuiltin("fieldnames", v)
	if err != nil {
		return nil, err
	}
	return toStrings(x), nil
}

// IsMutable reports whether instances of the type can be changed in place.
func (t *Type) IsMutable() (bool, error) {
	v, err := t.Value()
	if err != nil {
		return false, err
	}
	x, err := t.env.unboxBuiltin("ismutabletype", v)
	b, _ := x.(bool)
	return b, err
}

// IsAbstract reports whether the type cannot be instantiated.
func (t *Type) IsAbstract() (bool, error) {
	v, err := t.Value()
	if err != nil {
		return false, err
	}
	x, err := t.env.unboxBuiltin("isabstracttype", v)
	b, _ := x.(bool)
	return b, err
}
