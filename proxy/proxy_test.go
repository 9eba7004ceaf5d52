package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/heap"
	"github.com/wippyai/heap-bridge/refs"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newEnv(t *testing.T, opts ...heap.Option) (*heap.Heap, *Env) {
	t.Helper()
	if len(opts) == 0 {
		opts = []heap.Option{heap.WithCollectEvery(0)}
	}
	h := heap.New(opts...)
	table := refs.New(h)
	env := NewEnv(h, table)
	t.Cleanup(func() {
		env.Close()
		table.Close()
	})
	return h, env
}

func mustEval(t *testing.T, env *Env, code string) *Proxy {
	t.Helper()
	p, err := env.Eval(code)
	if err != nil {
		t.Fatalf("Eval(%q) failed: %v", code, err)
	}
	return p
}

func mustNamed(t *testing.T, env *Env, name string) *Proxy {
	t.Helper()
	p, err := env.Named(name)
	if err != nil {
		t.Fatalf("Named(%q) failed: %v", name, err)
	}
	return p
}

func render(t *testing.T, env *Env, code string) string {
	t.Helper()
	p := mustEval(t, env, code)
	defer p.Close()
	return p.String()
}

func TestUnnamedProxyHoldsOneKey(t *testing.T) {
	_, env := newEnv(t)
	before := env.Refs().Len()

	p := mustEval(t, env, "[1, 2]")
	if got := env.Refs().Len(); got != before+1 {
		t.Fatalf("table has %d entries, want %d", got, before+1)
	}
	if p.IsNamed() || p.IsMutating() {
		t.Fatal("evaluated proxy should be unnamed and non-mutating")
	}
	if p.Name() != Anonymous {
		t.Fatalf("Name() = %q, want %q", p.Name(), Anonymous)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := env.Refs().Len(); got != before {
		t.Fatalf("table has %d entries after Close, want %d", got, before)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNamedProxyHoldsTwoKeys(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "x = [1, 2]").Close()
	before := env.Refs().Len()

	p := mustNamed(t, env, "x")
	if got := env.Refs().Len(); got != before+2 {
		t.Fatalf("table has %d entries, want %d", got, before+2)
	}
	if env.Owners() != 1 {
		t.Fatalf("Owners() = %d, want 1", env.Owners())
	}
	value, symbol := p.Keys()
	if value == refs.None || symbol == refs.None {
		t.Fatalf("named proxy keys = %d, %d", value, symbol)
	}

	p.Close()
	if got := env.Refs().Len(); got != before {
		t.Fatalf("table has %d entries after Close, want %d", got, before)
	}
	if env.Owners() != 0 {
		t.Fatalf("Owners() = %d after Close, want 0", env.Owners())
	}
}

func TestProxyPinsAcrossCollection(t *testing.T) {
	h, env := newEnv(t)

	p := mustEval(t, env, "[1, [2, 3]]")
	h.Collect()
	if got := p.String(); got != "[1, [2, 3]]" {
		t.Fatalf("String() = %s after collection", got)
	}

	v, err := p.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	p.Close()
	h.Collect()
	if _, err := h.Unbox(v); !stderrors.Is(err, errors.ErrUseAfterFree) {
		t.Fatalf("expected use_after_free after Close and collect, got %v", err)
	}
	if _, err := p.Value(); err == nil {
		t.Fatal("Value on a closed proxy succeeded")
	}
}

func TestNamedPath(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, `
mutable struct Outer(a)
mutable struct Inner(b)
root = Outer(Inner([1, 2, 3]))
`).Close()

	root := mustNamed(t, env, "root")
	a, err := root.Field("a")
	if err != nil {
		t.Fatalf("Field(a) failed: %v", err)
	}
	b, err := a.Get("b")
	if err != nil {
		t.Fatalf("Get(b) failed: %v", err)
	}
	c, err := b.Index(2)
	if err != nil {
		t.Fatalf("Index(2) failed: %v", err)
	}

	if got := c.Name(); got != "root.a.b[2]" {
		t.Fatalf("Name() = %q, want root.a.b[2]", got)
	}
	if !c.IsNamed() || !c.IsMutating() {
		t.Fatal("child of a named proxy should be named and mutating")
	}

	// ancestors can be closed; the child's record keeps the chain alive
	root.Close()
	a.Close()
	b.Close()
	if got := c.Name(); got != "root.a.b[2]" {
		t.Fatalf("Name() = %q after closing ancestors", got)
	}

	if err := c.Set(30); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := render(t, env, "root.a.b[2]"); got != "30" {
		t.Fatalf("root.a.b[2] = %s, want 30", got)
	}

	c.Close()
	if env.Owners() != 0 {
		t.Fatalf("Owners() = %d, want 0", env.Owners())
	}
}

func TestIndexNames(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, `d = {"k": {:s: [1, 2]}}`).Close()

	d := mustNamed(t, env, "d")
	defer d.Close()
	k, err := d.Index("k")
	if err != nil {
		t.Fatalf("Index(k) failed: %v", err)
	}
	defer k.Close()
	s, err := k.Get(heapbridge.Symbol("s"))
	if err != nil {
		t.Fatalf("Get(:s) failed: %v", err)
	}
	defer s.Close()

	if got := s.Name(); got != `d["k"][:s]` {
		t.Fatalf("Name() = %q", got)
	}
}

func TestUnnamedChildIsUnnamed(t *testing.T) {
	_, env := newEnv(t)
	p := mustEval(t, env, "[[1, 2], [3]]")
	defer p.Close()

	c, err := p.Index(1)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	defer c.Close()
	if c.IsNamed() {
		t.Fatal("child of an unnamed proxy should be unnamed")
	}
	if err := c.Set(5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if p.String() != "[[1, 2], [3]]" {
		t.Fatalf("unnamed Set reached the container: %s", p.String())
	}
	if c.String() != "5" {
		t.Fatalf("c = %s, want 5", c.String())
	}
}

func TestSetRebindsModuleBinding(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "x = 1").Close()

	p := mustNamed(t, env, "x")
	defer p.Close()
	if err := p.Set("hello"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := render(t, env, "x"); got != `"hello"` {
		t.Fatalf("x = %s", got)
	}

	other := mustEval(t, env, "[7]")
	defer other.Close()
	if err := p.Set(other); err != nil {
		t.Fatalf("Set(proxy) failed: %v", err)
	}
	if got := render(t, env, "x"); got != "[7]" {
		t.Fatalf("x = %s, want [7]", got)
	}
}

func TestSetNothingReleasesValueKey(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "z = [1]").Close()

	p := mustNamed(t, env, "z")
	defer p.Close()
	before := env.Refs().Len()

	if err := p.Set(nil); err != nil {
		t.Fatalf("Set(nil) failed: %v", err)
	}
	if v, _ := p.Keys(); v != refs.None {
		t.Fatalf("value key = %d after Set(nil), want None", v)
	}
	if got := env.Refs().Len(); got != before-1 {
		t.Fatalf("table has %d entries, want %d", got, before-1)
	}
	if p.String() != "nothing" {
		t.Fatalf("String() = %s", p.String())
	}

	if err := p.Set(3); err != nil {
		t.Fatalf("Set(3) failed: %v", err)
	}
	if got := env.Refs().Len(); got != before {
		t.Fatalf("table has %d entries, want %d", got, before)
	}
}

func TestDetachDoesNotPropagate(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "v = [1, 2]").Close()

	p := mustNamed(t, env, "v")
	defer p.Close()
	d, err := p.Detach()
	if err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	defer d.Close()
	if d.IsNamed() {
		t.Fatal("detached proxy should be unnamed")
	}

	arr, err := NewArray(d)
	if err != nil {
		t.Fatalf("NewArray failed: %v", err)
	}
	if err := arr.SetAt(9, 0); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	if got := d.String(); got != "[9, 2]" {
		t.Fatalf("detached copy = %s, want [9, 2]", got)
	}
	if got := render(t, env, "v"); got != "[1, 2]" {
		t.Fatalf("v = %s, want [1, 2]", got)
	}
}

func TestMutatingProxyAliasesContainer(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "v = [1, 2]").Close()

	p := mustNamed(t, env, "v")
	defer p.Close()
	elem, err := p.Index(0)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	defer elem.Close()
	if err := elem.Set(9); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := p.String(); got != "[9, 2]" {
		t.Fatalf("parent proxy sees %s, want [9, 2]", got)
	}
	if got := render(t, env, "v"); got != "[9, 2]" {
		t.Fatalf("v = %s, want [9, 2]", got)
	}
}

func TestUpdateAfterForeignChange(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "n = 1").Close()

	p := mustNamed(t, env, "n")
	defer p.Close()
	mustEval(t, env, "n = 2").Close()

	if got, _ := p.Unbox(); got != int64(1) {
		t.Fatalf("stale proxy = %v, want 1", got)
	}
	if err := p.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got, _ := p.Unbox(); got != int64(2) {
		t.Fatalf("updated proxy = %v, want 2", got)
	}

	u := mustEval(t, env, "5")
	defer u.Close()
	if err := u.Update(); err != nil {
		t.Fatalf("Update on unnamed proxy failed: %v", err)
	}
}

func TestSetConstantKeepsLocalValue(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "const k = 1").Close()

	p := mustNamed(t, env, "k")
	defer p.Close()
	err := p.Set(2)
	if !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("expected foreign exception, got %v", err)
	}
	if got, _ := p.Unbox(); got != int64(2) {
		t.Fatalf("proxy = %v, want the locally applied 2", got)
	}
	if got := render(t, env, "k"); got != "1" {
		t.Fatalf("k = %s, want 1", got)
	}

	if err := p.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got, _ := p.Unbox(); got != int64(1) {
		t.Fatalf("proxy = %v after Update, want 1", got)
	}
}

func TestSetAfterPathRemoved(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, `d = {"a": [1]}`).Close()

	d := mustNamed(t, env, "d")
	a, err := d.Index("a")
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	defer a.Close()
	d.Close()

	mustEval(t, env, `d = {"b": 2}`).Close()
	a0, err := a.Index(0)
	if err != nil {
		t.Fatalf("Index(0) failed: %v", err)
	}
	defer a0.Close()

	err = a0.Set(5)
	if !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("expected KeyError, got %v", err)
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.ForeignType != "KeyError" {
		t.Fatalf("expected KeyError, got %v", err)
	}
}

func TestForeignExceptionForwarded(t *testing.T) {
	_, env := newEnv(t)

	_, err := env.Eval("[1][3]")
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindForeignException || e.ForeignType != "BoundsError" {
		t.Fatalf("expected BoundsError, got %v", err)
	}

	p := mustEval(t, env, "1")
	defer p.Close()
	if _, err := p.Field("x"); !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("expected foreign exception, got %v", err)
	}
	if _, err := p.Index(0); err == nil {
		t.Fatal("indexing an Int succeeded")
	} else if stderrors.As(err, &e) && e.ForeignType != "TypeError" {
		t.Fatalf("expected TypeError, got %v", err)
	}

	n := env.SafeEval("undefined_thing")
	if n.String() != "nothing" {
		t.Fatalf("SafeEval = %s, want nothing", n.String())
	}
}

func TestNothingHoldsNoKey(t *testing.T) {
	_, env := newEnv(t)
	before := env.Refs().Len()

	n := mustEval(t, env, "nothing")
	if v, s := n.Keys(); v != refs.None || s != refs.None {
		t.Fatalf("nothing proxy keys = %d, %d", v, s)
	}
	if env.Refs().Len() != before {
		t.Fatal("nothing proxy created a table entry")
	}
	if x, err := n.Unbox(); err != nil || x != nil {
		t.Fatalf("Unbox = %v, %v", x, err)
	}
	n.Close()
}

func TestCall(t *testing.T) {
	_, env := newEnv(t)

	f := mustNamed(t, env, "length")
	defer f.Close()
	res, err := f.Call([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	defer res.Close()
	if got, _ := res.Unbox(); got != int64(3) {
		t.Fatalf("length = %v, want 3", got)
	}

	arg := mustEval(t, env, `"abcd"`)
	defer arg.Close()
	res2, err := f.Call(arg)
	if err != nil {
		t.Fatalf("Call(proxy) failed: %v", err)
	}
	defer res2.Close()
	if got, _ := res2.Unbox(); got != int64(4) {
		t.Fatalf("length = %v, want 4", got)
	}

	if _, err := f.Call(1, 2); !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("expected MethodError, got %v", err)
	}
	if r := f.CallSafe(1, 2); r.String() != "nothing" {
		t.Fatalf("CallSafe = %s, want nothing", r.String())
	}
}

func TestTypeOfAndIsA(t *testing.T) {
	_, env := newEnv(t)

	p := mustEval(t, env, "1.5")
	defer p.Close()
	typ, err := p.TypeOf()
	if err != nil {
		t.Fatalf("TypeOf failed: %v", err)
	}
	defer typ.Close()
	if name, _ := typ.Name(); name != "Float" {
		t.Fatalf("TypeOf = %s, want Float", name)
	}

	number, err := env.TypeOf("Number")
	if err != nil {
		t.Fatalf("TypeOf(Number) failed: %v", err)
	}
	defer number.Close()
	ok, err := p.IsA(number)
	if err != nil || !ok {
		t.Fatalf("IsA(Number) = %v, %v", ok, err)
	}
	str, _ := env.TypeOf("String")
	defer str.Close()
	if ok, _ := p.IsA(str); ok {
		t.Fatal("1.5 isa String")
	}
}

func TestArrayProxy(t *testing.T) {
	_, env := newEnv(t)

	p := mustEval(t, env, "zeros(2, 3)")
	defer p.Close()
	arr, err := NewArray(p)
	if err != nil {
		t.Fatalf("NewArray failed: %v", err)
	}
	dims, err := arr.Dims()
	if err != nil || !reflect.DeepEqual(dims, []int{2, 3}) {
		t.Fatalf("Dims = %v, %v", dims, err)
	}
	if n, _ := arr.Len(); n != 6 {
		t.Fatalf("Len = %d, want 6", n)
	}
	if err := arr.SetAt(4.0, 1, 2); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	e, err := arr.At(5)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	defer e.Close()
	if got, _ := As[float64](e); got != 4 {
		t.Fatalf("At(5) = %v, want 4", got)
	}
	if err := arr.Push(1); !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("Push on a matrix: expected ArgumentError, got %v", err)
	}

	v := mustEval(t, env, "[10, 20, 30]")
	defer v.Close()
	vec, _ := NewArray(v)
	if err := vec.Push(40); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	var seen []int64
	err = vec.Each(func(i int, elem *Proxy) bool {
		x, _ := As[int64](elem)
		seen = append(seen, x)
		return i < 2
	})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	if !reflect.DeepEqual(seen, []int64{10, 20, 30}) {
		t.Fatalf("Each saw %v", seen)
	}

	i := mustEval(t, env, "1")
	defer i.Close()
	if _, err := NewArray(i); !stderrors.Is(err, errors.ErrTypeMismatch) {
		t.Fatalf("NewArray(Int): expected type mismatch, got %v", err)
	}
}

func TestModuleProxy(t *testing.T) {
	_, env := newEnv(t)

	m, err := env.Main()
	if err != nil {
		t.Fatalf("Main failed: %v", err)
	}
	defer m.Close()

	if err := m.Define("answer", 42); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if ok, _ := m.IsDefined("answer"); !ok {
		t.Fatal("answer is not defined")
	}
	if ok, _ := m.IsDefined("question"); ok {
		t.Fatal("question is defined")
	}
	if err := m.Assign("answer", 43); !stderrors.Is(err, errors.ErrForeignException) {
		t.Fatalf("Assign to constant: expected foreign exception, got %v", err)
	}

	if err := m.Assign("greeting", "hi"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	names, err := m.Names()
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if !contains(names, "answer") || !contains(names, "greeting") {
		t.Fatalf("Names = %v", names)
	}

	g, err := m.Get("greeting")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer g.Close()
	if got, _ := As[string](g); got != "hi" {
		t.Fatalf("greeting = %q", got)
	}
	if err := g.Set("bye"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := render(t, env, "greeting"); got != `"bye"` {
		t.Fatalf("greeting = %s", got)
	}

	r, err := m.Eval("answer + 1")
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	defer r.Close()
	if got, _ := As[int](r); got != 43 {
		t.Fatalf("answer + 1 = %d", got)
	}
	if bad := m.SafeEval("answer +"); bad.String() != "nothing" {
		t.Fatalf("SafeEval = %s", bad.String())
	}

	parent, err := m.Parent()
	if err != nil {
		t.Fatalf("Parent failed: %v", err)
	}
	defer parent.Close()
	if parent.String() != m.String() {
		t.Fatalf("Main's parent = %s", parent.String())
	}
}

func TestSymbolProxy(t *testing.T) {
	_, env := newEnv(t)

	a, err := env.Symbol("abc")
	if err != nil {
		t.Fatalf("Symbol failed: %v", err)
	}
	defer a.Close()
	b, _ := env.Symbol("abc")
	defer b.Close()
	c, _ := env.Symbol("xyz")
	defer c.Close()

	if a.String() != "abc" {
		t.Fatalf("String() = %q", a.String())
	}
	if !a.Equal(b) || a.Equal(c) {
		t.Fatal("symbol equality is wrong")
	}
	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, _ := b.Hash()
	hc, _ := c.Hash()
	if ha != hb || ha == hc {
		t.Fatalf("hashes %d, %d, %d", ha, hb, hc)
	}

	p := mustEval(t, env, ":xyz")
	defer p.Close()
	s, err := NewSymbol(p)
	if err != nil {
		t.Fatalf("NewSymbol failed: %v", err)
	}
	if !s.Equal(c) {
		t.Fatal("evaluated :xyz differs from Symbol(xyz)")
	}
}

func TestTypeProxy(t *testing.T) {
	_, env := newEnv(t)

	p := mustEval(t, env, "mutable struct Pt(x, y); Pt")
	defer p.Close()
	pt, err := NewType(p)
	if err != nil {
		t.Fatalf("NewType failed: %v", err)
	}
	fields, err := pt.FieldNames()
	if err != nil || !reflect.DeepEqual(fields, []string{"x", "y"}) {
		t.Fatalf("FieldNames = %v, %v", fields, err)
	}
	if ok, _ := pt.IsMutable(); !ok {
		t.Fatal("Pt should be mutable")
	}
	if ok, _ := pt.IsAbstract(); ok {
		t.Fatal("Pt should not be abstract")
	}
	if name, _ := pt.Name(); name != "Pt" {
		t.Fatalf("Name = %q", name)
	}

	integer, _ := env.TypeOf("Int")
	defer integer.Close()
	super, err := integer.Super()
	if err != nil {
		t.Fatalf("Super failed: %v", err)
	}
	defer super.Close()
	if name, _ := super.Name(); name != "Number" {
		t.Fatalf("supertype(Int) = %s", name)
	}
	if ok, _ := super.IsAbstract(); !ok {
		t.Fatal("Number should be abstract")
	}
	if ok, _ := integer.IsSubtypeOf(super); !ok {
		t.Fatal("Int <: Number should hold")
	}
	if ok, _ := super.IsSubtypeOf(integer); ok {
		t.Fatal("Number <: Int should not hold")
	}

	if _, err := env.TypeOf("length"); !stderrors.Is(err, errors.ErrTypeMismatch) {
		t.Fatalf("TypeOf(length): expected type mismatch, got %v", err)
	}
}

func TestAs(t *testing.T) {
	_, env := newEnv(t)

	arr := mustEval(t, env, "[1, 2, 3]")
	defer arr.Close()
	ints, err := As[[]int](arr)
	if err != nil || !reflect.DeepEqual(ints, []int{1, 2, 3}) {
		t.Fatalf("As[[]int] = %v, %v", ints, err)
	}
	fixed, err := As[[3]float64](arr)
	if err != nil || fixed != [3]float64{1, 2, 3} {
		t.Fatalf("As[[3]float64] = %v, %v", fixed, err)
	}
	if _, err := As[[2]int](arr); !stderrors.Is(err, errors.ErrTypeMismatch) {
		t.Fatalf("As[[2]int]: expected type mismatch, got %v", err)
	}

	d := mustEval(t, env, `{"a": 1, "b": 2}`)
	defer d.Close()
	m, err := As[map[string]int](d)
	if err != nil || !reflect.DeepEqual(m, map[string]int{"a": 1, "b": 2}) {
		t.Fatalf("As[map] = %v, %v", m, err)
	}

	s := mustEval(t, env, "struct Pair(first, second); Pair(1, [2.5])")
	defer s.Close()
	type pair struct {
		First  int
		Second []float64 `heap:"second"`
	}
	got, err := As[pair](s)
	if err != nil || got.First != 1 || !reflect.DeepEqual(got.Second, []float64{2.5}) {
		t.Fatalf("As[pair] = %+v, %v", got, err)
	}
	ptr, err := As[*pair](s)
	if err != nil || ptr == nil || ptr.First != 1 {
		t.Fatalf("As[*pair] = %+v, %v", ptr, err)
	}

	if _, err := As[string](arr); !stderrors.Is(err, errors.ErrTypeMismatch) {
		t.Fatalf("As[string]: expected type mismatch, got %v", err)
	}
	n := env.Nothing()
	if x, err := As[int](n); err != nil || x != 0 {
		t.Fatalf("As[int](nothing) = %v, %v", x, err)
	}
}

func TestDroppedProxyIsReleased(t *testing.T) {
	_, env := newEnv(t)
	mustEval(t, env, "w = [1]").Close()
	before := env.Refs().Len()

	func() {
		for i := 0; i < 10; i++ {
			if _, err := env.Named("w"); err != nil {
				t.Fatalf("Named failed: %v", err)
			}
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.Refs().Len() != before {
		if time.Now().After(deadline) {
			t.Fatalf("table has %d entries, want %d after dropped proxies are collected",
				env.Refs().Len(), before)
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	for env.Owners() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Owners() = %d", env.Owners())
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentProxies(t *testing.T) {
	h, env := newEnv(t, heap.WithCollectEvery(16))
	mustEval(t, env, "shared = [0]").Close()
	before := env.Refs().Len()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p, err := env.Eval(fmt.Sprintf("[%d, %d]", g, i))
				if err != nil {
					t.Errorf("Eval failed: %v", err)
					return
				}
				n, err := env.Named("shared")
				if err != nil {
					t.Errorf("Named failed: %v", err)
					return
				}
				if got := p.String(); got != fmt.Sprintf("[%d, %d]", g, i) {
					t.Errorf("proxy changed under collection: %s", got)
				}
				p.Close()
				n.Close()
			}
		}(g)
	}
	wg.Wait()

	h.Collect()
	if got := env.Refs().Len(); got != before {
		t.Fatalf("table has %d entries, want %d", got, before)
	}
	if got := render(t, env, "shared"); got != "[0]" {
		t.Fatalf("shared = %s", got)
	}
}

// tokenExec admits one runtime call at a time and records the context each
// call ran under.
type tokenExec struct {
	token chan struct{}
	mu    sync.Mutex
	seen  []any
}

type testKey struct{}

func newTokenExec() *tokenExec {
	return &tokenExec{token: make(chan struct{}, 1)}
}

func (x *tokenExec) Exec(ctx context.Context, fn func() error) error {
	select {
	case x.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-x.token }()
	x.mu.Lock()
	x.seen = append(x.seen, ctx.Value(testKey{}))
	x.mu.Unlock()
	return fn()
}

func (x *tokenExec) lastSeen() any {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.seen) == 0 {
		return nil
	}
	return x.seen[len(x.seen)-1]
}

func newGatedEnv(t *testing.T) (*tokenExec, *Env) {
	t.Helper()
	h := heap.New(heap.WithCollectEvery(0))
	table := refs.New(h)
	x := newTokenExec()
	env := NewEnv(h, table, WithExecutor(x))
	t.Cleanup(func() {
		env.Close()
		table.Close()
	})
	return x, env
}

func TestExecutorGatesRuntimeCalls(t *testing.T) {
	x, env := newGatedEnv(t)
	p := mustEval(t, env, "g = [1, 2, 3]")
	defer p.Close()

	// hold the runtime as a running task would
	x.token <- struct{}{}

	done := make(chan string, 1)
	go func() {
		n, err := env.Named("g")
		if err != nil {
			done <- err.Error()
			return
		}
		defer n.Close()
		done <- n.String()
	}()
	select {
	case got := <-done:
		t.Fatalf("proxy operation ran while the runtime was held: %s", got)
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := env.In(ctx).Eval("1"); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Eval with an expiring context: expected deadline exceeded, got %v", err)
	}

	<-x.token
	select {
	case got := <-done:
		if got != "[1, 2, 3]" {
			t.Fatalf("g = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("proxy operation did not run after the runtime was released")
	}
}

func TestViewContextReachesExecutor(t *testing.T) {
	x, env := newGatedEnv(t)

	ctx := context.WithValue(context.Background(), testKey{}, "env view")
	p, err := env.In(ctx).Eval("v = [10, 20]")
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	defer p.Close()
	if got := x.lastSeen(); got != "env view" {
		t.Fatalf("Eval ran under %v", got)
	}
	if p.Env().Context() != ctx {
		t.Fatal("proxy does not carry the view's context")
	}

	other := context.WithValue(context.Background(), testKey{}, "proxy view")
	c, err := p.In(other).Index(1)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	defer c.Close()
	if got := x.lastSeen(); got != "proxy view" {
		t.Fatalf("Index ran under %v", got)
	}
	if c.String() != "20" {
		t.Fatalf("v[1] = %s", c.String())
	}
	if got := x.lastSeen(); got != "proxy view" {
		t.Fatalf("child inherited %v", got)
	}

	before := env.Refs().Len()
	if err := p.In(other).Close(); err != nil {
		t.Fatalf("closing a view failed: %v", err)
	}
	if got := env.Refs().Len(); got != before-1 {
		t.Fatalf("closing a view left %d entries, want %d", got, before-1)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close after the view closed failed: %v", err)
	}
}

func TestCloseAfterTableClosed(t *testing.T) {
	h := heap.New(heap.WithCollectEvery(0))
	table := refs.New(h)
	env := NewEnv(h, table)
	defer env.Close()

	if _, err := h.Eval("late = [1]", nil); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	named := mustNamed(t, env, "late")
	unnamed := mustEval(t, env, "[2]")
	if env.Owners() != 1 {
		t.Fatalf("Owners() = %d, want 1", env.Owners())
	}

	table.Close()
	for _, p := range []*Proxy{named, unnamed} {
		if err := p.Close(); err != nil {
			t.Fatalf("Close after the table closed: %v", err)
		}
	}
	if env.Owners() != 0 {
		t.Fatalf("Owners() = %d after Close, want 0", env.Owners())
	}
	if _, err := named.Value(); err == nil {
		t.Fatal("Value of a closed proxy succeeded")
	}
}

func TestReleaseFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	_, env := newEnv(t)
	m, err := env.Main()
	if err != nil {
		t.Fatalf("Main failed: %v", err)
	}
	defer m.Close()
	if ok, err := m.IsDefined("Base"); err != nil || !ok {
		t.Fatalf("IsDefined(Base) = %v, %v", ok, err)
	}

	// a pin freed behind the environment's back
	k := env.builtins["isdefined"]
	if err := env.Refs().Free(k); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := env.Close(); !stderrors.Is(err, errors.ErrDanglingKey) {
		t.Fatalf("Close: expected dangling_key, got %v", err)
	}
	if n := logs.FilterMessage("failed to release builtin").Len(); n != 1 {
		t.Fatalf("logged %d release failures, want 1", n)
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
