package heap

import (
	"sort"
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
)

// DefaultCollectEvery is the allocation count that triggers an automatic
// collection when no option overrides it.
const DefaultCollectEvery = 4096

// Heap is a managed object heap with its own collector.
// It implements heapbridge.Runtime and heapbridge.Collector.
type Heap struct {
	objects map[uint64]*Object
	symbols map[string]*Object
	roots   map[int]heapbridge.RootSet
	boxers  *registry

	nothing  *Object
	trueObj  *Object
	falseObj *Object
	main     *Object
	base     *Object
	// recently thrown exceptions; each stays alive until released or until
	// MaxThrown later throws overwrite it
	thrown     [MaxThrown]*Object
	thrownNext int
	types      builtinTypes

	stats Stats

	nextID       uint64
	nextRoot     int
	allocs       int
	collectEvery int
	depth        int
	pauses       int

	mu      sync.Mutex
	enabled bool
	pending bool
}

type builtinTypes struct {
	any, number, integer, float, str, boolean, symbol, nothing *Object
	array, dict, module, typ, function                        *Object

	exception, errorException, typeError, undefVarError *Object
	boundsError, keyError, parseError, argumentError   *Object
	methodError, reentrantLock                         *Object
}

// Option configures a Heap at creation time.
type Option func(*config)

type config struct {
	collectEvery int
	enabled      bool
}

func defaultConfig() config {
	return config{
		collectEvery: DefaultCollectEvery,
		enabled:      true,
	}
}

// WithCollectEvery sets the allocation count that triggers an automatic
// collection. 0 disables allocation-triggered collections.
func WithCollectEvery(n int) Option {
	return func(c *config) {
		c.collectEvery = n
	}
}

// WithCollectorEnabled sets the initial user-level collector flag.
func WithCollectorEnabled(on bool) Option {
	return func(c *config) {
		c.enabled = on
	}
}

var _ heapbridge.Runtime = (*Heap)(nil)
var _ heapbridge.Collector = (*Heap)(nil)

// New creates a heap with Base and Main modules.
func New(opts ...Option) *Heap {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Heap{
		objects:      make(map[uint64]*Object),
		symbols:      make(map[string]*Object),
		roots:        make(map[int]heapbridge.RootSet),
		boxers:       newRegistry(),
		collectEvery: cfg.collectEvery,
		enabled:      cfg.enabled,
	}
	h.bootstrap()
	h.allocs = 0
	return h
}

// bootstrap allocates the permanent objects: types, singletons, Base and Main.
func (h *Heap) bootstrap() {
	t := &h.types

	t.typ = h.newPermanent(KindType, nil)
	t.typ.typ = t.typ
	t.typ.s = "Type"
	t.any = h.newType("Any", nil, nil, false, true)
	t.any.tdef.super = t.any
	t.typ.tdef = &typeDef{super: t.any, builtin: true}

	t.number = h.newType("Number", t.any, nil, false, true)
	t.integer = h.builtinType("Int", t.number)
	t.float = h.builtinType("Float", t.number)
	t.str = h.builtinType("String", t.any)
	t.boolean = h.builtinType("Bool", t.any)
	t.symbol = h.builtinType("Symbol", t.any)
	t.nothing = h.builtinType("Nothing", t.any)
	t.array = h.builtinType("Array", t.any)
	t.dict = h.builtinType("Dict", t.any)
	t.module = h.builtinType("Module", t.any)
	t.function = h.builtinType("Function", t.any)

	t.exception = h.newType("Exception", t.any, nil, false, true)
	t.errorException = h.newType("ErrorException", t.exception, []string{"msg"}, false, false)
	t.typeError = h.newType("TypeError", t.exception, []string{"msg"}, false, false)
	t.undefVarError = h.newType("UndefVarError", t.exception, []string{"var"}, false, false)
	t.boundsError = h.newType("BoundsError", t.exception, []string{"msg"}, false, false)
	t.keyError = h.newType("KeyError", t.exception, []string{"key"}, false, false)
	t.parseError = h.newType("ParseError", t.exception, []string{"msg"}, false, false)
	t.argumentError = h.newType("ArgumentError", t.exception, []string{"msg"}, false, false)
	t.methodError = h.newType("MethodError", t.exception, []string{"msg"}, false, false)
	t.reentrantLock = h.newType("ReentrantLock", t.any, []string{"locked", "count"}, true, false)

	h.nothing = h.newPermanent(KindNothing, t.nothing)
	h.trueObj = h.newPermanent(KindBool, t.boolean)
	h.trueObj.b = true
	h.falseObj = h.newPermanent(KindBool, t.boolean)

	h.base = h.newModule("Base", nil)
	h.main = h.newModule("Main", nil)
	h.main.mod.uses = []*Object{h.base}
	h.bind(h.base, "Base", h.base, true)
	h.bind(h.main, "Main", h.main, true)
	h.bind(h.main, "Base", h.base, true)

	for _, ty := range []*Object{
		t.any, t.typ, t.number, t.integer, t.float, t.str, t.boolean, t.symbol,
		t.nothing, t.array, t.dict, t.module, t.function, t.exception,
		t.errorException, t.typeError, t.undefVarError, t.boundsError, t.keyError,
		t.parseError, t.argumentError, t.methodError, t.reentrantLock,
	} {
		h.bind(h.base, ty.s, ty, true)
	}
	h.bind(h.base, "nothing", h.nothing, true)
	h.bind(h.base, "true", h.trueObj, true)
	h.bind(h.base, "false", h.falseObj, true)

	h.installBuiltins()
}

func (h *Heap) newPermanent(kind Kind, typ *Object) *Object {
	o := h.alloc(kind, typ)
	o.permanent = true
	return o
}

func (h *Heap) newType(name string, super *Object, fields []string, mutable, abstract bool) *Object {
	o := h.newPermanent(KindType, h.types.typ)
	o.s = name
	o.tdef = &typeDef{super: super, fields: fields, mutable: mutable, abstract: abstract}
	return o
}

func (h *Heap) builtinType(name string, super *Object) *Object {
	o := h.newType(name, super, nil, false, false)
	o.tdef.builtin = true
	return o
}

func (h *Heap) newModule(name string, parent *Object) *Object {
	o := h.newPermanent(KindModule, h.types.module)
	o.s = name
	o.mod = &module{parent: parent, bindings: make(map[string]*binding)}
	if parent == nil {
		o.mod.parent = o
	}
	return o
}

func (h *Heap) bind(m *Object, name string, v *Object, constant bool) {
	m.mod.bindings[name] = &binding{value: v, constant: constant}
}

// alloc creates an object and registers it for sweeping. Must hold mu.
func (h *Heap) alloc(kind Kind, typ *Object) *Object {
	h.nextID++
	o := &Object{id: h.nextID, kind: kind, typ: typ}
	h.objects[o.id] = o
	h.allocs++
	h.stats.Allocated++
	return o
}

func (h *Heap) newInt(v int64) *Object {
	o := h.alloc(KindInt, h.types.integer)
	o.i = v
	return o
}

func (h *Heap) newFloat(v float64) *Object {
	o := h.alloc(KindFloat, h.types.float)
	o.f = v
	return o
}

func (h *Heap) newString(v string) *Object {
	o := h.alloc(KindString, h.types.str)
	o.s = v
	return o
}

func (h *Heap) newBool(v bool) *Object {
	if v {
		return h.trueObj
	}
	return h.falseObj
}

func (h *Heap) newArray(elems []*Object, dims []int) *Object {
	o := h.alloc(KindArray, h.types.array)
	o.elems = elems
	if dims == nil {
		dims = []int{len(elems)}
	}
	o.dims = dims
	return o
}

func (h *Heap) newDictObject() *Object {
	o := h.alloc(KindDict, h.types.dict)
	o.dict = newDict()
	return o
}

func (h *Heap) newStruct(typ *Object, fields []*Object) *Object {
	o := h.alloc(KindStruct, typ)
	o.elems = fields
	return o
}

// symbol interns name. Must hold mu.
func (h *Heap) symbol(name string) *Object {
	if s, ok := h.symbols[name]; ok {
		return s
	}
	s := h.newPermanent(KindSymbol, h.types.symbol)
	s.s = name
	h.symbols[name] = s
	return s
}

// enter begins an operation. Collections are deferred while any operation is in flight.
func (h *Heap) enter() {
	h.mu.Lock()
	h.depth++
}

// exit ends an operation, collecting if this was the outermost one and a cycle is due.
func (h *Heap) exit() {
	h.depth--
	h.maybeCollectLocked()
	h.mu.Unlock()
}

// obj resolves a Value belonging to this heap. Must hold mu.
func (h *Heap) obj(v heapbridge.Value) (*Object, error) {
	if v == nil {
		return nil, errors.InvalidInput(errors.PhaseEval, "nil value")
	}
	o, ok := v.(*Object)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseEval, nil, typeName(v), "heap object")
	}
	if o.freed {
		return nil, errors.UseAfterFree(o.id)
	}
	if h.objects[o.id] != o {
		return nil, errors.InvalidInput(errors.PhaseEval, "value belongs to another heap")
	}
	return o, nil
}

func (h *Heap) objs(vs []heapbridge.Value) ([]*Object, error) {
	out := make([]*Object, len(vs))
	for i, v := range vs {
		o, err := h.obj(v)
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

// Collector returns the heap itself.
func (h *Heap) Collector() heapbridge.Collector {
	return h
}

// Main returns the top-level module.
func (h *Heap) Main() heapbridge.Value {
	return h.main
}

// Base returns the module holding builtin types and functions.
func (h *Heap) Base() heapbridge.Value {
	return h.base
}

// Nothing returns the nothing singleton.
func (h *Heap) Nothing() heapbridge.Value {
	return h.nothing
}

// Symbol returns the interned symbol for name.
func (h *Heap) Symbol(name string) heapbridge.Value {
	h.enter()
	defer h.exit()
	return h.symbol(name)
}

// Eval parses and evaluates code in scope. A nil scope means Main.
func (h *Heap) Eval(code string, scope heapbridge.Value) (heapbridge.Value, error) {
	prog, perr := parse(code)

	h.enter()
	defer h.exit()

	m := h.main
	if scope != nil {
		o, err := h.obj(scope)
		if err != nil {
			return nil, err
		}
		if o.kind != KindModule {
			return nil, h.throwf(h.types.typeError, "evaluation scope must be a Module, got %s", o.typ.s)
		}
		m = o
	}
	if perr != nil {
		return nil, h.throwf(h.types.parseError, "%s", perr.Error())
	}

	e := &evaluator{h: h, scope: m}
	return e.run(prog)
}

// Function looks up a callable binding in scope. A nil scope means Main.
func (h *Heap) Function(scope heapbridge.Value, name string) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	m := h.main
	if scope != nil {
		o, err := h.obj(scope)
		if err != nil {
			return nil, err
		}
		if o.kind != KindModule {
			return nil, h.throwf(h.types.typeError, "function scope must be a Module, got %s", o.typ.s)
		}
		m = o
	}
	v, err := h.lookup(m, name)
	if err != nil {
		return nil, err
	}
	if !h.callable(v) {
		return nil, h.throwf(h.types.typeError, "%s is not callable", name)
	}
	return v, nil
}

// Call invokes fn with args.
func (h *Heap) Call(fn heapbridge.Value, args ...heapbridge.Value) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	f, err := h.obj(fn)
	if err != nil {
		return nil, err
	}
	as, err := h.objs(args)
	if err != nil {
		return nil, err
	}
	return h.call(f, as)
}

// Field reads a struct field or a module binding.
func (h *Heap) Field(v heapbridge.Value, name string) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return nil, err
	}
	return h.getField(o, name)
}

// SetField writes a struct field or assigns a module binding.
func (h *Heap) SetField(v heapbridge.Value, name string, x heapbridge.Value) error {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return err
	}
	val, err := h.obj(x)
	if err != nil {
		return err
	}
	return h.setField(o, name, val)
}

// Index reads an array element or dict entry.
func (h *Heap) Index(v heapbridge.Value, idx ...heapbridge.Value) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return nil, err
	}
	is, err := h.objs(idx)
	if err != nil {
		return nil, err
	}
	return h.getIndex(o, is)
}

// SetIndex writes an array element or dict entry.
func (h *Heap) SetIndex(v heapbridge.Value, x heapbridge.Value, idx ...heapbridge.Value) error {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return err
	}
	val, err := h.obj(x)
	if err != nil {
		return err
	}
	is, err := h.objs(idx)
	if err != nil {
		return err
	}
	return h.setIndex(o, val, is)
}

// TypeOf returns the type object of v, or nil if v is not a live object of this heap.
func (h *Heap) TypeOf(v heapbridge.Value) heapbridge.Value {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return nil
	}
	return o.typ
}

// IsSubtype reports whether type a is a subtype of type b.
func (h *Heap) IsSubtype(a, b heapbridge.Value) bool {
	h.enter()
	defer h.exit()

	ta, err := h.obj(a)
	if err != nil || ta.kind != KindType {
		return false
	}
	tb, err := h.obj(b)
	if err != nil || tb.kind != KindType {
		return false
	}
	return isSubtype(ta, tb)
}

func isSubtype(a, b *Object) bool {
	for t := a; ; t = t.tdef.super {
		if t == b {
			return true
		}
		if t.tdef.super == nil || t.tdef.super == t {
			return false
		}
	}
}

// Render returns the printed form of v.
func (h *Heap) Render(v heapbridge.Value) string {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return "#<invalid>"
	}
	return h.render(o)
}

// Register binds a host function as name in module m. A nil module means Main.
func (h *Heap) Register(m heapbridge.Value, name string, fn HostFunc) error {
	return h.RegisterAll(m, map[string]HostFunc{name: fn})
}

// RegisterAll binds every function in fns into module m (nil means Main).
// Nothing is bound unless every name can be: a constant binding of any of
// the names fails the whole call.
func (h *Heap) RegisterAll(m heapbridge.Value, fns map[string]HostFunc) error {
	for name, fn := range fns {
		if fn == nil {
			return errors.InvalidInput(errors.PhaseEval, "nil host function "+name)
		}
	}

	h.enter()
	defer h.exit()

	mod := h.main
	if m != nil {
		o, err := h.obj(m)
		if err != nil {
			return err
		}
		if o.kind != KindModule {
			return errors.TypeMismatch(errors.PhaseEval, nil, "module", o.typ.s)
		}
		mod = o
	}
	for name := range fns {
		if b, ok := mod.mod.bindings[name]; ok && b.constant {
			return h.throwf(h.types.errorException, "cannot assign a value to constant %s.%s", mod.s, name)
		}
	}
	for name, fn := range fns {
		f := h.newPermanent(KindFunction, h.types.function)
		f.s = name
		f.fn = &function{host: fn, arity: -1}
		if err := h.assign(mod, name, f, false); err != nil {
			return err
		}
	}
	return nil
}

// DefineModule creates a child module of parent bound under name. A nil parent means Main.
func (h *Heap) DefineModule(parent heapbridge.Value, name string) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	p := h.main
	if parent != nil {
		o, err := h.obj(parent)
		if err != nil {
			return nil, err
		}
		if o.kind != KindModule {
			return nil, errors.TypeMismatch(errors.PhaseEval, []string{name}, "module", o.typ.s)
		}
		p = o
	}
	if b, ok := p.mod.bindings[name]; ok {
		if b.value.kind == KindModule {
			return b.value, nil
		}
		return nil, h.throwf(h.types.errorException, "cannot define module %s: name already bound", name)
	}
	m := h.newModule(name, p)
	m.mod.uses = []*Object{h.base}
	h.bind(m, name, m, true)
	h.bind(p, name, m, true)
	return m, nil
}

// Stats reports collector statistics.
type Stats struct {
	Allocated   uint64
	Freed       uint64
	Collections uint64
	Live        int
}

// Stats returns a snapshot of collector statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Live = len(h.objects)
	return s
}

// Bindings returns the sorted binding names of module m.
func (h *Heap) Bindings(m heapbridge.Value) ([]string, error) {
	h.enter()
	defer h.exit()

	o, err := h.obj(m)
	if err != nil {
		return nil, err
	}
	if o.kind != KindModule {
		return nil, errors.TypeMismatch(errors.PhaseEval, nil, "module", o.typ.s)
	}
	return sortedNames(o), nil
}

func sortedNames(m *Object) []string {
	names := make([]string, 0, len(m.mod.bindings))
	for n := range m.mod.bindings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return sprintType(v)
}
