package heap

import (
	heapbridge "github.com/wippyai/heap-bridge"
)

// Kind identifies the representation of an object
type Kind uint8

const (
	KindNothing Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSymbol
	KindArray
	KindDict
	KindStruct
	KindModule
	KindType
	KindFunction
)

var kindNames = [...]string{
	KindNothing:  "nothing",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindSymbol:   "symbol",
	KindArray:    "array",
	KindDict:     "dict",
	KindStruct:   "struct",
	KindModule:   "module",
	KindType:     "type",
	KindFunction: "function",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Object is a value allocated in a Heap.
type Object struct {
	typ  *Object
	dict *dict
	mod  *module
	tdef *typeDef
	fn   *function

	s     string
	elems []*Object
	dims  []int

	id uint64
	i  int64
	f  float64

	kind      Kind
	b         bool
	permanent bool
	marked    bool
	freed     bool
}

var _ heapbridge.Value = (*Object)(nil)

// ID returns the object's identity within its heap.
func (o *Object) ID() uint64 {
	return o.id
}

// Kind returns the object's representation kind.
func (o *Object) Kind() Kind {
	return o.kind
}

// Freed reports whether the collector has swept the object.
func (o *Object) Freed() bool {
	return o.freed
}

type typeDef struct {
	super    *Object
	fields   []string
	mutable  bool
	abstract bool
	// builtin types are not constructible from field values
	builtin bool
}

func (t *typeDef) fieldIndex(name string) int {
	for i, f := range t.fields {
		if f == name {
			return i
		}
	}
	return -1
}

type binding struct {
	value    *Object
	constant bool
}

type module struct {
	parent   *Object
	bindings map[string]*binding
	uses     []*Object
}

// HostFunc is a Go function callable from the foreign runtime.
// It runs with the heap unlocked and may call back into it.
type HostFunc func(args []heapbridge.Value) (heapbridge.Value, error)

type builtinFunc func(h *Heap, args []*Object) (*Object, error)

type function struct {
	builtin builtinFunc
	host    HostFunc
	// arity of builtins; -1 for variadic
	arity int
}

type dictKey struct {
	s    string
	i    int64
	f    float64
	kind Kind
	b    bool
}

type dict struct {
	index  map[dictKey]int
	keys   []*Object
	values []*Object
}

func newDict() *dict {
	return &dict{index: make(map[dictKey]int)}
}

func (d *dict) get(k dictKey) (*Object, bool) {
	i, ok := d.index[k]
	if !ok {
		return nil, false
	}
	return d.values[i], true
}

func (d *dict) set(k dictKey, key, value *Object) {
	if i, ok := d.index[k]; ok {
		d.values[i] = value
		return
	}
	d.index[k] = len(d.keys)
	d.keys = append(d.keys, key)
	d.values = append(d.values, value)
}

func (d *dict) len() int {
	return len(d.keys)
}
