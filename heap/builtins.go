package heap

import (
	"hash/fnv"
	"math"
	"strings"
)

func (h *Heap) installBuiltins() {
	def := func(name string, arity int, fn builtinFunc) {
		f := h.newPermanent(KindFunction, h.types.function)
		f.s = name
		f.fn = &function{builtin: fn, arity: arity}
		h.bind(h.base, name, f, true)
	}

	def("length", 1, biLength)
	def("size", 1, biSize)
	def("push", 2, biPush)
	def("keys", 1, biKeys)
	def("haskey", 2, biHaskey)
	def("zeros", -1, biZeros)
	def("fill", -1, biFill)
	def("typeof", 1, func(h *Heap, a []*Object) (*Object, error) { return a[0].typ, nil })
	def("isa", 2, biIsa)
	def("supertype", 1, biSupertype)
	def("nameof", 1, biNameof)
	def("fieldnames", 1, biFieldnames)
	def("ismutabletype", 1, biIsMutableType)
	def("isabstracttype", 1, biIsAbstractType)
	def("names", 1, biNames)
	def("isdefined", 2, biIsDefined)
	def("isconst", 2, biIsConst)
	def("setconst", 3, biSetconst)
	def("parentmodule", 1, biParentModule)
	def("getfield", 2, biGetfield)
	def("setfield", 3, biSetfield)
	def("deepcopy", 1, func(h *Heap, a []*Object) (*Object, error) { return h.deepCopy(a[0]), nil })
	def("error", -1, biError)
	def("string", -1, biString)
	def("hash", 1, func(h *Heap, a []*Object) (*Object, error) { return h.newInt(h.hash(a[0])), nil })
	def("objectid", 1, func(h *Heap, a []*Object) (*Object, error) { return h.newInt(int64(a[0].id)), nil })
	def("gc", 0, func(h *Heap, a []*Object) (*Object, error) {
		// runs at the end of the enclosing operation
		h.pending = true
		return h.nothing, nil
	})
}

func biLength(h *Heap, a []*Object) (*Object, error) {
	x := a[0]
	switch x.kind {
	case KindArray:
		return h.newInt(int64(len(x.elems))), nil
	case KindDict:
		return h.newInt(int64(x.dict.len())), nil
	case KindString:
		return h.newInt(int64(len(x.s))), nil
	}
	return nil, h.noMethod("length", a)
}

func biSize(h *Heap, a []*Object) (*Object, error) {
	x := a[0]
	if x.kind != KindArray {
		return nil, h.noMethod("size", a)
	}
	dims := make([]*Object, len(x.dims))
	for i, d := range x.dims {
		dims[i] = h.newInt(int64(d))
	}
	return h.newArray(dims, nil), nil
}

func biPush(h *Heap, a []*Object) (*Object, error) {
	x := a[0]
	if x.kind != KindArray {
		return nil, h.noMethod("push", a)
	}
	if len(x.dims) != 1 {
		return nil, h.throwf(h.types.argumentError, "push requires a one-dimensional array, got %s", h.describeArray(x))
	}
	x.elems = append(x.elems, a[1])
	x.dims[0] = len(x.elems)
	return x, nil
}

func biKeys(h *Heap, a []*Object) (*Object, error) {
	x := a[0]
	switch x.kind {
	case KindDict:
		keys := make([]*Object, len(x.dict.keys))
		copy(keys, x.dict.keys)
		return h.newArray(keys, nil), nil
	case KindArray:
		keys := make([]*Object, len(x.elems))
		for i := range keys {
			keys[i] = h.newInt(int64(i))
		}
		return h.newArray(keys, nil), nil
	}
	return nil, h.noMethod("keys", a)
}

func biHaskey(h *Heap, a []*Object) (*Object, error) {
	if a[0].kind != KindDict {
		return nil, h.noMethod("haskey", a)
	}
	_, ok := a[0].dict.get(dictKeyOf(a[1]))
	return h.newBool(ok), nil
}

func (h *Heap) dimsOf(name string, a []*Object) ([]int, int, error) {
	if len(a) == 0 {
		return nil, 0, h.noMethod(name, a)
	}
	dims := make([]int, len(a))
	n := 1
	for i, d := range a {
		if d.kind != KindInt || d.i < 0 {
			return nil, 0, h.throwf(h.types.argumentError, "%s: invalid dimension %s", name, h.render(d))
		}
		dims[i] = int(d.i)
		n *= dims[i]
	}
	return dims, n, nil
}

func biZeros(h *Heap, a []*Object) (*Object, error) {
	dims, n, err := h.dimsOf("zeros", a)
	if err != nil {
		return nil, err
	}
	elems := make([]*Object, n)
	for i := range elems {
		elems[i] = h.newFloat(0)
	}
	return h.newArray(elems, dims), nil
}

func biFill(h *Heap, a []*Object) (*Object, error) {
	if len(a) < 2 {
		return nil, h.noMethod("fill", a)
	}
	dims, n, err := h.dimsOf("fill", a[1:])
	if err != nil {
		return nil, err
	}
	elems := make([]*Object, n)
	for i := range elems {
		elems[i] = a[0]
	}
	return h.newArray(elems, dims), nil
}

func biIsa(h *Heap, a []*Object) (*Object, error) {
	if a[1].kind != KindType {
		return nil, h.throwf(h.types.typeError, "isa: expected Type, got %s", a[1].typ.s)
	}
	return h.newBool(isSubtype(a[0].typ, a[1])), nil
}

func biSupertype(h *Heap, a []*Object) (*Object, error) {
	if a[0].kind != KindType {
		return nil, h.noMethod("supertype", a)
	}
	return a[0].tdef.super, nil
}

func biNameof(h *Heap, a []*Object) (*Object, error) {
	switch a[0].kind {
	case KindType, KindModule, KindFunction:
		return h.symbol(a[0].s), nil
	}
	return nil, h.noMethod("nameof", a)
}

func biFieldnames(h *Heap, a []*Object) (*Object, error) {
	t := a[0]
	if t.kind != KindType {
		return nil, h.noMethod("fieldnames", a)
	}
	names := make([]*Object, len(t.tdef.fields))
	for i, f := range t.tdef.fields {
		names[i] = h.symbol(f)
	}
	return h.newArray(names, nil), nil
}

func biIsMutableType(h *Heap, a []*Object) (*Object, error) {
	t := a[0]
	if t.kind != KindType {
		return nil, h.noMethod("ismutabletype", a)
	}
	mutable := t.tdef.mutable || t == h.types.array || t == h.types.dict || t == h.types.module
	return h.newBool(mutable), nil
}

func biIsAbstractType(h *Heap, a []*Object) (*Object, error) {
	if a[0].kind != KindType {
		return nil, h.noMethod("isabstracttype", a)
	}
	return h.newBool(a[0].tdef.abstract), nil
}

func biNames(h *Heap, a []*Object) (*Object, error) {
	m := a[0]
	if m.kind != KindModule {
		return nil, h.noMethod("names", a)
	}
	names := sortedNames(m)
	out := make([]*Object, len(names))
	for i, n := range names {
		out[i] = h.symbol(n)
	}
	return h.newArray(out, nil), nil
}

func (h *Heap) moduleSym(name string, a []*Object) (*Object, string, error) {
	if a[0].kind != KindModule || a[1].kind != KindSymbol {
		return nil, "", h.noMethod(name, a)
	}
	return a[0], a[1].s, nil
}

func biIsDefined(h *Heap, a []*Object) (*Object, error) {
	m, name, err := h.moduleSym("isdefined", a)
	if err != nil {
		return nil, err
	}
	_, ok := m.mod.bindings[name]
	if !ok {
		for _, u := range m.mod.uses {
			if _, ok = u.mod.bindings[name]; ok {
				break
			}
		}
	}
	return h.newBool(ok), nil
}

func biIsConst(h *Heap, a []*Object) (*Object, error) {
	m, name, err := h.moduleSym("isconst", a)
	if err != nil {
		return nil, err
	}
	b, ok := m.mod.bindings[name]
	return h.newBool(ok && b.constant), nil
}

func biSetconst(h *Heap, a []*Object) (*Object, error) {
	m, name, err := h.moduleSym("setconst", a)
	if err != nil {
		return nil, err
	}
	if err := h.defineConst(m, name, a[2]); err != nil {
		return nil, err
	}
	return a[2], nil
}

func biParentModule(h *Heap, a []*Object) (*Object, error) {
	if a[0].kind != KindModule {
		return nil, h.noMethod("parentmodule", a)
	}
	return a[0].mod.parent, nil
}

func biGetfield(h *Heap, a []*Object) (*Object, error) {
	if a[1].kind != KindSymbol {
		return nil, h.noMethod("getfield", a)
	}
	return h.getField(a[0], a[1].s)
}

func biSetfield(h *Heap, a []*Object) (*Object, error) {
	if a[1].kind != KindSymbol {
		return nil, h.noMethod("setfield", a)
	}
	if err := h.setField(a[0], a[1].s, a[2]); err != nil {
		return nil, err
	}
	return a[2], nil
}

func biError(h *Heap, a []*Object) (*Object, error) {
	var b strings.Builder
	for _, x := range a {
		b.WriteString(h.str(x))
	}
	return nil, h.throw(h.types.errorException, h.newString(b.String()))
}

func biString(h *Heap, a []*Object) (*Object, error) {
	if len(a) == 1 && a[0].kind == KindString {
		return a[0], nil
	}
	var b strings.Builder
	for _, x := range a {
		b.WriteString(h.str(x))
	}
	return h.newString(b.String()), nil
}

// hash is consistent with equal for primitives; containers hash by identity.
func (h *Heap) hash(o *Object) int64 {
	f := fnv.New64a()
	switch o.kind {
	case KindInt:
		writeUint(f, uint64(o.i))
	case KindFloat:
		if o.f == math.Trunc(o.f) && math.Abs(o.f) < 1<<63 {
			writeUint(f, uint64(int64(o.f)))
		} else {
			writeUint(f, math.Float64bits(o.f))
		}
	case KindString:
		f.Write([]byte("s:" + o.s))
	case KindSymbol:
		f.Write([]byte(":" + o.s))
	case KindBool:
		if o.b {
			f.Write([]byte("true"))
		} else {
			f.Write([]byte("false"))
		}
	case KindNothing:
		f.Write([]byte("nothing"))
	default:
		f.Write([]byte(o.kind.String()))
		writeUint(f, o.id)
	}
	return int64(f.Sum64())
}

func writeUint(w interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	w.Write(buf[:])
}
