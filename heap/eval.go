package heap

import (
	"fmt"
	"math"
	"strings"

	heapbridge "github.com/wippyai/heap-bridge"
)

// evaluator walks parsed statements in a module scope. Must hold mu.
type evaluator struct {
	h     *Heap
	scope *Object
}

func (e *evaluator) run(prog []node) (*Object, error) {
	result := e.h.nothing
	for _, stmt := range prog {
		v, err := e.stmt(stmt)
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}

func (e *evaluator) stmt(n node) (*Object, error) {
	switch s := n.(type) {
	case *assignStmt:
		v, err := e.expr(s.value)
		if err != nil {
			return nil, err
		}
		return v, e.assignTo(s.target, v, s.constant)
	case *structDecl:
		return e.declare(s.name, s.super, s.fields, s.mutable, false)
	case *abstractDecl:
		return e.declare(s.name, s.super, nil, false, true)
	}
	return e.expr(n)
}

func (e *evaluator) assignTo(target node, v *Object, constant bool) error {
	h := e.h
	switch t := target.(type) {
	case *ident:
		if constant {
			return h.defineConst(e.scope, t.name, v)
		}
		return h.assign(e.scope, t.name, v, false)
	case *fieldExpr:
		x, err := e.expr(t.x)
		if err != nil {
			return err
		}
		return h.setField(x, t.name, v)
	case *indexExpr:
		x, err := e.expr(t.x)
		if err != nil {
			return err
		}
		idx, err := e.exprs(t.idx)
		if err != nil {
			return err
		}
		return h.setIndex(x, v, idx)
	}
	return h.throwf(h.types.parseError, "invalid assignment target")
}

func (e *evaluator) declare(name, super string, fields []string, mutable, abstract bool) (*Object, error) {
	h := e.h
	sup := h.types.any
	if super != "" {
		s, err := h.lookup(e.scope, super)
		if err != nil {
			return nil, err
		}
		if s.kind != KindType || !s.tdef.abstract {
			return nil, h.throwf(h.types.typeError, "invalid subtyping in definition of %s", name)
		}
		sup = s
	}

	if b, ok := e.scope.mod.bindings[name]; ok {
		old := b.value
		if old.kind == KindType && sameDef(old.tdef, sup, fields, mutable, abstract) {
			return old, nil
		}
		return nil, h.throwf(h.types.errorException, "invalid redefinition of constant %s", name)
	}

	t := h.newType(name, sup, fields, mutable, abstract)
	h.bind(e.scope, name, t, true)
	return t, nil
}

func sameDef(t *typeDef, super *Object, fields []string, mutable, abstract bool) bool {
	if t.super != super || t.mutable != mutable || t.abstract != abstract || len(t.fields) != len(fields) {
		return false
	}
	for i := range fields {
		if t.fields[i] != fields[i] {
			return false
		}
	}
	return true
}

func (e *evaluator) exprs(ns []node) ([]*Object, error) {
	out := make([]*Object, len(ns))
	for i, n := range ns {
		v, err := e.expr(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *evaluator) expr(n node) (*Object, error) {
	h := e.h
	switch x := n.(type) {
	case *intLit:
		return h.newInt(x.v), nil
	case *floatLit:
		return h.newFloat(x.v), nil
	case *stringLit:
		return h.newString(x.v), nil
	case *symbolLit:
		return h.symbol(x.name), nil
	case *ident:
		return h.lookup(e.scope, x.name)
	case *arrayLit:
		elems, err := e.exprs(x.elems)
		if err != nil {
			return nil, err
		}
		return h.newArray(elems, nil), nil
	case *dictLit:
		d := h.newDictObject()
		for i := range x.keys {
			k, err := e.expr(x.keys[i])
			if err != nil {
				return nil, err
			}
			v, err := e.expr(x.values[i])
			if err != nil {
				return nil, err
			}
			d.dict.set(dictKeyOf(k), k, v)
		}
		return d, nil
	case *fieldExpr:
		v, err := e.expr(x.x)
		if err != nil {
			return nil, err
		}
		return h.getField(v, x.name)
	case *indexExpr:
		v, err := e.expr(x.x)
		if err != nil {
			return nil, err
		}
		idx, err := e.exprs(x.idx)
		if err != nil {
			return nil, err
		}
		return h.getIndex(v, idx)
	case *callExpr:
		fn, err := e.expr(x.fn)
		if err != nil {
			return nil, err
		}
		args, err := e.exprs(x.args)
		if err != nil {
			return nil, err
		}
		return h.call(fn, args)
	case *unaryExpr:
		v, err := e.expr(x.x)
		if err != nil {
			return nil, err
		}
		switch v.kind {
		case KindInt:
			return h.newInt(-v.i), nil
		case KindFloat:
			return h.newFloat(-v.f), nil
		}
		return nil, h.noMethod("-", []*Object{v})
	case *binaryExpr:
		l, err := e.expr(x.l)
		if err != nil {
			return nil, err
		}
		r, err := e.expr(x.r)
		if err != nil {
			return nil, err
		}
		return h.binary(x.op, l, r)
	}
	return nil, h.throwf(h.types.parseError, "unsupported expression %T", n)
}

// lookup resolves name in module m, then in the modules m uses.
func (h *Heap) lookup(m *Object, name string) (*Object, error) {
	if b, ok := m.mod.bindings[name]; ok {
		return b.value, nil
	}
	for _, u := range m.mod.uses {
		if b, ok := u.mod.bindings[name]; ok {
			return b.value, nil
		}
	}
	return nil, h.undefVar(name)
}

// assign rebinds name in m. Constant bindings cannot be reassigned.
func (h *Heap) assign(m *Object, name string, v *Object, constant bool) error {
	if b, ok := m.mod.bindings[name]; ok {
		if b.constant {
			return h.throwf(h.types.errorException, "cannot assign a value to constant %s.%s", m.s, name)
		}
		b.value = v
		b.constant = constant
		return nil
	}
	h.bind(m, name, v, constant)
	return nil
}

func (h *Heap) defineConst(m *Object, name string, v *Object) error {
	if b, ok := m.mod.bindings[name]; ok {
		if b.constant && b.value == v {
			return nil
		}
		return h.throwf(h.types.errorException, "cannot declare %s.%s constant; it already has a value", m.s, name)
	}
	h.bind(m, name, v, true)
	return nil
}

func (h *Heap) getField(o *Object, name string) (*Object, error) {
	switch o.kind {
	case KindStruct:
		if i := o.typ.tdef.fieldIndex(name); i >= 0 {
			return o.elems[i], nil
		}
	case KindModule:
		return h.lookup(o, name)
	}
	return nil, h.throwf(h.types.errorException, "type %s has no field %s", o.typ.s, name)
}

func (h *Heap) setField(o *Object, name string, v *Object) error {
	switch o.kind {
	case KindStruct:
		i := o.typ.tdef.fieldIndex(name)
		if i < 0 {
			break
		}
		if !o.typ.tdef.mutable {
			return h.throwf(h.types.errorException, "setfield: immutable struct of type %s cannot be changed", o.typ.s)
		}
		o.elems[i] = v
		return nil
	case KindModule:
		return h.assign(o, name, v, false)
	case KindNothing, KindBool, KindInt, KindFloat, KindString, KindSymbol, KindType:
		return h.throwf(h.types.errorException, "setfield: immutable value of type %s cannot be changed", o.typ.s)
	}
	return h.throwf(h.types.errorException, "type %s has no field %s", o.typ.s, name)
}

// linear converts indices into a flat offset into o.elems.
func (h *Heap) linear(o *Object, idx []*Object) (int, error) {
	ints := make([]int64, len(idx))
	for i, x := range idx {
		if x.kind != KindInt {
			return 0, h.throwf(h.types.argumentError, "invalid index %s of type %s", h.render(x), x.typ.s)
		}
		ints[i] = x.i
	}

	if len(ints) == 1 {
		if ints[0] < 0 || ints[0] >= int64(len(o.elems)) {
			return 0, h.boundsError(o, ints)
		}
		return int(ints[0]), nil
	}
	if len(ints) != len(o.dims) {
		return 0, h.boundsError(o, ints)
	}
	// row-major
	off := 0
	for i, d := range o.dims {
		if ints[i] < 0 || ints[i] >= int64(d) {
			return 0, h.boundsError(o, ints)
		}
		off = off*d + int(ints[i])
	}
	return off, nil
}

func (h *Heap) getIndex(o *Object, idx []*Object) (*Object, error) {
	switch o.kind {
	case KindArray:
		i, err := h.linear(o, idx)
		if err != nil {
			return nil, err
		}
		return o.elems[i], nil
	case KindDict:
		if len(idx) != 1 {
			return nil, h.throwf(h.types.argumentError, "Dict index takes one key, got %d", len(idx))
		}
		v, ok := o.dict.get(dictKeyOf(idx[0]))
		if !ok {
			return nil, h.keyError(idx[0])
		}
		return v, nil
	case KindString:
		if len(idx) == 1 && idx[0].kind == KindInt {
			i := idx[0].i
			if i < 0 || i >= int64(len(o.s)) {
				return nil, h.throwf(h.types.boundsError, "attempt to access %d-codeunit String at index [%d]", len(o.s), i)
			}
			return h.newString(o.s[i : i+1]), nil
		}
	}
	return nil, h.throwf(h.types.typeError, "value of type %s is not indexable", o.typ.s)
}

func (h *Heap) setIndex(o *Object, v *Object, idx []*Object) error {
	switch o.kind {
	case KindArray:
		i, err := h.linear(o, idx)
		if err != nil {
			return err
		}
		o.elems[i] = v
		return nil
	case KindDict:
		if len(idx) != 1 {
			return h.throwf(h.types.argumentError, "Dict index takes one key, got %d", len(idx))
		}
		o.dict.set(dictKeyOf(idx[0]), idx[0], v)
		return nil
	case KindString:
		return h.throwf(h.types.errorException, "setindex: strings are immutable")
	}
	return h.throwf(h.types.typeError, "value of type %s does not support index assignment", o.typ.s)
}

func (h *Heap) callable(o *Object) bool {
	return o.kind == KindFunction || o.kind == KindType
}

// call invokes fn. Host functions run with mu released.
func (h *Heap) call(fn *Object, args []*Object) (*Object, error) {
	switch fn.kind {
	case KindFunction:
		f := fn.fn
		if f.host != nil {
			return h.callHost(fn, args)
		}
		if f.arity >= 0 && len(args) != f.arity {
			return nil, h.noMethod(fn.s, args)
		}
		return f.builtin(h, args)
	case KindType:
		return h.construct(fn, args)
	}
	return nil, h.throwf(h.types.methodError, "objects of type %s are not callable", fn.typ.s)
}

func (h *Heap) callHost(fn *Object, args []*Object) (*Object, error) {
	vals := make([]heapbridge.Value, len(args))
	for i, a := range args {
		vals[i] = a
	}

	h.mu.Unlock()
	out, herr := runHost(fn.fn.host, vals)
	h.mu.Lock()

	if herr != nil {
		return nil, h.hostError(fn.s, herr)
	}
	if out == nil {
		return h.nothing, nil
	}
	o, err := h.obj(out)
	if err != nil {
		return nil, h.throwf(h.types.typeError, "%s returned an invalid value: %s", fn.s, err.Error())
	}
	return o, nil
}

func runHost(fn HostFunc, args []heapbridge.Value) (v heapbridge.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(args)
}

// construct calls a type as a function.
func (h *Heap) construct(t *Object, args []*Object) (*Object, error) {
	td := t.tdef
	if td.abstract {
		return nil, h.throwf(h.types.methodError, "cannot instantiate abstract type %s", t.s)
	}
	if td.builtin {
		return h.convert(t, args)
	}
	if t == h.types.reentrantLock && len(args) == 0 {
		return h.newStruct(t, []*Object{h.falseObj, h.newInt(0)}), nil
	}
	if len(args) != len(td.fields) {
		return nil, h.noMethod(t.s, args)
	}
	fields := make([]*Object, len(args))
	copy(fields, args)
	return h.newStruct(t, fields), nil
}

// convert implements the builtin type constructors.
func (h *Heap) convert(t *Object, args []*Object) (*Object, error) {
	ty := &h.types
	if t == ty.array || t == ty.dict {
		if len(args) != 0 {
			return nil, h.noMethod(t.s, args)
		}
		if t == ty.array {
			return h.newArray(nil, nil), nil
		}
		return h.newDictObject(), nil
	}
	if len(args) != 1 {
		return nil, h.noMethod(t.s, args)
	}
	x := args[0]
	if x.typ == t {
		return x, nil
	}

	switch t {
	case ty.str:
		return h.newString(h.str(x)), nil
	case ty.symbol:
		if x.kind == KindString {
			return h.symbol(x.s), nil
		}
	case ty.integer:
		switch x.kind {
		case KindFloat:
			if x.f != math.Trunc(x.f) || math.IsInf(x.f, 0) || math.IsNaN(x.f) {
				return nil, h.throwf(h.types.errorException, "InexactError: Int(%s)", formatFloat(x.f))
			}
			return h.newInt(int64(x.f)), nil
		case KindBool:
			if x.b {
				return h.newInt(1), nil
			}
			return h.newInt(0), nil
		}
	case ty.float:
		switch x.kind {
		case KindInt:
			return h.newFloat(float64(x.i)), nil
		case KindBool:
			if x.b {
				return h.newFloat(1), nil
			}
			return h.newFloat(0), nil
		}
	case ty.boolean:
		if x.kind == KindInt && (x.i == 0 || x.i == 1) {
			return h.newBool(x.i == 1), nil
		}
	}
	return nil, h.noMethod(t.s, args)
}

func (h *Heap) binary(op tokenType, l, r *Object) (*Object, error) {
	switch op {
	case tokEqual:
		return h.newBool(h.equal(l, r)), nil
	case tokNotEq:
		return h.newBool(!h.equal(l, r)), nil
	case tokSubtype:
		if l.kind == KindType && r.kind == KindType {
			return h.newBool(isSubtype(l, r)), nil
		}
		return nil, h.noMethod("<:", []*Object{l, r})
	case tokLess, tokLessEq, tokGreater, tokGreaterEq:
		c, ok := compare(l, r)
		if !ok {
			return nil, h.noMethod(strings.Trim(op.String(), "'"), []*Object{l, r})
		}
		switch op {
		case tokLess:
			return h.newBool(c < 0), nil
		case tokLessEq:
			return h.newBool(c <= 0), nil
		case tokGreater:
			return h.newBool(c > 0), nil
		}
		return h.newBool(c >= 0), nil
	}

	if op == tokPlus && l.kind == KindString && r.kind == KindString {
		return h.newString(l.s + r.s), nil
	}
	if l.kind == KindInt && r.kind == KindInt {
		switch op {
		case tokPlus:
			return h.newInt(l.i + r.i), nil
		case tokMinus:
			return h.newInt(l.i - r.i), nil
		case tokStar:
			return h.newInt(l.i * r.i), nil
		case tokSlash:
			return h.newFloat(float64(l.i) / float64(r.i)), nil
		}
	}
	a, aok := toFloat(l)
	b, bok := toFloat(r)
	if aok && bok {
		switch op {
		case tokPlus:
			return h.newFloat(a + b), nil
		case tokMinus:
			return h.newFloat(a - b), nil
		case tokStar:
			return h.newFloat(a * b), nil
		case tokSlash:
			return h.newFloat(a / b), nil
		}
	}
	return nil, h.noMethod(strings.Trim(op.String(), "'"), []*Object{l, r})
}

func toFloat(o *Object) (float64, bool) {
	switch o.kind {
	case KindInt:
		return float64(o.i), true
	case KindFloat:
		return o.f, true
	}
	return 0, false
}

func compare(l, r *Object) (int, bool) {
	if l.kind == KindString && r.kind == KindString {
		return strings.Compare(l.s, r.s), true
	}
	if l.kind == KindInt && r.kind == KindInt {
		switch {
		case l.i < r.i:
			return -1, true
		case l.i > r.i:
			return 1, true
		}
		return 0, true
	}
	a, aok := toFloat(l)
	b, bok := toFloat(r)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case a < b:
		return -1, true
	case a > b:
		return 1, true
	}
	return 0, true
}

// equal is value equality: numbers across kinds, strings by content,
// arrays and immutable structs elementwise, everything else by identity.
func (h *Heap) equal(l, r *Object) bool {
	return equalSeen(l, r, make(map[[2]*Object]bool))
}

func equalSeen(l, r *Object, seen map[[2]*Object]bool) bool {
	if l == r {
		return true
	}
	if a, ok := toFloat(l); ok {
		b, ok := toFloat(r)
		return ok && a == b
	}
	if l.kind != r.kind {
		return false
	}
	pair := [2]*Object{l, r}
	if seen[pair] {
		return true
	}
	switch l.kind {
	case KindString:
		return l.s == r.s
	case KindBool:
		return l.b == r.b
	case KindArray:
		seen[pair] = true
		if len(l.elems) != len(r.elems) || len(l.dims) != len(r.dims) {
			return false
		}
		for i := range l.dims {
			if l.dims[i] != r.dims[i] {
				return false
			}
		}
		for i := range l.elems {
			if !equalSeen(l.elems[i], r.elems[i], seen) {
				return false
			}
		}
		return true
	case KindDict:
		seen[pair] = true
		if l.dict.len() != r.dict.len() {
			return false
		}
		for i, k := range l.dict.keys {
			rv, ok := r.dict.get(dictKeyOf(k))
			if !ok || !equalSeen(l.dict.values[i], rv, seen) {
				return false
			}
		}
		return true
	case KindStruct:
		if l.typ != r.typ || l.typ.tdef.mutable {
			return false
		}
		seen[pair] = true
		for i := range l.elems {
			if !equalSeen(l.elems[i], r.elems[i], seen) {
				return false
			}
		}
		return true
	}
	return false
}

// dictKeyOf returns the hash key of o: primitives by value, others by identity.
func dictKeyOf(o *Object) dictKey {
	switch o.kind {
	case KindNothing:
		return dictKey{kind: KindNothing}
	case KindBool:
		return dictKey{kind: KindBool, b: o.b}
	case KindInt:
		return dictKey{kind: KindInt, i: o.i}
	case KindFloat:
		return dictKey{kind: KindFloat, f: o.f}
	case KindString, KindSymbol:
		return dictKey{kind: o.kind, s: o.s}
	}
	return dictKey{kind: o.kind, i: int64(o.id)}
}
