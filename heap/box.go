package heap

import (
	"reflect"
	"strings"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
)

// userType maps a Go struct type onto a foreign struct type field by field.
type userType struct {
	goType  reflect.Type
	foreign *Object
	// Go field index per foreign field
	fields []int
}

type registry struct {
	byGo      map[reflect.Type]*userType
	byForeign map[*Object]*userType
}

func newRegistry() *registry {
	return &registry{
		byGo:      make(map[reflect.Type]*userType),
		byForeign: make(map[*Object]*userType),
	}
}

// RegisterType maps Go struct type goType onto the foreign struct type typ.
// Each foreign field binds to the Go field tagged `heap:"name"`, or else the
// exported field whose name matches case-insensitively.
func (h *Heap) RegisterType(goType reflect.Type, typ heapbridge.Value) error {
	for goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	if goType.Kind() != reflect.Struct {
		return errors.New(errors.PhaseConvert, errors.KindInvalidInput).
			HostType(goType.String()).
			Detail("only struct types can be registered").
			Build()
	}

	h.enter()
	defer h.exit()

	t, err := h.obj(typ)
	if err != nil {
		return err
	}
	if t.kind != KindType || t.tdef.abstract || t.tdef.builtin {
		return errors.New(errors.PhaseConvert, errors.KindInvalidInput).
			HostType(goType.String()).
			ForeignType(t.typ.s).
			Detail("target must be a concrete struct type").
			Build()
	}

	ut := &userType{goType: goType, foreign: t, fields: make([]int, len(t.tdef.fields))}
	for i, name := range t.tdef.fields {
		idx := fieldFor(goType, name)
		if idx < 0 {
			return errors.New(errors.PhaseConvert, errors.KindNotFound).
				Path(name).
				HostType(goType.String()).
				ForeignType(t.s).
				Detail("no Go field for foreign field").
				Build()
		}
		ut.fields[i] = idx
	}

	h.boxers.byGo[goType] = ut
	h.boxers.byForeign[t] = ut
	return nil
}

func fieldFor(t reflect.Type, name string) int {
	fallback := -1
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, ok := f.Tag.Lookup("heap"); ok {
			if tag == name {
				return i
			}
			continue
		}
		if fallback < 0 && strings.EqualFold(f.Name, name) {
			fallback = i
		}
	}
	return fallback
}

// Box converts a Go value into a new foreign value.
func (h *Heap) Box(x any) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()
	return h.box(x, nil)
}

func (h *Heap) box(x any, path []string) (*Object, error) {
	switch v := x.(type) {
	case nil:
		return h.nothing, nil
	case heapbridge.Value:
		return h.obj(v)
	case heapbridge.Symbol:
		return h.symbol(string(v)), nil
	case bool:
		return h.newBool(v), nil
	case string:
		return h.newString(v), nil
	case int:
		return h.newInt(int64(v)), nil
	case int64:
		return h.newInt(v), nil
	case float64:
		return h.newFloat(v), nil
	}
	return h.boxReflect(reflect.ValueOf(x), path)
}

func (h *Heap) boxReflect(rv reflect.Value, path []string) (*Object, error) {
	if ut, ok := h.boxers.byGo[rv.Type()]; ok {
		fields := make([]*Object, len(ut.fields))
		for i, gi := range ut.fields {
			f, err := h.box(rv.Field(gi).Interface(), append(path, ut.foreign.tdef.fields[i]))
			if err != nil {
				return nil, err
			}
			fields[i] = f
		}
		return h.newStruct(ut.foreign, fields), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return h.newBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return h.newInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return h.newInt(int64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return h.newFloat(rv.Float()), nil
	case reflect.String:
		return h.newString(rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return h.nothing, nil
		}
		return h.box(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return h.newArray(nil, nil), nil
		}
		elems := make([]*Object, rv.Len())
		for i := range elems {
			e, err := h.box(rv.Index(i).Interface(), path)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return h.newArray(elems, nil), nil
	case reflect.Map:
		d := h.newDictObject()
		iter := rv.MapRange()
		for iter.Next() {
			k, err := h.box(iter.Key().Interface(), path)
			if err != nil {
				return nil, err
			}
			v, err := h.box(iter.Value().Interface(), path)
			if err != nil {
				return nil, err
			}
			d.dict.set(dictKeyOf(k), k, v)
		}
		return d, nil
	}
	return nil, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
		Path(path...).
		HostType(rv.Type().String()).
		Detail("no foreign representation").
		Build()
}

// Unbox converts a foreign value into its Go representation.
// Modules, types and functions have none and are returned as *Object.
func (h *Heap) Unbox(v heapbridge.Value) (any, error) {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return nil, err
	}
	return h.unbox(o, make(map[*Object]bool))
}

func (h *Heap) unbox(o *Object, active map[*Object]bool) (any, error) {
	switch o.kind {
	case KindNothing:
		return nil, nil
	case KindBool:
		return o.b, nil
	case KindInt:
		return o.i, nil
	case KindFloat:
		return o.f, nil
	case KindString:
		return o.s, nil
	case KindSymbol:
		return heapbridge.Symbol(o.s), nil
	case KindModule, KindType, KindFunction:
		return o, nil
	}

	if active[o] {
		return nil, errors.New(errors.PhaseConvert, errors.KindUnsupported).
			ForeignType(o.typ.s).
			Detail("cyclic value has no Go representation").
			Build()
	}
	active[o] = true
	defer delete(active, o)

	switch o.kind {
	case KindArray:
		out := make([]any, len(o.elems))
		for i, e := range o.elems {
			x, err := h.unbox(e, active)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case KindDict:
		out := make(map[any]any, o.dict.len())
		for i, k := range o.dict.keys {
			kx, err := h.unbox(k, active)
			if err != nil {
				return nil, err
			}
			if kx != nil && !reflect.TypeOf(kx).Comparable() {
				kx = k
			}
			vx, err := h.unbox(o.dict.values[i], active)
			if err != nil {
				return nil, err
			}
			out[kx] = vx
		}
		return out, nil
	case KindStruct:
		if ut, ok := h.boxers.byForeign[o.typ]; ok {
			return h.unboxUser(o, ut, active)
		}
		out := make(map[string]any, len(o.elems))
		for i, name := range o.typ.tdef.fields {
			x, err := h.unbox(o.elems[i], active)
			if err != nil {
				return nil, err
			}
			out[name] = x
		}
		return out, nil
	}
	return nil, errors.Unsupported(errors.PhaseConvert, "unbox "+o.kind.String())
}

func (h *Heap) unboxUser(o *Object, ut *userType, active map[*Object]bool) (any, error) {
	rv := reflect.New(ut.goType).Elem()
	for i, gi := range ut.fields {
		x, err := h.unbox(o.elems[i], active)
		if err != nil {
			return nil, err
		}
		if x == nil {
			continue
		}
		field := rv.Field(gi)
		xv := reflect.ValueOf(x)
		switch {
		case xv.Type().AssignableTo(field.Type()):
			field.Set(xv)
		case isNumber(xv.Kind()) && isNumber(field.Kind()):
			field.Set(xv.Convert(field.Type()))
		default:
			return nil, errors.TypeMismatch(errors.PhaseConvert,
				[]string{ut.foreign.tdef.fields[i]}, field.Type().String(), o.elems[i].typ.s)
		}
	}
	return rv.Interface(), nil
}

// DeepCopy returns a copy of v sharing no mutable state with it.
// Aliasing inside v is preserved in the copy; identity with outside holders is not.
func (h *Heap) DeepCopy(v heapbridge.Value) (heapbridge.Value, error) {
	h.enter()
	defer h.exit()

	o, err := h.obj(v)
	if err != nil {
		return nil, err
	}
	return h.deepCopy(o), nil
}

func (h *Heap) deepCopy(o *Object) *Object {
	return h.clone(o, make(map[*Object]*Object))
}

func (h *Heap) clone(o *Object, seen map[*Object]*Object) *Object {
	switch o.kind {
	case KindArray, KindDict, KindStruct:
	default:
		// immutable scalars, modules, types and functions are shared
		return o
	}
	if c, ok := seen[o]; ok {
		return c
	}

	c := h.alloc(o.kind, o.typ)
	seen[o] = c
	switch o.kind {
	case KindArray, KindStruct:
		c.dims = append([]int(nil), o.dims...)
		c.elems = make([]*Object, len(o.elems))
		for i, e := range o.elems {
			c.elems[i] = h.clone(e, seen)
		}
	case KindDict:
		c.dict = newDict()
		for i, k := range o.dict.keys {
			ck := h.clone(k, seen)
			c.dict.set(dictKeyOf(ck), ck, h.clone(o.dict.values[i], seen))
		}
	}
	return c
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
