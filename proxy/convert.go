package proxy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/wippyai/heap-bridge/errors"
)

// As unboxes the proxy's current value into T.
// Unboxed containers ([]any, map[any]any, field maps) are converted
// element-wise into T's slice, array, map or struct shape.
func As[T any](p *Proxy) (T, error) {
	var zero T
	x, err := p.Unbox()
	if err != nil {
		return zero, err
	}
	if x == nil {
		return zero, nil
	}
	if t, ok := x.(T); ok {
		return t, nil
	}
	rv, err := coerce(x, reflect.TypeOf((*T)(nil)).Elem(), []string{p.Name()})
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

// Convert converts an unboxed value into t using the same rules as As.
func Convert(x any, t reflect.Type) (reflect.Value, error) {
	return coerce(x, t, nil)
}

func coerce(x any, t reflect.Type, path []string) (reflect.Value, error) {
	if x == nil {
		return reflect.Zero(t), nil
	}
	xv := reflect.ValueOf(x)
	xt := xv.Type()

	if xt.AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(xv)
		return out, nil
	}
	if isNumeric(xt.Kind()) && isNumeric(t.Kind()) {
		return xv.Convert(t), nil
	}
	if xt.Kind() == reflect.String && t.Kind() == reflect.String {
		return xv.Convert(t), nil
	}

	mismatch := func() (reflect.Value, error) {
		return reflect.Value{}, errors.TypeMismatch(errors.PhaseConvert, path, t.String(), xt.String())
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		elems, ok := x.([]any)
		if !ok {
			return mismatch()
		}
		var out reflect.Value
		if t.Kind() == reflect.Slice {
			out = reflect.MakeSlice(t, len(elems), len(elems))
		} else {
			if t.Len() != len(elems) {
				return reflect.Value{}, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
					Path(path...).
					HostType(t.String()).
					Detail("array length %d, value has %d elements", t.Len(), len(elems)).
					Build()
			}
			out = reflect.New(t).Elem()
		}
		for i, e := range elems {
			ev, err := coerce(e, t.Elem(), append(path, fmt.Sprintf("[%d]", i)))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case reflect.Map:
		m, ok := x.(map[any]any)
		if !ok {
			return mismatch()
		}
		out := reflect.MakeMapWithSize(t, len(m))
		for k, v := range m {
			kv, err := coerce(k, t.Key(), path)
			if err != nil {
				return reflect.Value{}, err
			}
			vv, err := coerce(v, t.Elem(), append(path, fmt.Sprint(k)))
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kv, vv)
		}
		return out, nil

	case reflect.Struct:
		fields, ok := x.(map[string]any)
		if !ok {
			return mismatch()
		}
		out := reflect.New(t).Elem()
		for name, v := range fields {
			i := structField(t, name)
			if i < 0 {
				continue
			}
			fv, err := coerce(v, t.Field(i).Type, append(path, name))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(fv)
		}
		return out, nil

	case reflect.Pointer:
		ev, err := coerce(x, t.Elem(), path)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(ev)
		return ptr, nil
	}
	return mismatch()
}

func structField(t reflect.Type, name string) int {
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
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
