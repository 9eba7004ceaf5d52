package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/heap"
	"github.com/wippyai/heap-bridge/proxy"
)

// Host is a struct whose exported methods become functions in a runtime
// module.
type Host interface {
	// Namespace returns the module name, e.g. "Geometry".
	Namespace() string
}

// ExplicitRegistrar lets a host choose the runtime names of its functions
// instead of the snake_case method names.
type ExplicitRegistrar interface {
	Register() map[string]any
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// RegisterHost defines a module named h.Namespace() under Main and binds
// every exported method of h in it. Method names are converted from
// PascalCase to snake_case (AreaOf -> area_of).
func (b *Bridge) RegisterHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "namespace cannot be empty")
	}

	funcs := make(map[string]any)
	if er, ok := h.(ExplicitRegistrar); ok {
		funcs = er.Register()
	} else {
		rv := reflect.ValueOf(h)
		rt := rv.Type()
		for i := 0; i < rt.NumMethod(); i++ {
			method := rt.Method(i)
			if !method.IsExported() || method.Name == "Namespace" {
				continue
			}
			funcs[toSnakeCase(method.Name)] = rv.Method(i).Interface()
		}
	}

	hfs := make(map[string]heap.HostFunc, len(funcs))
	for name, fn := range funcs {
		hf, err := adapt(b.heap, name, fn)
		if err != nil {
			return err
		}
		hfs[name] = hf
	}
	mod, err := b.heap.DefineModule(nil, ns)
	if err != nil {
		return err
	}
	return b.heap.RegisterAll(mod, hfs)
}

// RegisterFunc binds a typed Go function as name in Main.
//
// Arguments are unboxed and converted with proxy.Convert; an optional
// leading context.Context parameter receives context.Background. The
// function may return nothing, a value, an error, or a value and an error.
func (b *Bridge) RegisterFunc(name string, fn any) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "function name cannot be empty")
	}
	hf, err := adapt(b.heap, name, fn)
	if err != nil {
		return err
	}
	return b.heap.Register(nil, name, hf)
}

// adapt wraps a typed Go function as a heap host function.
func adapt(h *heap.Heap, name string, fn any) (heap.HostFunc, error) {
	if hf, ok := fn.(heap.HostFunc); ok {
		return hf, nil
	}
	if hf, ok := fn.(func([]heapbridge.Value) (heapbridge.Value, error)); ok {
		return hf, nil
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(name).
			HostType(fmt.Sprintf("%T", fn)).
			Detail("handler must be a function").
			Build()
	}
	ft := rv.Type()

	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	first := 0
	if withCtx {
		first = 1
	}
	if ft.IsVariadic() {
		return nil, errors.Unsupported(errors.PhaseRuntime, "variadic host function "+name)
	}

	var hasValue, hasErr bool
	switch ft.NumOut() {
	case 0:
	case 1:
		hasErr = ft.Out(0) == errorType
		hasValue = !hasErr
	case 2:
		if ft.Out(1) != errorType {
			return nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
				Path(name).
				HostType(ft.String()).
				Detail("second result must be error").
				Build()
		}
		hasValue, hasErr = true, true
	default:
		return nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(name).
			HostType(ft.String()).
			Detail("too many results").
			Build()
	}

	nargs := ft.NumIn() - first
	return func(args []heapbridge.Value) (heapbridge.Value, error) {
		if len(args) != nargs {
			return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Path(name).
				Detail("expected %d arguments, got %d", nargs, len(args)).
				Build()
		}

		in := make([]reflect.Value, 0, ft.NumIn())
		if withCtx {
			in = append(in, reflect.ValueOf(context.Background()))
		}
		for i, a := range args {
			x, err := h.Unbox(a)
			if err != nil {
				return nil, err
			}
			v, err := proxy.Convert(x, ft.In(first+i))
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}

		out := rv.Call(in)
		if hasErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return nil, e.Interface().(error)
			}
		}
		if !hasValue {
			return h.Nothing(), nil
		}
		return h.Box(out[0].Interface())
	}, nil
}

// toSnakeCase converts PascalCase to snake_case.
// Handles acronyms: GetHTTPURL -> get_http_url
func toSnakeCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsUpper(r) {
			result.WriteRune(r)
			continue
		}

		acronymEnd := i + 1
		for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
			acronymEnd++
		}
		// the last capital before a lowercase letter starts the next word
		if acronymEnd > i+1 && acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
			acronymEnd--
		}

		if i > 0 {
			result.WriteByte('_')
		}
		for j := i; j < acronymEnd; j++ {
			result.WriteRune(unicode.ToLower(runes[j]))
		}
		i = acronymEnd - 1
	}
	return result.String()
}
