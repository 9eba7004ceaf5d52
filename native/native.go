package native

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/heap"
)

// Registrar is a runtime that accepts host functions.
type Registrar interface {
	heapbridge.Runtime
	RegisterAll(m heapbridge.Value, fns map[string]heap.HostFunc) error
}

// Config holds configuration for a Loader.
type Config struct {
	// MemoryLimitPages caps the memory of each module in 64KiB pages.
	// 0 means the wazero default.
	MemoryLimitPages uint32
}

// Loader compiles and instantiates WebAssembly modules whose exports become
// foreign functions. All modules share one wazero runtime.
type Loader struct {
	runtime wazero.Runtime
	modules map[string]*Module
	mu      sync.Mutex
}

// NewLoader creates a loader with its own wazero runtime.
func NewLoader(ctx context.Context, cfg *Config) *Loader {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Loader{
		runtime: wazero.NewRuntimeWithConfig(ctx, rtCfg),
		modules: make(map[string]*Module),
	}
}

// Module is an instantiated WebAssembly module.
type Module struct {
	inst    api.Module
	ctx     context.Context
	name    string
	exports []string
	// wazero functions are not safe for concurrent calls
	mu sync.Mutex
}

// Name returns the instance name.
func (m *Module) Name() string {
	return m.name
}

// Exports returns the names bound as foreign functions, sorted.
func (m *Module) Exports() []string {
	return append([]string(nil), m.exports...)
}

// Load instantiates wasm as name and binds every exported function with an
// all-numeric signature into scope (nil means Main). i32 and i64 map to Int,
// f32 and f64 to Float. A function with no results returns nothing; one with
// several returns an Array.
//
// ctx is used for every later call into the module.
func (l *Loader) Load(ctx context.Context, rt Registrar, scope heapbridge.Value, name string, wasm []byte) (*Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.modules[name]; ok {
		return nil, errors.New(errors.PhaseNative, errors.KindInvalidInput).
			Path(name).
			Detail("module already loaded").
			Build()
	}

	compiled, err := l.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseNative, errors.KindInvalidInput, err, "compile module")
	}
	inst, err := l.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		compiled.Close(ctx)
		return nil, errors.Wrap(errors.PhaseNative, errors.KindInvalidInput, err, "instantiate module")
	}

	m := &Module{inst: inst, ctx: ctx, name: name}
	defs := compiled.ExportedFunctions()
	fns := make(map[string]heap.HostFunc, len(defs))
	for export, def := range defs {
		if !numeric(def.ParamTypes()) || !numeric(def.ResultTypes()) {
			Logger().Debug("skipping non-numeric export",
				zap.String("module", name), zap.String("export", export))
			continue
		}
		fns[export] = m.hostFunc(rt, export, inst.ExportedFunction(export))
		m.exports = append(m.exports, export)
	}
	sort.Strings(m.exports)

	// all or nothing, so a failed load leaves no function bound to the
	// closed instance
	if err := rt.RegisterAll(scope, fns); err != nil {
		inst.Close(ctx)
		return nil, err
	}

	l.modules[name] = m
	Logger().Debug("native module loaded",
		zap.String("module", name), zap.Strings("exports", m.exports))
	return m, nil
}

// Close releases every module and the wazero runtime.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules = make(map[string]*Module)
	return l.runtime.Close(ctx)
}

func numeric(types []api.ValueType) bool {
	for _, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return false
		}
	}
	return true
}

func (m *Module) hostFunc(rt Registrar, export string, fn api.Function) heap.HostFunc {
	def := fn.Definition()
	params, results := def.ParamTypes(), def.ResultTypes()
	path := m.name + "." + export

	return func(args []heapbridge.Value) (heapbridge.Value, error) {
		if len(args) != len(params) {
			return nil, errors.New(errors.PhaseNative, errors.KindInvalidInput).
				Path(path).
				Detail("expected %d arguments, got %d", len(params), len(args)).
				Build()
		}
		stack := make([]uint64, len(params))
		for i, a := range args {
			x, err := rt.Unbox(a)
			if err != nil {
				return nil, err
			}
			w, err := encode(params[i], x)
			if err != nil {
				return nil, errors.New(errors.PhaseNative, errors.KindTypeMismatch).
					Path(path, fmt.Sprintf("[%d]", i)).
					HostType(api.ValueTypeName(params[i])).
					Cause(err).
					Build()
			}
			stack[i] = w
		}

		m.mu.Lock()
		out, err := fn.Call(m.ctx, stack...)
		m.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(errors.PhaseNative, errors.KindForeignException, err, "wasm call "+path)
		}

		switch len(results) {
		case 0:
			return rt.Nothing(), nil
		case 1:
			return rt.Box(decode(results[0], out[0]))
		}
		vals := make([]any, len(results))
		for i, t := range results {
			vals[i] = decode(t, out[i])
		}
		return rt.Box(vals)
	}
}

// encode converts an unboxed argument to a wasm value of type t. Integers
// must fit the parameter's width. f32 parameters take the nearest float32,
// so precision beyond 24 bits is lost, but a finite value outside the
// float32 range is rejected.
func encode(t api.ValueType, x any) (uint64, error) {
	var i int64
	var f float64
	switch v := x.(type) {
	case int64:
		i, f = v, float64(v)
	case float64:
		if t == api.ValueTypeI32 || t == api.ValueTypeI64 {
			if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
				return 0, fmt.Errorf("%v is not a 64-bit integer", v)
			}
		}
		i, f = int64(v), v
	case bool:
		if v {
			i, f = 1, 1
		}
	default:
		return 0, fmt.Errorf("cannot pass %T", x)
	}

	switch t {
	case api.ValueTypeI32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, fmt.Errorf("%d overflows i32", i)
		}
		return api.EncodeI32(int32(i)), nil
	case api.ValueTypeI64:
		return api.EncodeI64(i), nil
	case api.ValueTypeF32:
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return 0, fmt.Errorf("%v overflows f32", f)
		}
		return api.EncodeF32(float32(f)), nil
	default:
		return api.EncodeF64(f), nil
	}
}

func decode(t api.ValueType, w uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(w))
	case api.ValueTypeI64:
		return int64(w)
	case api.ValueTypeF32:
		return float64(api.DecodeF32(w))
	default:
		return api.DecodeF64(w)
	}
}
