// Package native exposes WebAssembly exports as foreign functions.
//
// A Loader owns one wazero runtime. Load compiles a module, instantiates it
// under a name and registers each export whose parameters and results are
// all numeric as a host function in a runtime module:
//
//	loader := native.NewLoader(ctx, nil)
//	defer loader.Close(ctx)
//	mod, err := loader.Load(ctx, h, nil, "mathlib", wasmBytes)
//	v, err := h.Eval("add(2, 3)", nil)
//
// Arguments are unboxed and converted to the parameter types; a Float passed
// to an integer parameter must be integral. A trap surfaces in the runtime
// as an ErrorException whose cause is the native error.
package native
