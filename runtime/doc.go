// Package runtime assembles the bridge: one heap runtime, the reference
// table that pins values for the host, the proxy environment, the worker
// pool every runtime call runs on and the native module loader.
//
// # Quick Start
//
//	ctx := context.Background()
//	b, err := runtime.New(ctx, runtime.WithThreads(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	p, err := b.Eval(ctx, "x = [1, 2, 3]")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	var xs []int
//	_ = p.As(&xs)
//
// # Host Functions
//
// Typed Go functions are bound into Main with RegisterFunc; the arguments
// are converted the same way proxy.As converts values:
//
//	b.RegisterFunc("greet", func(name string) string {
//	    return "Hello, " + name
//	})
//
// A Host struct becomes a module whose functions are its exported methods
// in snake_case:
//
//	type Geometry struct{}
//	func (Geometry) Namespace() string { return "Geometry" }
//	func (Geometry) AreaOf(w, h float64) float64 { return w * h }
//
//	b.RegisterHost(Geometry{}) // Geometry.area_of(2, 3)
//
// # Native Modules
//
// LoadNative instantiates a WebAssembly module with wazero and binds its
// numeric exports into Main.
//
// # Process Default
//
// Initialize, Default and Shutdown manage a single process-wide bridge.
// Default fails with a not_initialized error before Initialize.
package runtime
