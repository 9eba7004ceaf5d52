// Package heapbridge embeds a garbage-collected foreign runtime in a Go process
// and exposes its values as proxies that Go code can read, mutate and pass around.
//
// The foreign collector knows nothing about Go-side references, so every value
// the host holds is pinned in a reference table that the collector treats as a
// root set. Proxies own those pins and release exactly the entries they created.
//
// # Architecture Overview
//
//	heapbridge/     Root package with the foreign runtime boundary (Value, Runtime, Collector)
//	├── heap/       Reference foreign runtime: object heap, mark-sweep collector, evaluator
//	├── native/     WebAssembly-backed foreign functions (wazero)
//	├── refs/       Reference table pinning foreign values for host handles
//	├── gc/         Nested collector pause/resume guard
//	├── proxy/      Proxy, Array, Module, Symbol and Type handles
//	├── task/       Worker pool, tasks, futures and a foreign-backed reentrant mutex
//	├── runtime/    Bridge context object tying everything together
//	├── errors/     Structured error types
//	└── cmd/bridge/ Developer CLI (eval, repl)
//
// # Quick Start
//
//	b, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	if _, err := b.Eval(ctx, `x = [1, 2, 3]`); err != nil {
//	    log.Fatal(err)
//	}
//
//	x, _ := b.Get(ctx, "x")     // named, mutating proxy for Main.x
//	defer x.Close()
//
//	el, _ := x.Index(1)         // Main.x[1], 0-based
//	el.Set(42)                  // rebinds Main.x[1] in the foreign runtime
//
// # Thread Safety
//
// The foreign runtime accepts calls from one execution context at a time. Work
// submitted through task.Pool runs while holding the pool's runtime token; other
// goroutines block on Futures instead of touching foreign state. The reference
// table and the task registry are each guarded by one coarse mutex.
package heapbridge
