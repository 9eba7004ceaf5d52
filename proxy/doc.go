// Package proxy provides host-side handles to foreign values.
//
// A Proxy pins its value in a refs.Table for as long as it is open and
// releases exactly what it pinned on Close, or when the garbage collector
// finds the proxy unreachable.
//
//	env := proxy.NewEnv(rt, table)
//	root, _ := env.Named("root")      // named: assignment rebinds Main.root
//	b, _ := root.Field("a")
//	c, _ := b.Index(2)
//	c.Name()                          // "root.a[2]"
//	c.Set(10)                         // root.a[2] = 10 in the runtime
//
// # Named and unnamed proxies
//
// An unnamed proxy holds one table entry. A named proxy holds two, its value
// and the symbol or index it was reached by, plus an owner record that links
// it to its parent. Children of named proxies are named. The owner records
// form a chain back to a module binding; Set walks that chain to find the
// container to assign into.
//
// Owner records are generation-stamped. When the chain is broken because an
// ancestor record was released, Name prefixes the path with Anonymous and
// Set on a mutating proxy fails with a not_found error.
//
// # Typed proxies
//
// Array, Module, Symbol and Type wrap a Proxy after checking the value's
// foreign type, and add the operations that only make sense for that type.
//
// # Executors
//
// An Env created WithExecutor sends every runtime call through the executor,
// which lets at most one caller into the runtime at a time. Calls run under
// the Env's context; Env.In and Proxy.In return views bound to another one.
// Inside a task, use views of the task's context.
//
// # Conversion
//
// As[T] unboxes a proxy and converts the result into T.
package proxy
