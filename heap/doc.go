// Package heap is the reference foreign runtime for the bridge.
//
// A Heap owns every object it allocates and reclaims unreachable ones with a
// stop-the-world mark-sweep collector. Reachability starts at module bindings,
// permanent objects (types, symbols, modules, singletons) and every RootSet
// registered through AddRoots. Objects held only by Go variables are NOT roots:
// once swept they are poisoned and any later use fails with use_after_free.
//
// # Collection points
//
// Collections never run in the middle of an operation. Every public method is
// an operation; when the outermost one in flight returns, the heap collects if
// the collector is enabled and either Collect was requested or CollectEvery
// allocations happened since the last cycle. This leaves exactly one unsafe
// window for callers: between receiving a result and pinning it. Pause the
// collector around that window (see package gc).
//
// # Language
//
// Eval understands a small expression language:
//
//	x = [1, 2, 3]                 # array literal, 0-based indexing
//	d = {"a": 1, :b: 2}           # dict literal
//	const limit = 10              # constant binding
//	struct Point(x, y)            # immutable struct
//	mutable struct Box(value) <: Container
//	abstract type Container
//	p = Point(1, 2.5); p.x + 1    # statements separated by ';' or newline
//	push(x, 4); length(x)         # builtins live in Base
//
// Errors raised while evaluating are exception objects (TypeError, BoundsError,
// UndefVarError, KeyError, ErrorException, ...) returned as *errors.Error with
// KindForeignException; errors.ForeignValue recovers the object.
//
// # Host functions
//
// Register binds a Go function into a module. Host functions run with the
// heap unlocked and may call back into the heap.
package heap
