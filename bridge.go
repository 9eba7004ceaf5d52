package heapbridge

// Value is an opaque reference to an object living in the foreign heap.
// A Value held only by Go code is invisible to the foreign collector; it must
// be pinned in a reference table (or be otherwise reachable) to survive a cycle.
type Value interface {
	// ID identifies the object for its lifetime in the heap.
	ID() uint64
}

// Symbol is the host-side form of a foreign symbol (an interned identifier).
type Symbol string

// RootSet is consulted by the collector during marking.
type RootSet interface {
	EachRoot(fn func(Value) bool)
}

// Collector exposes the foreign garbage collector controls.
type Collector interface {
	// Enabled reports whether a collection may run right now.
	Enabled() bool

	// SetEnabled switches the user-level collector flag and returns the previous value.
	SetEnabled(on bool) bool

	// Pause suspends collection until the matching Unpause. Pauses nest.
	Pause()

	// Unpause ends one Pause. Unbalanced calls are ignored.
	Unpause()

	// Collect runs a full cycle if enabled and returns the number of objects freed.
	Collect() int

	// AddRoots registers a root set and returns a function that removes it.
	AddRoots(rs RootSet) (remove func())
}

// Runtime is the boundary between the bridge and the embedded foreign runtime.
// All methods return foreign exceptions as *errors.Error with KindForeignException.
type Runtime interface {
	Collector() Collector

	// Main returns the top-level module, the default evaluation scope.
	Main() Value

	// Nothing returns the canonical "nothing" singleton.
	Nothing() Value

	// Eval evaluates code in scope (a module); nil scope means Main.
	Eval(code string, scope Value) (Value, error)

	// Function looks up a callable binding in scope.
	Function(scope Value, name string) (Value, error)

	Call(fn Value, args ...Value) (Value, error)

	Field(v Value, name string) (Value, error)
	SetField(v Value, name string, x Value) error

	Index(v Value, idx ...Value) (Value, error)
	SetIndex(v Value, x Value, idx ...Value) error

	TypeOf(v Value) Value
	IsSubtype(a, b Value) bool

	Symbol(name string) Value

	// Box converts a Go value into a new foreign value.
	Box(x any) (Value, error)

	// Unbox converts a foreign value into its Go representation.
	Unbox(v Value) (any, error)

	// DeepCopy returns a copy sharing no mutable state with v.
	DeepCopy(v Value) (Value, error)

	// Render returns the printed form of v.
	Render(v Value) string
}
