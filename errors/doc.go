// Package errors provides structured error types for the heap bridge.
//
// Errors are categorized by Phase (which layer produced them) and Kind
// (error category). The Kinds cover the bridge's failure taxonomy:
//
//	not_initialized    bridge or table used before initialization / after Close
//	foreign_exception  exception raised inside the foreign runtime
//	dangling_key       reference table key used after it was freed
//	task_failure       task closure returned an error or panicked
//	use_after_free     foreign object touched after the collector swept it
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseProxy, errors.KindTypeMismatch).
//		Path("Main", "x").
//		HostType("[]int").
//		ForeignType("Dict").
//		Build()
//
// Foreign exceptions keep the exception object in Value:
//
//	if exc, ok := errors.ForeignValue(err); ok {
//		...
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
// Sentinels such as ErrDanglingKey match on Kind regardless of Phase.
package errors
