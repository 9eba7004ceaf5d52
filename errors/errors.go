package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which layer of the bridge produced the error
type Phase string

const (
	PhasePin     Phase = "pin"     // reference table
	PhaseGuard   Phase = "guard"   // collector pause/resume
	PhaseProxy   Phase = "proxy"   // proxy access, assignment, update
	PhaseTask    Phase = "task"    // worker pool, tasks, futures, mutex
	PhaseEval    Phase = "eval"    // foreign evaluation and calls
	PhaseConvert Phase = "convert" // boxing/unboxing
	PhaseNative  Phase = "native"  // wasm-backed foreign functions
	PhaseRuntime Phase = "runtime" // bridge lifecycle
)

// Kind categorizes the error
type Kind string

const (
	KindNotInitialized   Kind = "not_initialized"
	KindForeignException Kind = "foreign_exception"
	KindDanglingKey      Kind = "dangling_key"
	KindTaskFailure      Kind = "task_failure"
	KindTypeMismatch     Kind = "type_mismatch"
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindUseAfterFree     Kind = "use_after_free"
	KindUnsupported      Kind = "unsupported"
)

// Sentinels for errors.Is checks that only care about the Kind.
var (
	ErrNotInitialized   = &Error{Kind: KindNotInitialized}
	ErrForeignException = &Error{Kind: KindForeignException}
	ErrDanglingKey      = &Error{Kind: KindDanglingKey}
	ErrTaskFailure      = &Error{Kind: KindTaskFailure}
	ErrTypeMismatch     = &Error{Kind: KindTypeMismatch}
	ErrUseAfterFree     = &Error{Kind: KindUseAfterFree}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	// Value holds the foreign exception object for KindForeignException,
	// or the offending value for other kinds.
	Value       any
	Cause       error
	Phase       Phase
	Kind        Kind
	HostType    string
	ForeignType string
	Detail      string
	Path        []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.HostType != "" || e.ForeignType != "" {
		b.WriteString(": ")
		if e.HostType != "" && e.ForeignType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.HostType)
			b.WriteString(", foreign type ")
			b.WriteString(e.ForeignType)
		} else if e.HostType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.HostType)
		} else {
			b.WriteString("foreign type ")
			b.WriteString(e.ForeignType)
		}
	}

	if e.Detail != "" {
		if e.HostType != "" || e.ForeignType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the access path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// HostType sets the Go type name
func (b *Builder) HostType(t string) *Builder {
	b.err.HostType = t
	return b
}

// ForeignType sets the foreign type name
func (b *Builder) ForeignType(t string) *Builder {
	b.err.ForeignType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotInitialized reports use of a component before initialization or after Close.
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// Foreign wraps an exception raised inside the foreign runtime.
// exc is the exception object, rendered its printed form.
func Foreign(phase Phase, exc any, excType, rendered string) *Error {
	return &Error{
		Phase:       phase,
		Kind:        KindForeignException,
		ForeignType: excType,
		Detail:      rendered,
		Value:       exc,
	}
}

// DanglingKey reports access to a reference table key that was already freed.
func DanglingKey(key uint64) *Error {
	return &Error{
		Phase:  PhasePin,
		Kind:   KindDanglingKey,
		Detail: fmt.Sprintf("key %d is not registered", key),
		Value:  key,
	}
}

// TaskFailure reports a task closure that returned an error or panicked.
func TaskFailure(id uint64, cause error) *Error {
	return &Error{
		Phase:  PhaseTask,
		Kind:   KindTaskFailure,
		Detail: fmt.Sprintf("task %d failed", id),
		Value:  id,
		Cause:  cause,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, hostType, foreignType string) *Error {
	return &Error{
		Phase:       phase,
		Kind:        KindTypeMismatch,
		Path:        path,
		HostType:    hostType,
		ForeignType: foreignType,
	}
}

// UseAfterFree reports access to a foreign object the collector already swept.
func UseAfterFree(id uint64) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindUseAfterFree,
		Detail: fmt.Sprintf("object %d was collected", id),
		Value:  id,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// ForeignValue extracts the foreign exception object carried by err, if any.
func ForeignValue(err error) (any, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindForeignException {
			return e.Value, e.Value != nil
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
