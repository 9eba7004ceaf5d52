package heap

import (
	"fmt"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
)

// MaxThrown is how many thrown exceptions the heap keeps alive for the
// errors that carry them.
const MaxThrown = 64

// throw allocates an exception of type typ and returns it as a foreign error.
// Must hold mu.
func (h *Heap) throw(typ *Object, fields ...*Object) *errors.Error {
	exc := h.newStruct(typ, fields)
	h.thrown[h.thrownNext] = exc
	h.thrownNext = (h.thrownNext + 1) % len(h.thrown)
	return errors.Foreign(errors.PhaseEval, exc, typ.s, h.showError(exc))
}

// ReleaseException stops keeping the exception carried by a foreign error
// alive. Callers that pin the value elsewhere, or are done with the error,
// release it so it can be collected before MaxThrown later throws push it
// out. It reports whether v was held.
func (h *Heap) ReleaseException(v heapbridge.Value) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, o := range h.thrown {
		if o != nil && heapbridge.Value(o) == v {
			h.thrown[i] = nil
			return true
		}
	}
	return false
}

// throwf throws an exception whose single field is a formatted message.
func (h *Heap) throwf(typ *Object, format string, args ...any) *errors.Error {
	return h.throw(typ, h.newString(fmt.Sprintf(format, args...)))
}

func (h *Heap) undefVar(name string) *errors.Error {
	return h.throw(h.types.undefVarError, h.symbol(name))
}

func (h *Heap) keyError(key *Object) *errors.Error {
	return h.throw(h.types.keyError, key)
}

func (h *Heap) boundsError(o *Object, idx []int64) *errors.Error {
	return h.throwf(h.types.boundsError, "attempt to access %s at index %v", h.describeArray(o), idx)
}

func (h *Heap) noMethod(name string, args []*Object) *errors.Error {
	types := make([]string, len(args))
	for i, a := range args {
		types[i] = a.typ.s
	}
	return h.throwf(h.types.methodError, "no method matching %s%s", name, joinParens(types))
}

// hostError turns an error returned by a host function into a foreign exception.
func (h *Heap) hostError(name string, err error) *errors.Error {
	if e, ok := err.(*errors.Error); ok && e.Kind == errors.KindForeignException && e.Value != nil {
		return e
	}
	fe := h.throwf(h.types.errorException, "%s: %s", name, err.Error())
	fe.Cause = err
	return fe
}

// isException reports whether o is an instance of an Exception subtype.
func (h *Heap) isException(o *Object) bool {
	return o.kind == KindStruct && isSubtype(o.typ, h.types.exception)
}

// showError renders an exception the way it is reported to the host.
func (h *Heap) showError(exc *Object) string {
	name := exc.typ.s
	field := func(i int) *Object {
		if i < len(exc.elems) {
			return exc.elems[i]
		}
		return h.nothing
	}
	switch exc.typ {
	case h.types.undefVarError:
		return fmt.Sprintf("%s: %s not defined", name, h.str(field(0)))
	case h.types.keyError:
		return fmt.Sprintf("%s: key %s not found", name, h.render(field(0)))
	}
	if i := exc.typ.tdef.fieldIndex("msg"); i >= 0 {
		return fmt.Sprintf("%s: %s", name, h.str(field(i)))
	}
	return h.render(exc)
}

func joinParens(parts []string) string {
	s := "("
	for i, p := range parts {
		if i > 0 {
			s += ", "
		}
		s += "::" + p
	}
	return s + ")"
}
