package heap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// render returns the printed form of o. Must hold mu.
func (h *Heap) render(o *Object) string {
	var b strings.Builder
	h.write(&b, o, make(map[*Object]bool))
	return b.String()
}

// str is string(x): strings and symbols print bare, everything else rendered.
func (h *Heap) str(o *Object) string {
	switch o.kind {
	case KindString, KindSymbol:
		return o.s
	}
	return h.render(o)
}

func (h *Heap) write(b *strings.Builder, o *Object, seen map[*Object]bool) {
	if o == nil {
		b.WriteString("#undef")
		return
	}
	if o.freed {
		fmt.Fprintf(b, "#<freed %d>", o.id)
		return
	}

	switch o.kind {
	case KindNothing:
		b.WriteString("nothing")
	case KindBool:
		b.WriteString(strconv.FormatBool(o.b))
	case KindInt:
		b.WriteString(strconv.FormatInt(o.i, 10))
	case KindFloat:
		b.WriteString(formatFloat(o.f))
	case KindString:
		b.WriteString(strconv.Quote(o.s))
	case KindSymbol:
		b.WriteByte(':')
		b.WriteString(o.s)
	case KindModule, KindType:
		b.WriteString(o.s)
	case KindFunction:
		b.WriteString(o.s)
		if o.fn != nil && o.fn.host != nil {
			b.WriteString(" (host function)")
		} else {
			b.WriteString(" (builtin function)")
		}
	case KindArray, KindDict, KindStruct:
		if seen[o] {
			b.WriteString("#= circular reference =#")
			return
		}
		seen[o] = true
		defer delete(seen, o)
		h.writeContainer(b, o, seen)
	default:
		fmt.Fprintf(b, "#<%s %d>", o.kind, o.id)
	}
}

func (h *Heap) writeContainer(b *strings.Builder, o *Object, seen map[*Object]bool) {
	switch o.kind {
	case KindArray:
		if len(o.dims) > 1 {
			b.WriteString(h.describeArray(o))
			b.WriteByte(' ')
		}
		b.WriteByte('[')
		for i, e := range o.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			h.write(b, e, seen)
		}
		b.WriteByte(']')
	case KindDict:
		b.WriteString("Dict(")
		for i := range o.dict.keys {
			if i > 0 {
				b.WriteString(", ")
			}
			h.write(b, o.dict.keys[i], seen)
			b.WriteString(" => ")
			h.write(b, o.dict.values[i], seen)
		}
		b.WriteByte(')')
	case KindStruct:
		b.WriteString(o.typ.s)
		b.WriteByte('(')
		for i, e := range o.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			h.write(b, e, seen)
		}
		b.WriteByte(')')
	}
}

func (h *Heap) describeArray(o *Object) string {
	dims := make([]string, len(o.dims))
	for i, d := range o.dims {
		dims[i] = strconv.Itoa(d)
	}
	if len(dims) == 1 {
		return dims[0] + "-element Array"
	}
	return strings.Join(dims, "x") + " Array"
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	case math.IsNaN(f):
		return "NaN"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func sprintType(v any) string {
	return fmt.Sprintf("%T", v)
}
