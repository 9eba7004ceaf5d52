package proxy

import (
	"fmt"
	"strings"
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
)

// Anonymous is rendered in place of a path segment that has no name.
const Anonymous = "#anonymous"

// Handle is a read-only reference to an owner record. The zero Handle refers
// to nothing.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// segment is one step of an access path.
type segment struct {
	name    string
	index   []any
	indexed bool
}

func (s segment) String() string {
	if !s.indexed {
		return s.name
	}
	parts := make([]string, len(s.index))
	for i, x := range s.index {
		switch v := x.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", v)
		case heapbridge.Symbol:
			parts[i] = ":" + string(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// record is immutable once allocated. Roots carry the module their name is
// bound in; other records reach it through their parent. Modules live as long
// as the runtime, so the scope is not pinned.
type record struct {
	scope  heapbridge.Value
	seg    segment
	parent Handle
}

type slot struct {
	rec  record
	gen  uint32
	refs int32
	live bool
}

// arena stores owner records in generation-stamped slots. A record is
// retained by the proxy it describes and by the records of its children, and
// is freed when the last of them lets go.
type arena struct {
	slots []slot
	free  []uint32
	mu    sync.Mutex
}

func newArena() *arena {
	return &arena{slots: make([]slot, 0, 64)}
}

// alloc stores rec with one reference and retains its parent.
func (a *arena) alloc(rec record) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !rec.parent.IsZero() {
		a.retainLocked(rec.parent)
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.rec = rec
	s.refs = 1
	s.live = true
	return Handle{slot: idx, gen: s.gen}
}

func (a *arena) valid(h Handle) bool {
	return !h.IsZero() && int(h.slot) < len(a.slots) &&
		a.slots[h.slot].live && a.slots[h.slot].gen == h.gen
}

func (a *arena) retainLocked(h Handle) bool {
	if !a.valid(h) {
		return false
	}
	a.slots[h.slot].refs++
	return true
}

// release drops one reference to h, cascading to parents whose count reaches
// zero.
func (a *arena) release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.valid(h) {
		s := &a.slots[h.slot]
		s.refs--
		if s.refs > 0 {
			break
		}
		parent := s.rec.parent
		s.rec = record{}
		s.live = false
		a.free = append(a.free, h.slot)
		h = parent
	}
}

// chain returns the records from the root down to h. ok is false if any link
// is stale.
func (a *arena) chain(h Handle) (recs []record, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ok = true
	for !h.IsZero() {
		if !a.valid(h) {
			ok = false
			break
		}
		rec := a.slots[h.slot].rec
		recs = append(recs, rec)
		h = rec.parent
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, ok
}

// name joins the path from the root down to h.
func (a *arena) name(h Handle) string {
	if h.IsZero() {
		return Anonymous
	}
	recs, ok := a.chain(h)
	var b strings.Builder
	if !ok {
		b.WriteString(Anonymous)
	}
	for i, rec := range recs {
		if (i > 0 || !ok) && !rec.seg.indexed {
			b.WriteByte('.')
		}
		b.WriteString(rec.seg.String())
	}
	return b.String()
}

// live returns the number of allocated records.
func (a *arena) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
