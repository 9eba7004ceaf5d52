package heap

import (
	"time"

	heapbridge "github.com/wippyai/heap-bridge"
	"go.uber.org/zap"
)

// Enabled reports whether a collection may run right now: the collector flag
// is on and no Pause is outstanding.
func (h *Heap) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && h.pauses == 0
}

// SetEnabled switches the collector flag and returns the previous value.
func (h *Heap) SetEnabled(on bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.enabled
	h.enabled = on
	h.maybeCollectLocked()
	return prev
}

// Pause suspends collection until the matching Unpause.
func (h *Heap) Pause() {
	h.mu.Lock()
	h.pauses++
	h.mu.Unlock()
}

// Unpause ends one Pause. A collection requested while paused runs once the
// last pause ends.
func (h *Heap) Unpause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pauses == 0 {
		Logger().Warn("unbalanced collector unpause")
		return
	}
	h.pauses--
	h.maybeCollectLocked()
}

// Paused returns the number of outstanding pauses.
func (h *Heap) Paused() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauses
}

// Collect runs a full cycle and returns the number of objects freed.
// If collection is disabled, paused, or an operation is in flight, the cycle
// is deferred to the next point where it may run and Collect returns 0.
func (h *Heap) Collect() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.canCollectLocked() {
		h.pending = true
		return 0
	}
	return h.collectLocked()
}

// AddRoots registers a root set consulted on every cycle.
func (h *Heap) AddRoots(rs heapbridge.RootSet) func() {
	h.mu.Lock()
	id := h.nextRoot
	h.nextRoot++
	h.roots[id] = rs
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.roots, id)
		h.mu.Unlock()
	}
}

func (h *Heap) canCollectLocked() bool {
	return h.enabled && h.pauses == 0 && h.depth == 0
}

func (h *Heap) maybeCollectLocked() {
	if !h.canCollectLocked() {
		return
	}
	if h.pending || (h.collectEvery > 0 && h.allocs >= h.collectEvery) {
		h.collectLocked()
	}
}

func (h *Heap) collectLocked() int {
	start := time.Now()

	var stack []*Object
	push := func(o *Object) {
		if o != nil && !o.marked && !o.freed {
			o.marked = true
			stack = append(stack, o)
		}
	}

	for _, o := range h.objects {
		if o.permanent {
			push(o)
		}
	}
	for _, o := range h.thrown {
		push(o)
	}
	for _, rs := range h.roots {
		rs.EachRoot(func(v heapbridge.Value) bool {
			if o, ok := v.(*Object); ok && h.objects[o.id] == o {
				push(o)
			}
			return true
		})
	}

	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		push(o.typ)
		for _, e := range o.elems {
			push(e)
		}
		if o.dict != nil {
			for i := range o.dict.keys {
				push(o.dict.keys[i])
				push(o.dict.values[i])
			}
		}
		if o.mod != nil {
			push(o.mod.parent)
			for _, u := range o.mod.uses {
				push(u)
			}
			for _, b := range o.mod.bindings {
				push(b.value)
			}
		}
		if o.tdef != nil {
			push(o.tdef.super)
		}
	}

	freed := 0
	for id, o := range h.objects {
		if o.marked {
			o.marked = false
			continue
		}
		poison(o)
		delete(h.objects, id)
		freed++
	}

	h.allocs = 0
	h.pending = false
	h.stats.Collections++
	h.stats.Freed += uint64(freed)

	Logger().Debug("collection finished",
		zap.Int("freed", freed),
		zap.Int("live", len(h.objects)),
		zap.Duration("elapsed", time.Since(start)))
	return freed
}

// poison clears a swept object so stale references cannot observe its contents.
func poison(o *Object) {
	o.freed = true
	o.elems = nil
	o.dims = nil
	o.dict = nil
	o.s = ""
	o.i = 0
	o.f = 0
	o.b = false
}
