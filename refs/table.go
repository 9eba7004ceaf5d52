package refs

import (
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/gc"
	"go.uber.org/zap"
)

// Table pins foreign values on behalf of host handles. It is registered as a
// root set with the runtime's collector, so a value is never collected while
// any key for it is outstanding.
type Table struct {
	rt          heapbridge.Runtime
	store       *store
	removeRoots func()
	observers   []Observer
	obsMu       sync.RWMutex
	closeOnce   sync.Once
}

var _ heapbridge.RootSet = (*Table)(nil)

// New creates a table for rt and registers it with rt's collector.
func New(rt heapbridge.Runtime) *Table {
	t := &Table{
		rt:    rt,
		store: newStore(),
	}
	t.removeRoots = rt.Collector().AddRoots(t)
	return t
}

// Create pins v and returns a fresh key.
// The insert runs with the collector paused; callers that obtained v from an
// operation that may have been followed by a collection must hold their own
// guard from before that operation.
func (t *Table) Create(v heapbridge.Value) (Key, error) {
	if v == nil {
		return None, errors.InvalidInput(errors.PhasePin, "cannot pin a nil value")
	}

	var k Key
	err := gc.Do(t.rt.Collector(), func() error {
		var ok bool
		k, ok = t.store.insert(v)
		if !ok {
			return errors.NotInitialized(errors.PhasePin, "reference table")
		}
		return nil
	})
	if err != nil {
		return None, err
	}

	t.notify(Event{Type: EventCreated, Key: k, Value: v})
	return k, nil
}

// Get returns the value pinned under k. None yields the runtime's nothing.
func (t *Table) Get(k Key) (heapbridge.Value, error) {
	if k == None {
		return t.rt.Nothing(), nil
	}
	if t.store.isClosed() {
		return nil, errors.NotInitialized(errors.PhasePin, "reference table")
	}
	v, ok := t.store.get(k)
	if !ok {
		return nil, errors.DanglingKey(uint64(k))
	}
	return v, nil
}

// Replace rebinds k to v. The previous value loses this pin.
func (t *Table) Replace(k Key, v heapbridge.Value) error {
	if v == nil {
		return errors.InvalidInput(errors.PhasePin, "cannot pin a nil value")
	}
	if k == None {
		return errors.DanglingKey(uint64(k))
	}
	if t.store.isClosed() {
		return errors.NotInitialized(errors.PhasePin, "reference table")
	}

	var ok bool
	gc.Do(t.rt.Collector(), func() error {
		_, ok = t.store.replace(k, v)
		return nil
	})
	if !ok {
		return errors.DanglingKey(uint64(k))
	}

	t.notify(Event{Type: EventReplaced, Key: k, Value: v})
	return nil
}

// Free removes the entry for k. None is ignored. Freeing a key twice is an
// error: it means two owners believed they held the same pin.
func (t *Table) Free(k Key) error {
	if k == None {
		return nil
	}
	if t.store.isClosed() {
		return errors.NotInitialized(errors.PhasePin, "reference table")
	}

	var (
		v  heapbridge.Value
		ok bool
	)
	gc.Do(t.rt.Collector(), func() error {
		v, ok = t.store.remove(k)
		return nil
	})
	if !ok {
		Logger().Warn("free of unregistered key", zap.Uint64("key", uint64(k)))
		return errors.DanglingKey(uint64(k))
	}

	t.notify(Event{Type: EventFreed, Key: k, Value: v})
	return nil
}

// Closed reports whether Close has run.
func (t *Table) Closed() bool {
	return t.store.isClosed()
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return t.store.len()
}

// Each iterates over live entries. fn must not call back into the table.
func (t *Table) Each(fn func(Key, heapbridge.Value) bool) {
	t.store.each(fn)
}

// EachRoot implements heapbridge.RootSet.
func (t *Table) EachRoot(fn func(heapbridge.Value) bool) {
	t.store.each(func(_ Key, v heapbridge.Value) bool {
		return fn(v)
	})
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close unregisters the table from the collector and drops every entry.
// Values pinned only by the table become collectable.
func (t *Table) Close() error {
	t.closeOnce.Do(func() {
		t.removeRoots()
		if n := t.store.close(); n > 0 {
			Logger().Debug("reference table closed with live entries", zap.Int("entries", n))
		}
	})
	return nil
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnRefEvent(e)
	}
}
