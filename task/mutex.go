package task

import (
	"context"
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
	"github.com/wippyai/heap-bridge/errors"
	"github.com/wippyai/heap-bridge/gc"
	"github.com/wippyai/heap-bridge/refs"
	"go.uber.org/zap"
)

// Mutex is a reentrant lock whose state is mirrored into a foreign
// ReentrantLock object, so runtime code can inspect it. The object is pinned
// in the reference table until Close.
//
// The owner is the running task for task contexts, the WithOwner token
// otherwise, and a shared host owner when ctx carries neither.
type Mutex struct {
	rt     heapbridge.Runtime
	table  *refs.Table
	cond   *sync.Cond
	holder owner
	key    refs.Key
	count  int
	mu     sync.Mutex
	mirMu  sync.Mutex
	closed bool
}

// NewMutex allocates the foreign lock object and pins it in table.
func NewMutex(rt heapbridge.Runtime, table *refs.Table) (*Mutex, error) {
	m := &Mutex{rt: rt, table: table}
	m.cond = sync.NewCond(&m.mu)

	err := gc.Do(rt.Collector(), func() error {
		base, err := rt.Field(rt.Main(), "Base")
		if err != nil {
			return err
		}
		ctor, err := rt.Function(base, "ReentrantLock")
		if err != nil {
			return err
		}
		obj, err := rt.Call(ctor)
		if err != nil {
			return err
		}
		m.key, err = table.Create(obj)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Key returns the table key pinning the foreign lock object.
func (m *Mutex) Key() refs.Key {
	return m.key
}

// Lock acquires the mutex for ctx's owner, waiting while another owner holds
// it. A task waiting here gives up the runtime context until it is woken.
// Cancelling ctx abandons the wait.
func (m *Mutex) Lock(ctx context.Context) error {
	o := ownerOf(ctx)

	m.mu.Lock()
	if err := m.usable(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.acquireLocked(o) {
		m.mu.Unlock()
		m.mirror()
		return nil
	}
	m.mu.Unlock()

	if r := active(ctx); r != nil {
		stopStandIn := r.pool.standIn()
		r.pool.release()
		defer func() {
			stopStandIn()
			r.pool.acquire()
		}()
	}

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cond.Broadcast()
	})
	defer stop()

	m.mu.Lock()
	for !m.acquireLocked(o) {
		if err := m.usable(); err != nil {
			m.mu.Unlock()
			return err
		}
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.cond.Wait()
	}
	m.mu.Unlock()
	m.mirror()
	return nil
}

// TryLock acquires the mutex if it is free or already held by ctx's owner.
func (m *Mutex) TryLock(ctx context.Context) bool {
	o := ownerOf(ctx)

	m.mu.Lock()
	ok := m.usable() == nil && m.acquireLocked(o)
	m.mu.Unlock()
	if ok {
		m.mirror()
	}
	return ok
}

// Unlock releases one level of ctx's owner's hold.
func (m *Mutex) Unlock(ctx context.Context) error {
	o := ownerOf(ctx)

	m.mu.Lock()
	if m.count == 0 || m.holder != o {
		m.mu.Unlock()
		return errors.InvalidInput(errors.PhaseTask, "unlock of a mutex not held by the caller")
	}
	m.count--
	if m.count == 0 {
		m.holder = owner{}
		m.cond.Broadcast()
	}
	m.mu.Unlock()
	m.mirror()
	return nil
}

// IsLocked reports whether any owner holds the mutex.
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count > 0
}

// Count returns the hold depth of whichever owner holds the mutex, or 0 when
// it is free. It does not check that the caller is that owner.
func (m *Mutex) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Close unpins the foreign lock object. Waiters fail with not_initialized.
func (m *Mutex) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	key := m.key
	m.cond.Broadcast()
	m.mu.Unlock()
	return m.table.Free(key)
}

func (m *Mutex) usable() error {
	if m.closed {
		return errors.NotInitialized(errors.PhaseTask, "mutex")
	}
	return nil
}

func (m *Mutex) acquireLocked(o owner) bool {
	if m.count > 0 && m.holder != o {
		return false
	}
	m.holder = o
	m.count++
	return true
}

// mirror copies the lock state into the foreign object.
func (m *Mutex) mirror() {
	m.mirMu.Lock()
	defer m.mirMu.Unlock()

	m.mu.Lock()
	locked, count, key, closed := m.count > 0, m.count, m.key, m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	err := gc.Do(m.rt.Collector(), func() error {
		obj, err := m.table.Get(key)
		if err != nil {
			return err
		}
		l, err := m.rt.Box(locked)
		if err != nil {
			return err
		}
		if err := m.rt.SetField(obj, "locked", l); err != nil {
			return err
		}
		c, err := m.rt.Box(count)
		if err != nil {
			return err
		}
		return m.rt.SetField(obj, "count", c)
	})
	if err != nil {
		Logger().Warn("failed to mirror mutex state", zap.Uint64("key", uint64(key)), zap.Error(err))
	}
}
