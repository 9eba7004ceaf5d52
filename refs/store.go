package refs

import (
	"sync"

	heapbridge "github.com/wippyai/heap-bridge"
)

// store is the keyed storage behind a Table. Keys are handed out in
// increasing order and never reused.
type store struct {
	entries map[Key]heapbridge.Value
	mu      sync.RWMutex
	next    Key
	closed  bool
}

func newStore() *store {
	return &store{
		entries: make(map[Key]heapbridge.Value, 64),
	}
}

func (s *store) insert(v heapbridge.Value) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return None, false
	}
	s.next++
	s.entries[s.next] = v
	return s.next, true
}

func (s *store) get(k Key) (heapbridge.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[k]
	return v, ok
}

func (s *store) replace(k Key, v heapbridge.Value) (heapbridge.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	s.entries[k] = v
	return old, true
}

func (s *store) remove(k Key) (heapbridge.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	delete(s.entries, k)
	return v, true
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// each visits entries under the read lock; fn must not call back into the store.
func (s *store) each(fn func(Key, heapbridge.Value) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.entries {
		if !fn(k, v) {
			return
		}
	}
}

func (s *store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// close drops every entry and returns how many were still live.
func (s *store) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	n := len(s.entries)
	s.entries = nil
	return n
}
