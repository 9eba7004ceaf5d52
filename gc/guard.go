// Package gc suspends the foreign collector around critical sections.
//
// A critical section is the window between obtaining a foreign value and
// making it reachable again, typically by pinning it in a reference table:
//
//	g := gc.Enter(rt.Collector())
//	defer g.Exit()
//	v, err := rt.Eval(code, nil)
//	...
//	key, err := table.Create(v)
//
// Guards nest. Each Enter suspends collection once and the matching Exit
// ends exactly that suspension, so an inner guard never re-enables a
// collector an outer guard still holds. Nesting is counted by the collector
// itself, which keeps guards on different goroutines independent.
//
// Keep guarded sections short: while any guard is held no collection runs
// anywhere in the process. Never hold a guard around user callbacks.
package gc

import (
	heapbridge "github.com/wippyai/heap-bridge"
)

// State records what a Pause observed, for the matching Resume.
type State struct {
	active     bool
	wasEnabled bool
}

// WasEnabled reports whether collection could run when the pause began.
func (s State) WasEnabled() bool {
	return s.wasEnabled
}

// Pause suspends collection and returns the state to hand back to Resume.
func Pause(c heapbridge.Collector) State {
	was := c.Enabled()
	c.Pause()
	return State{active: true, wasEnabled: was}
}

// Resume ends the suspension begun by the Pause that returned s.
// A zero State is ignored.
func Resume(c heapbridge.Collector, s State) {
	if !s.active {
		return
	}
	c.Unpause()
}

// Guard is a scoped pause. Exit is safe to call more than once; only the
// first call resumes.
type Guard struct {
	c     heapbridge.Collector
	state State
}

// Enter pauses c and returns the guard that undoes it.
func Enter(c heapbridge.Collector) *Guard {
	return &Guard{c: c, state: Pause(c)}
}

// Exit resumes the collector. Meant for defer.
func (g *Guard) Exit() {
	if g == nil || !g.state.active {
		return
	}
	s := g.state
	g.state = State{}
	Resume(g.c, s)
}

// State returns what the guard observed on entry.
func (g *Guard) State() State {
	return g.state
}

// Do runs fn with collection paused. The collector resumes even if fn panics.
func Do(c heapbridge.Collector, fn func() error) error {
	g := Enter(c)
	defer g.Exit()
	return fn()
}
