package refs

import (
	heapbridge "github.com/wippyai/heap-bridge"
)

// Key identifies an entry in a Table.
// Key 0 is reserved and means "no entry".
type Key uint64

// None is the sentinel key. Get returns nothing for it and Free ignores it.
const None Key = 0

// EventType identifies a table lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventReplaced
	EventFreed
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventReplaced:
		return "replaced"
	case EventFreed:
		return "freed"
	}
	return "unknown"
}

// Event represents an entry lifecycle event.
type Event struct {
	Value heapbridge.Value
	Key   Key
	Type  EventType
}

// Observer receives notifications about entry lifecycle events.
// Observers run after the table lock is released and may call back into it.
type Observer interface {
	OnRefEvent(Event)
}
