// Package refs implements the reference table that keeps foreign values alive
// on behalf of host-side handles.
//
// The foreign collector cannot see Go variables. A value obtained from the
// runtime survives the next collection only if something reachable from the
// runtime's roots refers to it; the Table is such a root set.
//
//	table := refs.New(rt)
//
//	key, err := table.Create(v)   // v is now pinned
//	v, err = table.Get(key)       // O(1), still the same object after Collect
//	err = table.Free(key)         // v collectable on the next cycle
//
// # Keys
//
// Keys increase monotonically and are never reused while the table lives, so
// a stale key can never alias a newer entry. Key 0 (None) is the "no entry"
// sentinel: Get returns the runtime's nothing and Free ignores it.
//
// Getting or freeing a key that was already freed fails with a dangling_key
// error. This is a bug in the caller: every key has exactly one owner.
//
// # Collector interaction
//
// Create, Replace and Free run with the collector paused (see package gc).
// The table lock is never held while calling into the runtime; the collector
// takes it only while marking, so the lock order is runtime, then table.
//
// # Observers
//
// Observers receive EventCreated, EventReplaced and EventFreed after the
// operation completes, which is useful for leak diagnostics in tests and in
// the bridge CLI.
package refs
