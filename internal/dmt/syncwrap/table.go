// Package syncwrap implements the synchronization-primitive wrappers: one
// file per primitive family (mutex, rwlock, cond, barrier, semaphore,
// lineup), each built from the same skeleton — check the non-det escape
// hatch, take the turn, run the primitive's protocol against the turn
// scheduler's wait queue, log the event, release the turn.
package syncwrap

import "sync"

// table is a process-wide, lazily-populated lookup from a user-level sync
// object's address to whatever per-object state its wrapper needs. The
// same "allocate on first touch, never free, safe for concurrent
// first-touch races" pattern a shadow-memory store uses for tracking
// per-address metadata; a sync.Map is the natural fit since lookups vastly
// outnumber first-touch inserts once a program's sync objects have all
// been seen once.
type table[V any] struct {
	m sync.Map // uintptr -> V
}

// getOrCreate returns the existing value for addr, or creates one via new
// and stores it if this is the first touch. The race to create on first
// touch is harmless: new must return an equivalent, fresh value no matter
// which caller's allocation wins.
func (t *table[V]) getOrCreate(addr uintptr, newV func() V) V {
	if v, ok := t.m.Load(addr); ok {
		return v.(V)
	}
	v, _ := t.m.LoadOrStore(addr, newV())
	return v.(V)
}

// lookup returns the existing value for addr without creating one.
func (t *table[V]) lookup(addr uintptr) (V, bool) {
	v, ok := t.m.Load(addr)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// delete removes addr's entry, used by destroy-style calls (barrier
// destroy, lineup destroy).
func (t *table[V]) delete(addr uintptr) {
	t.m.Delete(addr)
}
