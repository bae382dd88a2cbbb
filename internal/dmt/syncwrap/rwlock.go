package syncwrap

import (
	"sync"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// RWLocks serializes read/write lock operations for every user-level
// rwlock address through the turn scheduler. Reader and writer waiters on
// the same address share one wait-queue channel (the address itself), so
// an unlock's signal always wakes whichever waiter is at the head
// regardless of which mode it wants.
type RWLocks struct {
	deps  *Deps
	state table[*sync.RWMutex]
}

// NewRWLocks creates an RWLocks backed by deps.
func NewRWLocks(deps *Deps) *RWLocks {
	return &RWLocks{deps: deps}
}

func (rw *RWLocks) native(addr uintptr) *sync.RWMutex {
	return rw.state.getOrCreate(addr, func() *sync.RWMutex { return &sync.RWMutex{} })
}

// RLock acquires addr for reading, looping native TryRLock and waiting on
// addr's channel between attempts.
func (rw *RWLocks) RLock(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := rw.native(addr)

	if rw.deps.passthrough(threadID, addr) {
		native.RLock()
		return
	}

	rw.deps.Sched.GetTurn(threadID)
	for !native.TryRLock() {
		rw.deps.Sched.Wait(threadID, turn.Channel(addr), unlimitedWait)
	}
	rw.deps.Sched.IncTurnCount(threadID)
	rw.deps.logEvent(threadID, instructionID, eventlog.OpRWLockRLock, [2]uint64{uint64(addr), 0}, start)
	rw.deps.Sched.PutTurn(threadID, false)
}

// Lock acquires addr for writing, looping native TryLock and waiting on
// addr's channel between attempts.
func (rw *RWLocks) Lock(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := rw.native(addr)

	if rw.deps.passthrough(threadID, addr) {
		native.Lock()
		return
	}

	rw.deps.Sched.GetTurn(threadID)
	for !native.TryLock() {
		rw.deps.Sched.Wait(threadID, turn.Channel(addr), unlimitedWait)
	}
	rw.deps.Sched.IncTurnCount(threadID)
	rw.deps.logEvent(threadID, instructionID, eventlog.OpRWLockLock, [2]uint64{uint64(addr), 1}, start)
	rw.deps.Sched.PutTurn(threadID, false)
}

// Unlock releases addr, which must currently be held in the mode given by
// forWrite, then signals the single head waiter on addr's shared channel.
func (rw *RWLocks) Unlock(threadID int32, addr uintptr, instructionID uint64, forWrite bool) {
	start := time.Now()
	native := rw.native(addr)

	if rw.deps.passthrough(threadID, addr) {
		if forWrite {
			native.Unlock()
		} else {
			native.RUnlock()
		}
		return
	}

	rw.deps.Sched.GetTurn(threadID)
	if forWrite {
		native.Unlock()
	} else {
		native.RUnlock()
	}
	rw.deps.Sched.Signal(threadID, turn.Channel(addr), false)
	rw.deps.Sched.IncTurnCount(threadID)
	mode := uint64(0)
	if forWrite {
		mode = 1
	}
	rw.deps.logEvent(threadID, instructionID, eventlog.OpRWLockUnlock, [2]uint64{uint64(addr), mode}, start)
	rw.deps.Sched.PutTurn(threadID, false)
}

// TryRLock implements the trylock dispatch for read mode: a single native
// TryRLock call, never waiting.
func (rw *RWLocks) TryRLock(threadID int32, addr uintptr) bool {
	native := rw.native(addr)
	if rw.deps.passthrough(threadID, addr) {
		return native.TryRLock()
	}
	rw.deps.Sched.GetTurn(threadID)
	ok := native.TryRLock()
	rw.deps.Sched.IncTurnCount(threadID)
	rw.deps.Sched.PutTurn(threadID, false)
	return ok
}

// TryLock implements the trylock dispatch for write mode: a single native
// TryLock call, never waiting.
func (rw *RWLocks) TryLock(threadID int32, addr uintptr) bool {
	native := rw.native(addr)
	if rw.deps.passthrough(threadID, addr) {
		return native.TryLock()
	}
	rw.deps.Sched.GetTurn(threadID)
	ok := native.TryLock()
	rw.deps.Sched.IncTurnCount(threadID)
	rw.deps.Sched.PutTurn(threadID, false)
	return ok
}

// TimedLock acquires addr in the mode given by forWrite, waiting with a
// deadline derived from relNanosec; returns ErrTimedOut if the deadline is
// reached first.
func (rw *RWLocks) TimedLock(threadID int32, addr uintptr, instructionID uint64, relNanosec int64, forWrite bool) error {
	start := time.Now()
	native := rw.native(addr)

	tryAcquire := native.TryRLock
	op := eventlog.OpRWLockRLock
	if forWrite {
		tryAcquire = native.TryLock
		op = eventlog.OpRWLockLock
	}

	if rw.deps.passthrough(threadID, addr) {
		if forWrite {
			native.Lock()
		} else {
			native.RLock()
		}
		return nil
	}

	rw.deps.Sched.GetTurn(threadID)
	var err error
	for !tryAcquire() {
		deadline, derr := rw.deps.deadlineFromRelative(relNanosec)
		if derr != nil {
			rw.deps.Sched.PutTurn(threadID, false)
			return derr
		}
		if rw.deps.Sched.Wait(threadID, turn.Channel(addr), deadline) == turn.ResultTimeout {
			err = ErrTimedOut
			break
		}
	}
	rw.deps.Sched.IncTurnCount(threadID)
	rw.deps.logEvent(threadID, instructionID, op, [2]uint64{uint64(addr), 0}, start)
	rw.deps.Sched.PutTurn(threadID, false)
	return err
}
