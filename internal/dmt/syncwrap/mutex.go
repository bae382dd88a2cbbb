package syncwrap

import (
	"sync"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// Mutexes serializes Lock/Unlock/TryLock/TimedLock for every user-level
// mutex address through the turn scheduler. The native primitive backing
// each address is a plain sync.Mutex; TryLock (added to the standard
// library in Go 1.18) is exactly the native_trylock this protocol needs,
// so there is no reason to hand-roll a CAS-based lock underneath it.
type Mutexes struct {
	deps  *Deps
	state table[*sync.Mutex]
}

// NewMutexes creates a Mutexes backed by deps.
func NewMutexes(deps *Deps) *Mutexes {
	return &Mutexes{deps: deps}
}

func (m *Mutexes) native(addr uintptr) *sync.Mutex {
	return m.state.getOrCreate(addr, func() *sync.Mutex { return &sync.Mutex{} })
}

// Lock implements the mutex wrapper's lock operation: loop native TryLock,
// waiting on the mutex's address between attempts, until it succeeds.
func (m *Mutexes) Lock(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := m.native(addr)

	if m.deps.passthrough(threadID, addr) {
		native.Lock()
		return
	}

	m.deps.Sched.GetTurn(threadID)
	for !native.TryLock() {
		m.deps.Sched.Wait(threadID, turn.Channel(addr), unlimitedWait)
	}
	m.deps.Sched.IncTurnCount(threadID)
	m.deps.logEvent(threadID, instructionID, eventlog.OpMutexLock, [2]uint64{uint64(addr), 0}, start)
	m.deps.Sched.PutTurn(threadID, false)
}

// Unlock implements the mutex wrapper's unlock operation: native unlock,
// then signal the single head waiter on addr's channel while still holding
// the turn, so two unrelated unlocks can never reorder the wake set.
func (m *Mutexes) Unlock(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := m.native(addr)

	if m.deps.passthrough(threadID, addr) {
		native.Unlock()
		return
	}

	m.deps.Sched.GetTurn(threadID)
	native.Unlock()
	m.deps.Sched.Signal(threadID, turn.Channel(addr), false)
	m.deps.Sched.IncTurnCount(threadID)
	m.deps.logEvent(threadID, instructionID, eventlog.OpMutexUnlock, [2]uint64{uint64(addr), 0}, start)
	m.deps.Sched.PutTurn(threadID, false)
}

// TryLock implements the mutex wrapper's trylock operation: exactly one
// native attempt, never waiting.
func (m *Mutexes) TryLock(threadID int32, addr uintptr, instructionID uint64) bool {
	start := time.Now()
	native := m.native(addr)

	if m.deps.passthrough(threadID, addr) {
		return native.TryLock()
	}

	m.deps.Sched.GetTurn(threadID)
	ok := native.TryLock()
	m.deps.Sched.IncTurnCount(threadID)
	result := uint64(0)
	if ok {
		result = 1
	}
	m.deps.logEvent(threadID, instructionID, eventlog.OpMutexTryLock, [2]uint64{uint64(addr), result}, start)
	m.deps.Sched.PutTurn(threadID, false)
	return ok
}

// TimedLock implements the mutex wrapper's timedlock operation: like Lock,
// but each wait carries a deadline derived from relNanosec; returns
// ErrTimedOut if the deadline is reached before the lock is acquired.
func (m *Mutexes) TimedLock(threadID int32, addr uintptr, instructionID uint64, relNanosec int64) error {
	start := time.Now()
	native := m.native(addr)

	if m.deps.passthrough(threadID, addr) {
		native.Lock()
		return nil
	}

	m.deps.Sched.GetTurn(threadID)
	var err error
	for !native.TryLock() {
		deadline, derr := m.deps.deadlineFromRelative(relNanosec)
		if derr != nil {
			m.deps.Sched.PutTurn(threadID, false)
			return derr
		}
		if m.deps.Sched.Wait(threadID, turn.Channel(addr), deadline) == turn.ResultTimeout {
			err = ErrTimedOut
			break
		}
	}
	m.deps.Sched.IncTurnCount(threadID)
	m.deps.logEvent(threadID, instructionID, eventlog.OpMutexTimedLock, [2]uint64{uint64(addr), 0}, start)
	m.deps.Sched.PutTurn(threadID, false)
	return err
}
