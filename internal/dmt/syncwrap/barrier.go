package syncwrap

import (
	"fmt"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

type barrierState struct {
	count   int
	arrived int
}

// Barriers serializes barrier init/wait/destroy for every user-level
// barrier address through the turn scheduler. Unlike the other
// primitives, a barrier has no native counterpart at all in this
// implementation: the count and arrived-count live entirely in
// barrierState, mutated only while holding the turn.
type Barriers struct {
	deps  *Deps
	state table[*barrierState]
}

// NewBarriers creates a Barriers backed by deps.
func NewBarriers(deps *Deps) *Barriers {
	return &Barriers{deps: deps}
}

// Init records addr's participant count. Re-initializing an address that
// already holds a live barrier is a fatal misuse — it would silently
// reset an in-progress rendezvous out from under its waiters — so Init
// panics rather than clobbering the existing state; Destroy the barrier
// first if the address is genuinely being reused for a new one.
func (b *Barriers) Init(addr uintptr, count int) {
	if _, exists := b.state.m.Load(addr); exists {
		panic(fmt.Sprintf("syncwrap: barrier at %#x already initialized", addr))
	}
	b.state.m.Store(addr, &barrierState{count: count})
}

// Wait implements the barrier wrapper's wait operation. The arriver that
// completes the count resets arrived to zero, wakes every other waiter,
// cycles the turn so the releasing and released threads land on distinct
// turn numbers, and alone receives serialThread == true (the
// SERIAL_THREAD return value). Every other arriver simply waits.
func (b *Barriers) Wait(threadID int32, addr uintptr, instructionID uint64) (serialThread bool, err error) {
	start := time.Now()

	if b.deps.passthrough(threadID, addr) {
		return false, nil
	}

	st, ok := b.state.lookup(addr)
	if !ok {
		return false, nil
	}

	b.deps.Sched.GetTurn(threadID)
	st.arrived++
	if st.arrived == st.count {
		st.arrived = 0
		b.deps.Sched.Signal(threadID, turn.Channel(addr), true)
		b.deps.Sched.IncTurnCount(threadID)
		b.deps.logEvent(threadID, instructionID, eventlog.OpBarrierWait, [2]uint64{uint64(addr), 1}, start)
		// Cycle the turn: the releaser and the threads it just released
		// must land on distinct turn numbers.
		b.deps.Sched.PutTurn(threadID, false)
		b.deps.Sched.GetTurn(threadID)
		b.deps.Sched.PutTurn(threadID, false)
		return true, nil
	}

	b.deps.Sched.Wait(threadID, turn.Channel(addr), unlimitedWait)
	b.deps.Sched.IncTurnCount(threadID)
	b.deps.logEvent(threadID, instructionID, eventlog.OpBarrierWait, [2]uint64{uint64(addr), 0}, start)
	b.deps.Sched.PutTurn(threadID, false)
	return false, nil
}

// Destroy removes addr's barrier entry, or returns ErrBusy if threads have
// already arrived but not yet been released.
func (b *Barriers) Destroy(addr uintptr) error {
	st, ok := b.state.lookup(addr)
	if !ok {
		return nil
	}
	if st.arrived != 0 {
		return ErrBusy
	}
	b.state.delete(addr)
	return nil
}
