package syncwrap

import (
	"fmt"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// LineupPhase is a lineup's current state: threads are either still
// Arriving toward count, or already Leaving after the count was reached
// or a waiter's timeout fired.
type LineupPhase int

const (
	LineupArriving LineupPhase = iota
	LineupLeaving
)

type lineupState struct {
	count  int
	active int
	phase  LineupPhase
}

// Lineups implements the soft-barrier rendezvous: a named gathering of up
// to count threads with a finite timeout, explicitly non-blocking-on-full
// so that a thread which times out still lets the rendezvous proceed
// rather than wedging every other participant. Like a barrier, it has no
// native counterpart to fall back on in a non-det region, since
// it exists specifically to coax maximum non-det concurrency out of
// selected call sites.
type Lineups struct {
	deps  *Deps
	state table[*lineupState]
}

// NewLineups creates a Lineups backed by deps.
func NewLineups(deps *Deps) *Lineups {
	return &Lineups{deps: deps}
}

// Init creates addr's lineup with the given participant count, starting
// in the Arriving phase. count <= 0 is rejected with ErrInvalidCount,
// since no arrival could ever complete such a lineup. Re-initializing an
// address that already holds a live lineup is a fatal misuse — lineup id
// reuse would silently reset a rendezvous in progress — so Init panics
// rather than clobbering the existing state; Destroy the lineup first if
// the address is genuinely being reused for a new one.
func (l *Lineups) Init(addr uintptr, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if _, exists := l.state.m.Load(addr); exists {
		panic(fmt.Sprintf("syncwrap: lineup at %#x already initialized", addr))
	}
	l.state.m.Store(addr, &lineupState{count: count, phase: LineupArriving})
	return nil
}

// Destroy removes addr's lineup entry, or returns ErrBusy if threads are
// currently mid-rendezvous.
func (l *Lineups) Destroy(addr uintptr) error {
	st, ok := l.state.lookup(addr)
	if !ok {
		return nil
	}
	if st.active != 0 {
		return ErrBusy
	}
	l.state.delete(addr)
	return nil
}

// Start implements the lineup wrapper's start operation. If this arrival
// completes the count while Arriving, the lineup transitions to Leaving
// and every other waiter is broadcast awake; otherwise the caller waits,
// with a deadline derived from relNanosec — on timeout, the lineup still
// transitions to Leaving and broadcasts, so one slow thread cannot wedge
// the rest of the rendezvous.
func (l *Lineups) Start(threadID int32, addr uintptr, instructionID uint64, relNanosec int64) error {
	start := time.Now()

	if l.deps.passthrough(threadID, addr) {
		return nil
	}

	st, ok := l.state.lookup(addr)
	if !ok {
		return nil
	}

	l.deps.Sched.GetTurn(threadID)
	st.active++

	var err error
	if st.phase == LineupArriving && st.active == st.count {
		st.phase = LineupLeaving
		l.deps.Sched.Signal(threadID, turn.Channel(addr), true)
	} else {
		deadline, derr := l.deps.deadlineFromRelative(relNanosec)
		if derr != nil {
			l.deps.Sched.PutTurn(threadID, false)
			return derr
		}
		if l.deps.Sched.Wait(threadID, turn.Channel(addr), deadline) == turn.ResultTimeout {
			err = ErrTimedOut
			st.phase = LineupLeaving
			l.deps.Sched.Signal(threadID, turn.Channel(addr), true)
		}
	}

	l.deps.Sched.IncTurnCount(threadID)
	l.deps.logEvent(threadID, instructionID, eventlog.OpLineupStart, [2]uint64{uint64(addr), uint64(st.active)}, start)
	l.deps.Sched.PutTurn(threadID, false)
	return err
}

// End implements the lineup wrapper's end operation: decrement active,
// and once the last thread leaves, transition back to Arriving so the
// lineup can be reused for the next round.
func (l *Lineups) End(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()

	if l.deps.passthrough(threadID, addr) {
		return
	}

	st, ok := l.state.lookup(addr)
	if !ok {
		return
	}

	l.deps.Sched.GetTurn(threadID)
	st.active--
	if st.active == 0 && st.phase == LineupLeaving {
		st.phase = LineupArriving
	}
	l.deps.Sched.IncTurnCount(threadID)
	l.deps.logEvent(threadID, instructionID, eventlog.OpLineupEnd, [2]uint64{uint64(addr), uint64(st.active)}, start)
	l.deps.Sched.PutTurn(threadID, false)
}
