package syncwrap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// condState is the native backing for a condvar address's passthrough
// path: a real sync.Cond over the same native mutex Mutexes uses for
// mutexAddr, plus a counter TimedWait uses to tell a genuine
// Signal/Broadcast apart from its own timeout-driven wake.
type condState struct {
	cond        *sync.Cond
	signalCount atomic.Uint64
}

// Conds implements condition variables entirely on top of the turn
// scheduler's wait queue for the deterministic path; the native condvar
// primitive plays no part in that protocol, only the user mutex's native
// lock does. In a non-det region, Conds instead drives a real sync.Cond
// per condvar address, since the whole point of the passthrough branch is
// to call the native primitive directly rather than emulate one. Waiting
// takes the Mutexes the condvar's user mutex belongs to, so it can drive
// the same TryLock-and-wait loop Mutexes.Lock uses to re-acquire it.
type Conds struct {
	deps   *Deps
	mu     *Mutexes
	native table[*condState]
}

// NewConds creates a Conds backed by deps, re-acquiring user mutexes
// through mu.
func NewConds(deps *Deps, mu *Mutexes) *Conds {
	return &Conds{deps: deps, mu: mu}
}

// nativeCond returns condAddr's native condvar, creating it bound to
// mutexAddr's native lock on first use.
func (c *Conds) nativeCond(condAddr, mutexAddr uintptr) *condState {
	return c.native.getOrCreate(condAddr, func() *condState {
		return &condState{cond: sync.NewCond(c.mu.native(mutexAddr))}
	})
}

// Wait implements the condvar wrapper's wait operation: native-unlock the
// user mutex, hand it off deterministically via a signal, log the "first
// half", then wait on the condvar's own channel. On wake, re-acquire the
// user mutex competing fairly with any other thread, then log the "second
// half". The two-halves logging is what lets an offline tool reconstruct
// the effective ordering of the unlock and the eventual re-lock.
func (c *Conds) Wait(threadID int32, condAddr, mutexAddr uintptr, instructionID uint64) {
	start := time.Now()
	native := c.mu.native(mutexAddr)

	if c.deps.passthrough(threadID, condAddr) {
		// sync.Cond.Wait atomically unlocks native and blocks until
		// Signal/Broadcast, then re-locks native before returning — the
		// same contract pthread_cond_wait has with its mutex, so no
		// separate Unlock/Lock bracketing is needed here.
		c.nativeCond(condAddr, mutexAddr).cond.Wait()
		return
	}

	c.deps.Sched.GetTurn(threadID)
	native.Unlock()
	c.deps.Sched.Signal(threadID, turn.Channel(mutexAddr), false)
	c.deps.logEvent(threadID, instructionID, eventlog.OpCondWaitBegin, [2]uint64{uint64(condAddr), uint64(mutexAddr)}, start)
	c.deps.Sched.IncTurnCount(threadID)

	c.deps.Sched.Wait(threadID, turn.Channel(condAddr), unlimitedWait)
	c.relock(threadID, mutexAddr)
	c.deps.Sched.IncTurnCount(threadID)
	c.deps.logEvent(threadID, instructionID, eventlog.OpCondWaitEnd, [2]uint64{uint64(condAddr), uint64(mutexAddr)}, start)
	c.deps.Sched.PutTurn(threadID, false)
}

// TimedWait is Wait with a deadline on the condvar portion of the sleep;
// a TIMEOUT result is surfaced to the caller verbatim, after the user
// mutex has still been re-acquired (the pthread_cond_timedwait contract:
// the mutex is always held again on return, timeout or not).
func (c *Conds) TimedWait(threadID int32, condAddr, mutexAddr uintptr, instructionID uint64, relNanosec int64) error {
	start := time.Now()
	native := c.mu.native(mutexAddr)

	if c.deps.passthrough(threadID, condAddr) {
		st := c.nativeCond(condAddr, mutexAddr)
		startCount := st.signalCount.Load()

		// sync.Cond has no native timed wait; arm a timer that broadcasts
		// once the deadline passes, then tell a genuine wake apart from
		// this timeout-driven one by whether signalCount moved.
		timer := time.AfterFunc(time.Duration(relNanosec), func() {
			native.Lock()
			st.cond.Broadcast()
			native.Unlock()
		})
		st.cond.Wait()
		timer.Stop()

		if st.signalCount.Load() == startCount {
			return ErrTimedOut
		}
		return nil
	}

	c.deps.Sched.GetTurn(threadID)
	native.Unlock()
	c.deps.Sched.Signal(threadID, turn.Channel(mutexAddr), false)
	c.deps.logEvent(threadID, instructionID, eventlog.OpCondWaitBegin, [2]uint64{uint64(condAddr), uint64(mutexAddr)}, start)
	c.deps.Sched.IncTurnCount(threadID)

	deadline, err := c.deps.deadlineFromRelative(relNanosec)
	if err != nil {
		c.deps.Sched.PutTurn(threadID, false)
		return err
	}
	res := c.deps.Sched.Wait(threadID, turn.Channel(condAddr), deadline)
	c.relock(threadID, mutexAddr)
	c.deps.Sched.IncTurnCount(threadID)
	c.deps.logEvent(threadID, instructionID, eventlog.OpCondWaitEnd, [2]uint64{uint64(condAddr), uint64(mutexAddr)}, start)
	c.deps.Sched.PutTurn(threadID, false)

	if res == turn.ResultTimeout {
		return ErrTimedOut
	}
	return nil
}

// relock re-acquires mutexAddr's native lock, competing fairly with any
// other thread racing for it through the same wait channel Mutexes.Lock
// uses. Caller must hold the turn on entry and keeps it on return.
func (c *Conds) relock(threadID int32, mutexAddr uintptr) {
	native := c.mu.native(mutexAddr)
	for !native.TryLock() {
		c.deps.Sched.Wait(threadID, turn.Channel(mutexAddr), unlimitedWait)
	}
}

// Signal implements the condvar wrapper's signal operation: wake exactly
// one waiter on condAddr's channel while holding the turn.
func (c *Conds) Signal(threadID int32, condAddr uintptr, instructionID uint64) {
	c.broadcastOrSignal(threadID, condAddr, instructionID, false)
}

// Broadcast implements the condvar wrapper's broadcast operation: wake
// every waiter on condAddr's channel while holding the turn.
func (c *Conds) Broadcast(threadID int32, condAddr uintptr, instructionID uint64) {
	c.broadcastOrSignal(threadID, condAddr, instructionID, true)
}

func (c *Conds) broadcastOrSignal(threadID int32, condAddr uintptr, instructionID uint64, all bool) {
	start := time.Now()
	if c.deps.passthrough(threadID, condAddr) {
		st, ok := c.native.lookup(condAddr)
		if !ok {
			// Nobody has ever waited on condAddr, so there is no native
			// sync.Cond to wake — matches the deterministic branch, whose
			// scheduler.Signal is likewise a no-op against an empty wait
			// queue.
			return
		}
		st.signalCount.Add(1)
		if all {
			st.cond.Broadcast()
		} else {
			st.cond.Signal()
		}
		return
	}
	op := eventlog.OpCondSignal
	if all {
		op = eventlog.OpCondBroadcast
	}
	c.deps.Sched.GetTurn(threadID)
	c.deps.Sched.Signal(threadID, turn.Channel(condAddr), all)
	c.deps.Sched.IncTurnCount(threadID)
	c.deps.logEvent(threadID, instructionID, op, [2]uint64{uint64(condAddr), 0}, start)
	c.deps.Sched.PutTurn(threadID, false)
}
