package syncwrap

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// Semaphores serializes wait/trywait/timedwait/post for every user-level
// semaphore address through the turn scheduler. The native primitive
// backing each address is a golang.org/x/sync/semaphore.Weighted with a
// fixed weight of 1 per wait/post call. Under the turn scheduler only its
// TryAcquire / Release pair is used, since blocking is the turn
// scheduler's job there; the blocking Acquire is called only on the
// passthrough branch.
type Semaphores struct {
	deps  *Deps
	state table[*semaphore.Weighted]
}

// NewSemaphores creates a Semaphores backed by deps.
func NewSemaphores(deps *Deps) *Semaphores {
	return &Semaphores{deps: deps}
}

// newCounting returns a Weighted with count permits available whose
// Release can raise that count without bound: the capacity is MaxInt64
// and all but count permits are taken up front.
func newCounting(count int64) *semaphore.Weighted {
	w := semaphore.NewWeighted(math.MaxInt64)
	w.TryAcquire(math.MaxInt64 - count)
	return w
}

// Init creates addr's native semaphore with the given initial count.
func (s *Semaphores) Init(addr uintptr, count int64) {
	s.state.m.Store(addr, newCounting(count))
}

func (s *Semaphores) native(addr uintptr) *semaphore.Weighted {
	return s.state.getOrCreate(addr, func() *semaphore.Weighted { return newCounting(0) })
}

// Wait implements the semaphore wrapper's wait operation: loop native
// TryAcquire, waiting on addr's channel on EAGAIN.
func (s *Semaphores) Wait(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := s.native(addr)

	if s.deps.passthrough(threadID, addr) {
		_ = native.Acquire(context.Background(), 1)
		return
	}

	s.deps.Sched.GetTurn(threadID)
	for !native.TryAcquire(1) {
		s.deps.Sched.Wait(threadID, turn.Channel(addr), unlimitedWait)
	}
	s.deps.Sched.IncTurnCount(threadID)
	s.deps.logEvent(threadID, instructionID, eventlog.OpSemWait, [2]uint64{uint64(addr), 0}, start)
	s.deps.Sched.PutTurn(threadID, false)
}

// TryWait implements the semaphore wrapper's trywait operation: a single
// native TryAcquire call, never waiting.
func (s *Semaphores) TryWait(threadID int32, addr uintptr) bool {
	native := s.native(addr)
	if s.deps.passthrough(threadID, addr) {
		return native.TryAcquire(1)
	}
	s.deps.Sched.GetTurn(threadID)
	ok := native.TryAcquire(1)
	s.deps.Sched.IncTurnCount(threadID)
	s.deps.Sched.PutTurn(threadID, false)
	return ok
}

// TimedWait implements the semaphore wrapper's timedwait operation: like
// Wait, but with a deadline derived from relNanosec; returns ErrTimedOut
// if the deadline is reached first.
func (s *Semaphores) TimedWait(threadID int32, addr uintptr, instructionID uint64, relNanosec int64) error {
	start := time.Now()
	native := s.native(addr)

	if s.deps.passthrough(threadID, addr) {
		_ = native.Acquire(context.Background(), 1)
		return nil
	}

	s.deps.Sched.GetTurn(threadID)
	var err error
	for !native.TryAcquire(1) {
		deadline, derr := s.deps.deadlineFromRelative(relNanosec)
		if derr != nil {
			s.deps.Sched.PutTurn(threadID, false)
			return derr
		}
		if s.deps.Sched.Wait(threadID, turn.Channel(addr), deadline) == turn.ResultTimeout {
			err = ErrTimedOut
			break
		}
	}
	s.deps.Sched.IncTurnCount(threadID)
	s.deps.logEvent(threadID, instructionID, eventlog.OpSemWait, [2]uint64{uint64(addr), 0}, start)
	s.deps.Sched.PutTurn(threadID, false)
	return err
}

// Post implements the semaphore wrapper's post operation: native release,
// then signal the single head waiter on addr's channel.
func (s *Semaphores) Post(threadID int32, addr uintptr, instructionID uint64) {
	start := time.Now()
	native := s.native(addr)

	if s.deps.passthrough(threadID, addr) {
		native.Release(1)
		return
	}

	s.deps.Sched.GetTurn(threadID)
	native.Release(1)
	s.deps.Sched.Signal(threadID, turn.Channel(addr), false)
	s.deps.Sched.IncTurnCount(threadID)
	s.deps.logEvent(threadID, instructionID, eventlog.OpSemPost, [2]uint64{uint64(addr), 0}, start)
	s.deps.Sched.PutTurn(threadID, false)
}
