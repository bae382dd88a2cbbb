// Package turn implements the round-robin turn scheduler: the single
// global token that every synchronization and blocking-I/O wrapper passes
// through. This is the heart of the runtime — everything above it
// (mutexes, condvars, barriers, blocking I/O) is a thin protocol layered
// on GetTurn/PutTurn/Wait/Signal/Block/Wakeup.
//
// The run queue is a strict FIFO of logical thread ids, kept as a plain
// slice of stable ids rather than a pointer-linked structure, so entries
// stay valid across zombie reaping and id reuse. All mutation happens
// under a single mutex, the same discipline a central detector struct
// uses to keep shadow memory and stats consistent under concurrent
// access from many goroutines — here it is load-bearing rather than just
// convenient, since every scheduling invariant depends on one thread
// observing and mutating queue state at a time.
package turn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolkov/dmt/internal/dmt/registry"
)

// Channel is the opaque wait-queue key: typically the address of a
// user-level sync object, or 0 for a pure sleep on the turn counter.
type Channel uintptr

// WaitResult is the outcome of a Wait call.
type WaitResult int

const (
	ResultOK WaitResult = iota
	ResultTimeout
)

func (r WaitResult) String() string {
	if r == ResultTimeout {
		return "TIMEOUT"
	}
	return "OK"
}

// Scheduler owns the run queue, wait queue, external-block set, and turn
// counter. The zero value is not usable; construct with New.
type Scheduler struct {
	mu sync.Mutex

	reg *registry.Registry

	runQueue      []int32
	waitQueue     map[Channel][]int32
	externalBlock map[int32]struct{}
	waitResult    map[int32]WaitResult

	turnCount uint64
	nthread   int

	idleCond     *sync.Cond
	idleSignaled bool
}

// New creates a Scheduler with an empty run queue. Call Start to seed it
// with the process's initial thread.
func New(reg *registry.Registry) *Scheduler {
	s := &Scheduler{
		reg:           reg,
		waitQueue:     make(map[Channel][]int32),
		externalBlock: make(map[int32]struct{}),
		waitResult:    make(map[int32]WaitResult),
	}
	s.idleCond = sync.NewCond(&s.mu)
	return s
}

// Start seeds the run queue with the process's initial thread, which is
// the sole member until anything else spawns.
func (s *Scheduler) Start(mainID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runQueue = []int32{mainID}
	s.nthread = 1
	s.notifyHeadLocked()
}

// NThread reports the number of registered threads, used by the logical
// clock's relative-timeout starvation floor (lower = 5*nthread+1).
func (s *Scheduler) NThread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nthread
}

// SoleRunnable reports whether id is currently the only member of the run
// queue — the condition a thread entering a non-deterministic region
// waits for before it may leave deterministic scheduling.
func (s *Scheduler) SoleRunnable(id int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runQueue) == 1 && s.runQueue[0] == id
}

// TurnCount returns the current value of the turn counter without
// incrementing it.
func (s *Scheduler) TurnCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// notifyHeadLocked posts to the current head's wake channel. Idempotent:
// if the head was already signaled and hasn't consumed it yet, the extra
// post is dropped rather than blocking. Must be called with s.mu held.
func (s *Scheduler) notifyHeadLocked() {
	if len(s.runQueue) == 0 {
		return
	}
	d := s.reg.Lookup(s.runQueue[0])
	if d == nil {
		return
	}
	select {
	case d.Wake <- struct{}{}:
	default:
	}
}

// GetTurn blocks until id is the head of the run queue, then returns
// without releasing it.
func (s *Scheduler) GetTurn(id int32) {
	d := s.reg.Lookup(id)
	if d == nil {
		panic(fmt.Sprintf("turn: GetTurn on unregistered thread %d", id))
	}
	for {
		s.mu.Lock()
		head := len(s.runQueue) > 0 && s.runQueue[0] == id
		s.mu.Unlock()
		if head {
			return
		}
		<-d.Wake
	}
}

// Enqueue places a newly spawned thread at the tail of the run queue. This
// is step (3) of the spawn hand-off protocol, called by the parent while
// it still holds the turn.
func (s *Scheduler) Enqueue(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runQueue = append(s.runQueue, id)
	s.nthread++
	s.notifyHeadLocked()
}

// PutTurn rotates the current head to the tail (or retires it, if
// endOfThread), then wakes the new head. Panics if id does not currently
// hold the turn — that is always a caller bug, not a recoverable runtime
// condition.
func (s *Scheduler) PutTurn(id int32, endOfThread bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireHeadLocked(id)

	s.runQueue = s.runQueue[1:]
	if endOfThread {
		s.reg.Retire(id)
		s.nthread--
	} else {
		s.runQueue = append(s.runQueue, id)
	}
	s.promoteExpiredLocked()
	s.handleEmptyRunQueueLocked()
	s.notifyHeadLocked()
}

func (s *Scheduler) requireHeadLocked(id int32) {
	if len(s.runQueue) == 0 || s.runQueue[0] != id {
		panic(fmt.Sprintf("turn: thread %d does not hold the turn", id))
	}
}

// IncTurnCount increments and returns the global turn counter. Callable
// only while holding the turn. Every increment re-runs the expiry sweep,
// since timeout promotion is tied to every increment of the turn counter
// past a waiter's deadline.
func (s *Scheduler) IncTurnCount(id int32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireHeadLocked(id)
	s.turnCount++
	s.promoteExpiredLocked()
	s.notifyHeadLocked()
	return s.turnCount
}

// Wait atomically moves id from the run queue (where it must currently be
// head) to the wait queue on channel with the given deadline, releases the
// turn, and blocks until it is signaled, times out, or is promoted by the
// deadlock-detection path — then re-acquires the turn before returning.
// deadline == registry.UnlimitedDeadline waits forever (barring signal or
// deadlock promotion).
func (s *Scheduler) Wait(id int32, channel Channel, deadline uint64) WaitResult {
	d := s.reg.Lookup(id)
	if d == nil {
		panic(fmt.Sprintf("turn: Wait on unregistered thread %d", id))
	}

	s.mu.Lock()
	s.requireHeadLocked(id)
	s.runQueue = s.runQueue[1:]
	d.WaitChannel = uintptr(channel)
	d.Deadline = deadline
	s.waitQueue[channel] = append(s.waitQueue[channel], id)
	s.promoteExpiredLocked()
	s.handleEmptyRunQueueLocked()
	s.notifyHeadLocked()
	// A wake token may be left over from an earlier notification, so only
	// stop waiting once id is back at the head of the run queue.
	for len(s.runQueue) == 0 || s.runQueue[0] != id {
		s.mu.Unlock()
		<-d.Wake
		s.mu.Lock()
	}
	res := s.waitResult[id]
	delete(s.waitResult, id)
	s.mu.Unlock()
	return res
}

// Signal moves the first waiter (or all waiters, if all) on channel from
// the wait queue to the run queue's tail, in FIFO insertion order. No
// effect if channel has no waiters. Caller must hold the turn.
func (s *Scheduler) Signal(id int32, channel Channel, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireHeadLocked(id)

	q := s.waitQueue[channel]
	if len(q) == 0 {
		return
	}

	var toWake []int32
	if all {
		toWake = q
		delete(s.waitQueue, channel)
	} else {
		toWake = q[:1]
		rest := append([]int32(nil), q[1:]...)
		if len(rest) == 0 {
			delete(s.waitQueue, channel)
		} else {
			s.waitQueue[channel] = rest
		}
	}

	for _, wakeID := range toWake {
		s.waitResult[wakeID] = ResultOK
		s.runQueue = append(s.runQueue, wakeID)
		if wd := s.reg.Lookup(wakeID); wd != nil {
			wd.WaitChannel = 0
		}
	}
	s.notifyHeadLocked()
}

// Block removes id from the run queue without joining the wait queue,
// releasing the turn if id held it. Used at the start of an externally
// blocking syscall wrapper.
func (s *Scheduler) Block(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromRunQueueLocked(id)
	s.externalBlock[id] = struct{}{}
	s.handleEmptyRunQueueLocked()
	s.notifyHeadLocked()
}

// Wakeup rejoins id to the tail of the run queue after an externally
// blocking call returns. The caller must still call GetTurn to actually
// resume executing inside the deterministic region.
func (s *Scheduler) Wakeup(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.externalBlock, id)
	s.runQueue = append(s.runQueue, id)
	s.idleSignaled = true
	s.idleCond.Broadcast()
	s.notifyHeadLocked()
}

// IdleStep performs one iteration of the idle thread's loop: take a turn;
// if no other application thread is runnable, either promote a timed-out
// waiter (the deadlock-detection escape valve below) or, if there is
// truly nothing else to do but some thread is blocked in external I/O,
// park until Wakeup delivers one back. Otherwise just yield.
func (s *Scheduler) IdleStep(id int32) {
	s.GetTurn(id)

	s.mu.Lock()
	solo := len(s.runQueue) == 1 && s.runQueue[0] == id
	if !solo {
		s.mu.Unlock()
		s.PutTurn(id, false)
		return
	}

	if s.promoteSmallestDeadlineLocked() {
		s.notifyHeadLocked()
		s.mu.Unlock()
		s.PutTurn(id, false)
		return
	}

	if len(s.externalBlock) == 0 {
		// Nothing runnable, nothing waiting, nothing blocked: there is
		// no logical work left to drive. Yield and let the caller
		// decide whether to keep looping or exit.
		s.mu.Unlock()
		s.PutTurn(id, false)
		return
	}

	s.runQueue = s.runQueue[1:]
	for !s.idleSignaled {
		s.idleCond.Wait()
	}
	s.idleSignaled = false
	s.runQueue = append(s.runQueue, id)
	s.notifyHeadLocked()
	s.mu.Unlock()
}

// removeFromRunQueueLocked deletes id from the run queue wherever it is.
// Must be called with s.mu held.
func (s *Scheduler) removeFromRunQueueLocked(id int32) {
	for i, qid := range s.runQueue {
		if qid == id {
			s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
			return
		}
	}
}

// removeFromWaitQueueLocked deletes id from channel's wait-queue entry and
// clears its descriptor's wait state. Must be called with s.mu held.
func (s *Scheduler) removeFromWaitQueueLocked(channel Channel, id int32) {
	q := s.waitQueue[channel]
	for i, qid := range q {
		if qid == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(s.waitQueue, channel)
	} else {
		s.waitQueue[channel] = q
	}
	if d := s.reg.Lookup(id); d != nil {
		d.WaitChannel = 0
	}
}

// promoteExpiredLocked moves every waiter whose deadline has been reached
// by the current turn count into the run queue, in ascending
// (deadline, logical id) order. Must be called with s.mu held.
func (s *Scheduler) promoteExpiredLocked() {
	type expiry struct {
		channel  Channel
		id       int32
		deadline uint64
	}
	var expired []expiry
	for ch, q := range s.waitQueue {
		for _, id := range q {
			d := s.reg.Lookup(id)
			if d == nil || d.Deadline == registry.UnlimitedDeadline {
				continue
			}
			if d.Deadline <= s.turnCount {
				expired = append(expired, expiry{ch, id, d.Deadline})
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].deadline != expired[j].deadline {
			return expired[i].deadline < expired[j].deadline
		}
		return expired[i].id < expired[j].id
	})
	for _, e := range expired {
		s.removeFromWaitQueueLocked(e.channel, e.id)
		s.waitResult[e.id] = ResultTimeout
		s.runQueue = append(s.runQueue, e.id)
	}
}

// promoteSmallestDeadlineLocked implements the deadlock-detection escape
// valve: when the run queue is empty but the wait queue is not, the
// waiter with the smallest deadline (ties: smallest logical id) is
// force-promoted with a TIMEOUT result, since there is no other thread
// left to advance the turn counter to that deadline. Must be called with
// s.mu held. Returns whether a waiter was promoted.
func (s *Scheduler) promoteSmallestDeadlineLocked() bool {
	var (
		bestChannel  Channel
		bestID       int32 = -1
		bestDeadline uint64
		found        bool
	)
	for ch, q := range s.waitQueue {
		for _, id := range q {
			d := s.reg.Lookup(id)
			if d == nil {
				continue
			}
			if !found || d.Deadline < bestDeadline || (d.Deadline == bestDeadline && id < bestID) {
				found = true
				bestChannel = ch
				bestID = id
				bestDeadline = d.Deadline
			}
		}
	}
	if !found {
		return false
	}
	s.removeFromWaitQueueLocked(bestChannel, bestID)
	s.waitResult[bestID] = ResultTimeout
	s.runQueue = append(s.runQueue, bestID)
	return true
}

// handleEmptyRunQueueLocked implements the rest of the deadlock-detection
// path once the run queue has actually become empty. Must be called with
// s.mu held.
func (s *Scheduler) handleEmptyRunQueueLocked() {
	if len(s.runQueue) > 0 {
		return
	}
	if s.promoteSmallestDeadlineLocked() {
		return
	}
	if len(s.externalBlock) > 0 {
		s.idleSignaled = true
		s.idleCond.Broadcast()
	}
}
