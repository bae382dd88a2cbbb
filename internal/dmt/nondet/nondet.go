// Package nondet implements the opt-out escape hatch: a region a thread
// can enter to call native synchronization directly, bypassing the turn
// scheduler entirely, plus the contamination tracking that keeps
// deterministic and non-deterministic use of the same sync object from
// being silently mixed.
package nondet

import (
	"fmt"
	"sync"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// RegionKind records which kind of region last touched a sync object.
type RegionKind int

const (
	RegionDeterministic RegionKind = iota
	RegionNonDet
)

// Tracker implements non_det_start/non_det_end and the cross-region
// contamination warning.
type Tracker struct {
	sched *turn.Scheduler

	mu    sync.Mutex
	inRdr map[int32]bool

	touched sync.Map // channel (uintptr) -> RegionKind
}

// New creates a Tracker bound to sched.
func New(sched *turn.Scheduler) *Tracker {
	return &Tracker{
		sched: sched,
		inRdr: make(map[int32]bool),
	}
}

// InRegion reports whether threadID currently holds a non-det region open.
// Every synchronization and blocking-I/O wrapper's step (1) calls this to
// decide whether to pass through to the native primitive.
func (t *Tracker) InRegion(threadID int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inRdr[threadID]
}

// Start implements non_det_start: block until threadID is the only
// runnable thread, mark it as inside a non-det region, then leave the
// scheduler's run queue via Block so deterministic scheduling no longer
// waits on it. The "wait until alone" condition is realized as a
// yield-and-retest loop over the existing GetTurn/PutTurn primitives
// rather than a dedicated sentinel-channel wait (see DESIGN.md).
func (t *Tracker) Start(threadID int32) {
	for {
		t.sched.GetTurn(threadID)
		if t.sched.SoleRunnable(threadID) {
			break
		}
		t.sched.PutTurn(threadID, false)
	}
	t.mu.Lock()
	t.inRdr[threadID] = true
	t.mu.Unlock()
	t.sched.Block(threadID)
}

// End implements non_det_end: clear the region flag and rejoin the
// scheduler's run queue. The caller must still call GetTurn before
// touching any deterministic-region state.
func (t *Tracker) End(threadID int32) {
	t.mu.Lock()
	t.inRdr[threadID] = false
	t.mu.Unlock()
	t.sched.Wakeup(threadID)
}

// Touch records the region kind threadID is in when channel is first
// touched, and logs a warning on every later touch from the other kind of
// region — the
// contract that a user must not mix the two is advisory, not enforced, so
// a warning rather than a hard failure is correct here.
func (t *Tracker) Touch(channel uintptr, threadID int32) {
	kind := RegionDeterministic
	if t.InRegion(threadID) {
		kind = RegionNonDet
	}
	prev, loaded := t.touched.LoadOrStore(channel, kind)
	if loaded && prev.(RegionKind) != kind {
		dmtlog.L.WithField("channel", fmt.Sprintf("%#x", channel)).
			Warn("nondet: sync object touched from both a non-deterministic and a deterministic region")
	}
}

// SymbolTable is the best-effort address-to-name side table behind
// dmt.Symbolic (SPEC_FULL.md's "Symbolic naming" supplement). It has no
// effect on scheduling, and the event log does not consult it: records
// carry raw addresses.
type SymbolTable struct {
	mu    sync.Mutex
	names map[uintptr]string
}

// NewSymbolTable creates an empty SymbolTable.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{names: make(map[uintptr]string)}
}

// Symbolic records name for addr, per the annotations API's
// symbolic(addr, len, name). length is accepted for signature parity with
// the original annotation but unused: names are keyed by start address
// only.
func (s *SymbolTable) Symbolic(addr uintptr, length int, name string) {
	_ = length
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[addr] = name
}

// Lookup returns the name registered for addr, if any. Signature matches
// eventlog.Appender.SetSymbolTable's expected func(uint64) (string, bool).
func (s *SymbolTable) Lookup(addr uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[uintptr(addr)]
	return name, ok
}
