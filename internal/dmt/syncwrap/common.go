package syncwrap

import (
	"errors"
	"time"

	"github.com/kolkov/dmt/internal/dmt/clock"
	"github.com/kolkov/dmt/internal/dmt/dmtlog"
	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/nondet"
	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/stats"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// ErrTimedOut is returned by every timed wrapper whose wait expires before
// it is signaled, the Go-side equivalent of ETIMEDOUT.
var ErrTimedOut = errors.New("dmt: timed out (ETIMEDOUT)")

// ErrBusy is returned by Barriers.Destroy when the barrier still has
// arrived-but-unreleased waiters, the Go-side equivalent of EBUSY.
var ErrBusy = errors.New("dmt: object is busy (EBUSY)")

// ErrInvalidCount is returned by Lineups.Init when asked to create a
// lineup no arrival could ever complete, the Go-side equivalent of EINVAL.
var ErrInvalidCount = errors.New("dmt: invalid participant count (EINVAL)")

// Deps bundles the runtime components every wrapper family needs: the turn
// scheduler to serialize through, the logical clock to turn relative
// timeouts into deadlines, the non-det tracker for the passthrough check,
// and the event log to record what happened. One Deps is shared by every
// *Mutexes, *RWLocks, *Conds, *Barriers, *Semaphores, and *Lineups in a
// running instance.
type Deps struct {
	Sched *turn.Scheduler
	Clk   *clock.Clock
	ND    *nondet.Tracker
	Log   *eventlog.Appender

	// St collects the per-op sync counts logEvent feeds on every wrapper
	// call; nil disables counting (record_runtime_stat off).
	St *stats.Counters

	// Disabled is the master on/off switch (the DMT option): when true,
	// every wrapper takes the passthrough branch unconditionally, with no
	// turn-scheduler interaction at all, regardless of non-det region
	// state.
	Disabled bool
}

// passthrough reports whether threadID's call should bypass the turn
// scheduler entirely and run straight against the native primitive: either
// because deterministic scheduling is switched off altogether (Disabled),
// or because threadID is inside a non-det region. Unless Disabled, the
// touch against a non-zero addr is recorded, from either kind of region,
// for the cross-region contamination check.
// Every wrapper's step (1) is a call to this before it ever takes a turn.
func (d *Deps) passthrough(threadID int32, addr uintptr) bool {
	if d.Disabled {
		return true
	}
	if addr != 0 {
		d.ND.Touch(addr, threadID)
	}
	return d.ND.InRegion(threadID)
}

// Passthrough is the exported form of passthrough, for wrapper families
// that live outside the syncwrap package.
func (d *Deps) Passthrough(threadID int32, addr uintptr) bool {
	return d.passthrough(threadID, addr)
}

// deadlineFromRelative converts a relative timeout in nanoseconds into an
// absolute turn deadline, anchored to the turn counter's current value.
// Must be called while the caller holds the turn, since it reads
// d.Sched.TurnCount as the anchor.
func (d *Deps) deadlineFromRelative(relNanosec int64) (uint64, error) {
	turns, err := d.Clk.RelativeToTurns(relNanosec, d.Sched.NThread())
	if err != nil {
		return 0, err
	}
	return d.Sched.TurnCount() + turns, nil
}

// logEvent records op against the stats counters and appends a record for
// threadID, warning (rather than failing the caller) if the underlying
// append errors, since a logging failure must never unwind a
// synchronization wrapper the application is blocked inside. Every
// wrapper funnels its completed operation through here, making this the
// one place that can count every op regardless of which wrapper family
// issued it.
func (d *Deps) logEvent(threadID int32, instructionID uint64, op eventlog.Op, args [2]uint64, since time.Time) {
	if d.St != nil {
		d.St.RecordOp(op)
	}
	if d.Log == nil {
		return
	}
	rec := eventlog.Record{
		InstructionID: instructionID,
		Turn:          d.Sched.TurnCount(),
		ThreadID:      threadID,
		Op:            op,
		Args:          args,
		Timing:        eventlog.Timing{AppTime: time.Since(since)},
	}
	if err := d.Log.Append(threadID, rec); err != nil {
		dmtlog.L.WithError(err).Warn("syncwrap: failed to append event log record")
	}
}

// unlimitedWait is shorthand for the registry's "no timeout" deadline
// sentinel, used by every wrapper that waits indefinitely.
const unlimitedWait = registry.UnlimitedDeadline

// DeadlineFromRelative is the exported form of deadlineFromRelative, for
// packages outside syncwrap (ioblock's sleep family) that need the same
// relative-to-absolute turn conversion without duplicating it.
func (d *Deps) DeadlineFromRelative(relNanosec int64) (uint64, error) {
	return d.deadlineFromRelative(relNanosec)
}

// LogEvent is the exported form of logEvent, for wrapper families that
// live outside the syncwrap package.
func (d *Deps) LogEvent(threadID int32, instructionID uint64, op eventlog.Op, args [2]uint64, since time.Time) {
	d.logEvent(threadID, instructionID, op, args, since)
}
