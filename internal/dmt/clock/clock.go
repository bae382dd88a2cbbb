// Package clock implements the runtime's logical clock conversions: the
// two physical-time-to-turn conversions every timed wrapper needs
// (relative and absolute). The turn counter itself lives in the turn
// scheduler.
//
// Calibration is a single value, nanosecPerTurn, set once at startup from
// the nanosec_per_turn option. Without it, any wrapper that needs to
// convert a physical timeout into a turn deadline cannot produce a
// deterministic answer, so RelativeToTurns fails loudly rather than
// guessing.
package clock

import (
	"errors"
	"sync"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
)

// MaxRelativeTurns bounds how far into the future a relative timeout can
// push a deadline.
const MaxRelativeTurns uint64 = 1_000_000

// ErrNoCalibration is returned by RelativeToTurns when nanosecPerTurn has
// not been set. Callers must not silently fall back to wall-clock time for
// a *relative* conversion — it must fail loud instead.
var ErrNoCalibration = errors.New("clock: nanosec_per_turn is not set; physical timeouts are not deterministic without calibration")

// Clock converts between physical durations and turn counts, and tracks a
// per-thread base time for absolute-deadline conversions.
type Clock struct {
	mu              sync.Mutex
	nanosecPerTurn  uint64
	calibrated      bool
	baseTimeNanosec map[int32]int64 // logical thread id -> base time, in ns since an arbitrary epoch
}

// New creates a Clock with no calibration set.
func New() *Clock {
	return &Clock{
		baseTimeNanosec: make(map[int32]int64),
	}
}

// SetNanosecPerTurn calibrates the physical-to-logical conversion. Zero is
// rejected: a zero calibration would make every relative timeout resolve
// to the starvation floor regardless of the requested duration.
func (c *Clock) SetNanosecPerTurn(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == 0 {
		dmtlog.L.Warn("clock: refusing to set nanosec_per_turn=0, leaving uncalibrated")
		return
	}
	c.nanosecPerTurn = n
	c.calibrated = true
}

// SetBaseTime records threadID's reference point for absolute-time
// conversions (the AnnotationsAPI's set_base_timespec/set_base_timeval).
func (c *Clock) SetBaseTime(threadID int32, nowNanosec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseTimeNanosec[threadID] = nowNanosec
}

// RelativeToTurns converts a relative physical duration into a turn count:
//
//	turns = clamp(ns / nanosec_per_turn, lower, MaxRelativeTurns)
//	lower = 5*nthread + 1
//
// nthread is the number of currently live threads, passed by the caller
// (the scheduler is the only component that knows this) so that a thread
// asking for a very short timeout is never starved by rounding to zero
// turns while nthread-1 other threads still need a turn first.
func (c *Clock) RelativeToTurns(relNanosec int64, nthread int) (uint64, error) {
	c.mu.Lock()
	npt := c.nanosecPerTurn
	calibrated := c.calibrated
	c.mu.Unlock()

	if !calibrated {
		return 0, ErrNoCalibration
	}

	var turns uint64
	if relNanosec > 0 {
		turns = uint64(relNanosec) / npt
	}

	lower := uint64(5*nthread + 1)
	if turns < lower {
		turns = lower
	}
	if turns > MaxRelativeTurns {
		turns = MaxRelativeTurns
	}
	return turns, nil
}

// AbsoluteToTurns converts an absolute physical deadline into a turn count
// by differencing against threadID's base time and delegating to
// RelativeToTurns. If no base time was set for this thread, the run is no
// longer deterministic: this is logged as a warning and the wall-clock
// difference against nowNanosec is used instead.
func (c *Clock) AbsoluteToTurns(threadID int32, absNanosec, nowNanosec int64, nthread int) (uint64, error) {
	c.mu.Lock()
	base, ok := c.baseTimeNanosec[threadID]
	c.mu.Unlock()

	if !ok {
		dmtlog.L.WithField("thread", threadID).Warn(
			"clock: absolute timeout requested without set_base_time; falling back to wall clock (run is no longer deterministic)")
		base = nowNanosec
	}

	return c.RelativeToTurns(absNanosec-base, nthread)
}
