// Package stats maintains the runtime statistics counters the original
// tern runtime prints at Fini when record_runtime_stat is set: per-op sync
// counts, lineup success/timeout counts, and non-det region entry counts.
package stats

import (
	"sync/atomic"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
	"github.com/kolkov/dmt/internal/dmt/eventlog"
)

// Counters is a concurrency-safe set of named counters, one per sync op
// code plus the lineup and non-det extras. All fields are accessed only
// through atomic operations, since counter increments happen from inside
// wrapper methods that may run on different OS threads between turns.
type Counters struct {
	byOp            [eventlog.OpForkChild + 1]atomic.Uint64
	lineupSuccess   atomic.Uint64
	lineupTimeout   atomic.Uint64
	nonDetRegions   atomic.Uint64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// RecordOp increments op's counter by one.
func (c *Counters) RecordOp(op eventlog.Op) {
	if int(op) < len(c.byOp) {
		c.byOp[op].Add(1)
	}
}

// OpCount reports how many times op has been recorded so far.
func (c *Counters) OpCount(op eventlog.Op) uint64 {
	if int(op) < len(c.byOp) {
		return c.byOp[op].Load()
	}
	return 0
}

// RecordLineupOutcome increments the lineup success or timeout counter.
func (c *Counters) RecordLineupOutcome(timedOut bool) {
	if timedOut {
		c.lineupTimeout.Add(1)
	} else {
		c.lineupSuccess.Add(1)
	}
}

// RecordNonDetRegion increments the non-det region entry counter.
func (c *Counters) RecordNonDetRegion() {
	c.nonDetRegions.Add(1)
}

// LogSummary writes every non-zero per-op counter, plus the lineup and
// non-det counters whatever their value, through dmtlog, the shape Fini
// emits when record_runtime_stat is set.
func (c *Counters) LogSummary() {
	fields := dmtlog.L.WithField("component", "stats")
	for op := eventlog.Op(0); int(op) < len(c.byOp); op++ {
		if n := c.byOp[op].Load(); n > 0 {
			fields = fields.WithField(op.String(), n)
		}
	}
	fields = fields.WithField("lineup_success", c.lineupSuccess.Load())
	fields = fields.WithField("lineup_timeout", c.lineupTimeout.Load())
	fields = fields.WithField("non_det_regions", c.nonDetRegions.Load())
	fields.Info("dmt runtime statistics")
}
