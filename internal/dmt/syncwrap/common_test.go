package syncwrap

import (
	"testing"

	"github.com/kolkov/dmt/internal/dmt/clock"
	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/nondet"
	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// testHarness bundles a fresh registry, scheduler, and Deps with the
// initial thread already started, plus a spawn helper for additional
// threads — the fixture every syncwrap test builds on.
type testHarness struct {
	t    *testing.T
	reg  *registry.Registry
	sch  *turn.Scheduler
	deps *Deps
	main int32
}

func newTestHarness(t *testing.T) *testHarness {
	reg := registry.New()
	sch := turn.New(reg)
	clk := clock.New()
	clk.SetNanosecPerTurn(1000)
	log, err := eventlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	main := reg.Register(1)
	sch.Start(main.LogicalID)

	return &testHarness{
		t:   t,
		reg: reg,
		sch: sch,
		deps: &Deps{
			Sched: sch,
			Clk:   clk,
			ND:    nondet.New(sch),
			Log:   log,
		},
		main: main.LogicalID,
	}
}

// spawn registers and enqueues a new thread, mirroring what
// dmt.Runtime.RegisterThread does.
func (h *testHarness) spawn(nativeHandle uint64) int32 {
	d := h.reg.Register(nativeHandle)
	h.sch.Enqueue(d.LogicalID)
	return d.LogicalID
}
