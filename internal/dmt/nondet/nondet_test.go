package nondet

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

func TestStartBlocksUntilSoleRunnable(t *testing.T) {
	reg := registry.New()
	sched := turn.New(reg)
	tr := New(sched)

	main := reg.Register(1)
	sched.Start(main.LogicalID)
	other := reg.Register(2)
	sched.Enqueue(other.LogicalID)

	started := make(chan struct{})
	go func() {
		tr.Start(main.LogicalID)
		close(started)
	}()

	select {
	case <-started:
		t.Fatal("Start returned while another thread was still runnable")
	case <-time.After(30 * time.Millisecond):
	}

	// Retire the other thread so main becomes sole runnable.
	sched.GetTurn(other.LogicalID)
	sched.PutTurn(other.LogicalID, true)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Start never returned once main became sole runnable")
	}

	assert.True(t, tr.InRegion(main.LogicalID))
	tr.End(main.LogicalID)
	assert.False(t, tr.InRegion(main.LogicalID))

	sched.GetTurn(main.LogicalID)
	sched.PutTurn(main.LogicalID, false)
}

func TestTouchWarnsOnCrossRegionContamination(t *testing.T) {
	logger, hook := test.NewNullLogger()
	orig := dmtlog.L
	dmtlog.L = logger
	defer func() { dmtlog.L = orig }()

	reg := registry.New()
	sched := turn.New(reg)
	tr := New(sched)
	main := reg.Register(1)
	sched.Start(main.LogicalID)

	tr.Touch(0xBEEF, main.LogicalID) // deterministic region

	tr.mu.Lock()
	tr.inRdr[main.LogicalID] = true
	tr.mu.Unlock()
	tr.Touch(0xBEEF, main.LogicalID) // non-det region, same channel

	require.NotEmpty(t, hook.Entries)
	assert.Contains(t, hook.LastEntry().Message, "touched from both")
}

func TestTouchSameRegionIsSilent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	orig := dmtlog.L
	dmtlog.L = logger
	defer func() { dmtlog.L = orig }()

	reg := registry.New()
	sched := turn.New(reg)
	tr := New(sched)
	main := reg.Register(1)
	sched.Start(main.LogicalID)

	tr.Touch(0xCAFE, main.LogicalID)
	tr.Touch(0xCAFE, main.LogicalID)

	assert.Empty(t, hook.Entries)
}

func TestSymbolTableRoundTrip(t *testing.T) {
	st := NewSymbolTable()
	st.Symbolic(0x1000, 8, "mu")

	name, ok := st.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, "mu", name)

	_, ok = st.Lookup(0x2000)
	assert.False(t, ok)
}
