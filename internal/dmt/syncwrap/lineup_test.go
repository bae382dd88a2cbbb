package syncwrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineupTwoArriversRendezvousThenReset(t *testing.T) {
	h := newTestHarness(t)
	l := NewLineups(h.deps)
	const addr = uintptr(0xA000)
	require.NoError(t, l.Init(addr, 2))

	a := h.spawn(2)
	b := h.spawn(3)
	h.sch.GetTurn(h.main)
	h.sch.PutTurn(h.main, true)

	type outcome struct{ err error }
	results := make(chan outcome, 2)

	for _, id := range []int32{a, b} {
		id := id
		go func() {
			err := l.Start(id, addr, 1, int64(time.Second))
			results <- outcome{err}
			l.End(id, addr, 2)
			h.sch.GetTurn(id)
			h.sch.PutTurn(id, true)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			assert.NoError(t, o.err)
		case <-time.After(time.Second):
			t.Fatal("not every arriver completed the rendezvous")
		}
	}

	// The lineup must have cycled back to Arriving and be reusable.
	c := h.spawn(4)
	startDone := make(chan struct{})
	go func() {
		err := l.Start(c, addr, 3, int64(time.Microsecond))
		assert.ErrorIs(t, err, ErrTimedOut)
		close(startDone)
		h.sch.GetTurn(c)
		h.sch.PutTurn(c, true)
	}()
	select {
	case <-startDone:
	case <-time.After(time.Second):
		t.Fatal("a fresh round on the reset lineup never completed")
	}
}

func TestLineupSoleWaiterTimesOutAndStillLeaves(t *testing.T) {
	h := newTestHarness(t)
	l := NewLineups(h.deps)
	const addr = uintptr(0xA100)
	require.NoError(t, l.Init(addr, 3))

	// h.main is the sole runnable thread; the deadlock-detection escape
	// valve force-promotes it with a TIMEOUT, and the lineup must still
	// transition to Leaving rather than wedge future rounds.
	err := l.Start(h.main, addr, 1, int64(time.Microsecond))
	require.ErrorIs(t, err, ErrTimedOut)

	l.End(h.main, addr, 2)
	require.NoError(t, l.Destroy(addr))
}

func TestLineupInitRejectsNonPositiveCount(t *testing.T) {
	h := newTestHarness(t)
	l := NewLineups(h.deps)
	const addr = uintptr(0xA200)

	assert.ErrorIs(t, l.Init(addr, 0), ErrInvalidCount)
	assert.ErrorIs(t, l.Init(addr, -1), ErrInvalidCount)

	// Neither rejected call should have left a live entry behind.
	require.NoError(t, l.Init(addr, 1))
}

func TestLineupInitPanicsOnLiveReinitialization(t *testing.T) {
	h := newTestHarness(t)
	l := NewLineups(h.deps)
	const addr = uintptr(0xA300)

	require.NoError(t, l.Init(addr, 2))
	assert.Panics(t, func() { _ = l.Init(addr, 2) })
}
