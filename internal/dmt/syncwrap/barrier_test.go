package syncwrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierOfFourSerialThreadExactlyOnce(t *testing.T) {
	h := newTestHarness(t)
	br := NewBarriers(h.deps)
	const addr = uintptr(0x8000)
	br.Init(addr, 4)

	ids := make([]int32, 4)
	for i := range ids {
		ids[i] = h.spawn(uint64(i + 2))
	}

	h.sch.GetTurn(h.main)
	h.sch.PutTurn(h.main, true)

	type outcome struct {
		serial bool
		err    error
	}
	results := make(chan outcome, 4)
	for _, id := range ids {
		id := id
		go func() {
			serial, err := br.Wait(id, addr, 1)
			results <- outcome{serial, err}
			h.sch.GetTurn(id)
			h.sch.PutTurn(id, true)
		}()
	}

	serialCount := 0
	for i := 0; i < 4; i++ {
		select {
		case o := <-results:
			require.NoError(t, o.err)
			if o.serial {
				serialCount++
			}
		case <-time.After(time.Second):
			t.Fatal("not all 4 threads completed the barrier")
		}
	}
	assert.Equal(t, 1, serialCount, "exactly one arriver must receive SERIAL_THREAD")
}

func TestBarrierDestroyFailsWhileBusy(t *testing.T) {
	h := newTestHarness(t)
	br := NewBarriers(h.deps)
	const addr = uintptr(0x8100)
	br.Init(addr, 2)

	a := h.spawn(2)
	h.sch.GetTurn(h.main)
	h.sch.PutTurn(h.main, true)

	waitDone := make(chan struct{})
	go func() {
		_, _ = br.Wait(a, addr, 1)
		close(waitDone)
	}()
	time.Sleep(20 * time.Millisecond) // let a arrive and park, leaving the barrier busy

	assert.ErrorIs(t, br.Destroy(addr), ErrBusy)

	// The barrier is never completed: a round that never reaches its count
	// is expected to leave the barrier busy forever, which is exactly what
	// Destroy must refuse to clean up silently.
	select {
	case <-waitDone:
		t.Fatal("a should still be parked on an incomplete barrier")
	default:
	}
}

func TestBarrierInitPanicsOnLiveReinitialization(t *testing.T) {
	h := newTestHarness(t)
	br := NewBarriers(h.deps)
	const addr = uintptr(0x8200)

	br.Init(addr, 3)
	assert.Panics(t, func() { br.Init(addr, 3) })
}
