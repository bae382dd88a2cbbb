package syncwrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexTwoRacersSerializeThroughTheSameAddress(t *testing.T) {
	h := newTestHarness(t)
	m := NewMutexes(h.deps)
	const addr = uintptr(0x1000)

	a := h.spawn(2)
	b := h.spawn(3)

	// main has no further role to play in this scenario; retire it
	// immediately so it never sits in the run queue unserviced, which
	// would wedge every other thread's rotation.
	h.sch.GetTurn(h.main)
	h.sch.PutTurn(h.main, true)

	aLocked := make(chan struct{})
	proceedA := make(chan struct{})
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	go func() {
		m.Lock(a, addr, 1)
		close(aLocked)
		<-proceedA
		m.Unlock(a, addr, 2)
		h.sch.GetTurn(a)
		h.sch.PutTurn(a, true)
		close(aDone)
	}()

	<-aLocked

	go func() {
		// b's TryLock fails while a holds the mutex, so it must queue on
		// addr's wait channel and only proceed once a unlocks.
		m.Lock(b, addr, 3)
		m.Unlock(b, addr, 4)
		h.sch.GetTurn(b)
		h.sch.PutTurn(b, true)
		close(bDone)
	}()
	time.Sleep(20 * time.Millisecond) // give b time to reach the wait queue
	close(proceedA)

	select {
	case <-aDone:
	case <-time.After(time.Second):
		t.Fatal("a never finished unlocking")
	}
	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Fatal("b never acquired the mutex after a released it")
	}

	checker := h.spawn(4)
	assert.True(t, m.TryLock(checker, addr, 5), "mutex must be free once both racers finish")
	m.Unlock(checker, addr, 6)
}

func TestMutexTryLockDoesNotWait(t *testing.T) {
	h := newTestHarness(t)
	m := NewMutexes(h.deps)
	const addr = uintptr(0x2000)

	require.True(t, m.TryLock(h.main, addr, 1))
	require.False(t, m.TryLock(h.main, addr, 2), "a second TryLock on an already-held mutex must fail, not block")
	m.Unlock(h.main, addr, 3)
	require.True(t, m.TryLock(h.main, addr, 4))
}

func TestMutexTimedLockTimesOut(t *testing.T) {
	h := newTestHarness(t)
	m := NewMutexes(h.deps)
	const addr = uintptr(0x3000)

	// h.main is the sole runnable thread; once it waits on the held
	// mutex, the run queue empties and the deadlock-detection escape
	// valve force-promotes it with a TIMEOUT immediately.
	require.True(t, m.TryLock(h.main, addr, 1))

	err := m.TimedLock(h.main, addr, 2, int64(time.Microsecond))
	assert.ErrorIs(t, err, ErrTimedOut)
}
