package syncwrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive every operation from a single logical thread (h.main).
// The native sync.RWMutex backing each address does not track lock
// ownership, so reusing one logical id to play "two readers" or "a writer
// that already holds the lock" exercises exactly the same TryLock/TryRLock
// state transitions a real multi-thread caller would.

func TestRWLocksMultipleReadersThenOneWriter(t *testing.T) {
	h := newTestHarness(t)
	rw := NewRWLocks(h.deps)
	const addr = uintptr(0x4000)

	rw.RLock(h.main, addr, 1)
	rw.RLock(h.main, addr, 2)

	// Both readers are held concurrently: a writer's TryLock must fail.
	assert.False(t, rw.TryLock(h.main, addr))

	rw.Unlock(h.main, addr, 3, false)
	rw.Unlock(h.main, addr, 4, false)

	require.True(t, rw.TryLock(h.main, addr))
	rw.Unlock(h.main, addr, 5, true)
}

func TestRWLocksWriterExcludesReader(t *testing.T) {
	h := newTestHarness(t)
	rw := NewRWLocks(h.deps)
	const addr = uintptr(0x5000)

	require.True(t, rw.TryLock(h.main, addr))
	assert.False(t, rw.TryRLock(h.main, addr))

	rw.Unlock(h.main, addr, 1, true)
	require.True(t, rw.TryRLock(h.main, addr))
	rw.Unlock(h.main, addr, 2, false)
}

func TestRWLocksTimedLockTimesOut(t *testing.T) {
	h := newTestHarness(t)
	rw := NewRWLocks(h.deps)
	const addr = uintptr(0x6000)

	require.True(t, rw.TryLock(h.main, addr))

	err := rw.TimedLock(h.main, addr, 1, int64(time.Microsecond), false)
	assert.ErrorIs(t, err, ErrTimedOut)
}
