// Package ioblock implements the block/wakeup protocol that every
// externally-blocking call (accept, connect, send/recv, read/write, poll,
// sleep, wait4, ...) goes through: leave the run queue before the native
// call so other threads keep advancing turns, invoke the native call
// outside the turn entirely, then rejoin and log once back at the head.
package ioblock

import (
	"net"
	"time"

	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/syncwrap"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// Wrappers serializes blocking I/O through a turn scheduler. addr is
// whatever stable value identifies the blocking object for logging
// purposes (a socket fd cast to uintptr, a file descriptor, or 0 for calls
// with no natural identity such as sleep).
type Wrappers struct {
	deps                *syncwrap.Deps
	ignoreRegularFileIO bool
	execNativeSleep     bool
}

// New creates a Wrappers backed by deps. ignoreRegularFileIO mirrors the
// RR_ignore_rw_regular_file option; execNativeSleep mirrors exec_sleep.
func New(deps *syncwrap.Deps, ignoreRegularFileIO, execNativeSleep bool) *Wrappers {
	return &Wrappers{deps: deps, ignoreRegularFileIO: ignoreRegularFileIO, execNativeSleep: execNativeSleep}
}

// Do runs native through the block/wakeup protocol: if threadID is inside
// a non-det region, native runs immediately with no scheduler interaction;
// otherwise the thread releases the run queue, runs native outside the
// turn, rejoins, and logs op before handing the turn back.
func Do[T any](w *Wrappers, threadID int32, addr uintptr, instructionID uint64, op eventlog.Op, native func() (T, error)) (T, error) {
	start := time.Now()

	if w.deps.Passthrough(threadID, addr) {
		return native()
	}

	w.deps.Sched.Block(threadID)
	result, err := native()
	w.deps.Sched.Wakeup(threadID)

	w.deps.Sched.GetTurn(threadID)
	w.deps.Sched.IncTurnCount(threadID)
	w.deps.LogEvent(threadID, instructionID, op, [2]uint64{uint64(addr), errFlag(err)}, start)
	w.deps.Sched.PutTurn(threadID, false)
	return result, err
}

// DoRegularFile bypasses the block/wakeup protocol entirely when
// ignoreRegularFileIO is set, matching RR_ignore_rw_regular_file's "these
// don't exhibit inter-process non-determinism worth serializing" carve-out
// for plain file reads/writes. When the option is off, it behaves exactly
// like Do.
func DoRegularFile[T any](w *Wrappers, threadID int32, addr uintptr, instructionID uint64, op eventlog.Op, native func() (T, error)) (T, error) {
	if w.ignoreRegularFileIO {
		return native()
	}
	return Do(w, threadID, addr, instructionID, op, native)
}

// Accept wraps a listener's Accept call, logging both endpoints' port
// numbers on success via the accepted connection's LocalAddr/RemoteAddr —
// the idiomatic Go substitute for a raw getsockname(2) call, since the
// wrapper already operates on net.Conn rather than a bare file descriptor.
func (w *Wrappers) Accept(threadID int32, addr uintptr, instructionID uint64, ln net.Listener) (net.Conn, error) {
	return w.doSocket(threadID, addr, instructionID, func() (net.Conn, error) { return ln.Accept() })
}

// Connect wraps net.Dial, logging both endpoints' ports on success.
func (w *Wrappers) Connect(threadID int32, addr uintptr, instructionID uint64, network, address string) (net.Conn, error) {
	return w.doSocket(threadID, addr, instructionID, func() (net.Conn, error) { return net.Dial(network, address) })
}

func (w *Wrappers) doSocket(threadID int32, addr uintptr, instructionID uint64, native func() (net.Conn, error)) (net.Conn, error) {
	start := time.Now()

	if w.deps.Passthrough(threadID, addr) {
		return native()
	}

	w.deps.Sched.Block(threadID)
	conn, err := native()
	w.deps.Sched.Wakeup(threadID)

	w.deps.Sched.GetTurn(threadID)
	w.deps.Sched.IncTurnCount(threadID)
	args := [2]uint64{0, 0}
	if err == nil {
		args[0] = uint64(portOf(conn.LocalAddr()))
		args[1] = uint64(portOf(conn.RemoteAddr()))
	}
	w.deps.LogEvent(threadID, instructionID, eventlog.OpBlockEnd, args, start)
	w.deps.Sched.PutTurn(threadID, false)
	return conn, err
}

func portOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	default:
		return 0
	}
}

// Recv wraps a single Read call on conn.
func (w *Wrappers) Recv(threadID int32, addr uintptr, instructionID uint64, conn net.Conn, buf []byte) (int, error) {
	return Do(w, threadID, addr, instructionID, eventlog.OpBlockEnd, func() (int, error) { return conn.Read(buf) })
}

// Send wraps a single Write call on conn.
func (w *Wrappers) Send(threadID int32, addr uintptr, instructionID uint64, conn net.Conn, buf []byte) (int, error) {
	return Do(w, threadID, addr, instructionID, eventlog.OpBlockEnd, func() (int, error) { return conn.Write(buf) })
}

// ReadWrite wraps a plain-file read or write. It is the one call class
// subject to the RR_ignore_rw_regular_file bypass.
func (w *Wrappers) ReadWrite(threadID int32, addr uintptr, instructionID uint64, op func() (int, error)) (int, error) {
	return DoRegularFile(w, threadID, addr, instructionID, eventlog.OpBlockEnd, op)
}

// Poll wraps a select/poll/epoll_wait-shaped call: native returns once
// something becomes ready or the native timeout elapses.
func (w *Wrappers) Poll(threadID int32, addr uintptr, instructionID uint64, native func() (int, error)) (int, error) {
	return Do(w, threadID, addr, instructionID, eventlog.OpBlockEnd, native)
}

// Wait4 wraps a child-process wait.
func (w *Wrappers) Wait4(threadID int32, addr uintptr, instructionID uint64, native func() (int, error)) (int, error) {
	return Do(w, threadID, addr, instructionID, eventlog.OpBlockEnd, native)
}

// Sleep converts a requested duration into a turn deadline and waits on
// the scheduler's null channel, per the sleep family's "convert to a turn
// deadline" rule. If execNativeSleep is set it also performs a real
// time.Sleep, purely for wall-clock fidelity in demos; by default sleeping
// is pure logical time.
func (w *Wrappers) Sleep(threadID int32, instructionID uint64, d time.Duration) error {
	start := time.Now()

	if w.deps.Passthrough(threadID, 0) {
		if w.execNativeSleep {
			time.Sleep(d)
		}
		return nil
	}

	w.deps.Sched.GetTurn(threadID)
	deadline, err := w.deps.DeadlineFromRelative(int64(d))
	if err != nil {
		w.deps.Sched.PutTurn(threadID, false)
		return err
	}
	w.deps.Sched.Wait(threadID, turn.Channel(0), deadline)
	w.deps.Sched.IncTurnCount(threadID)
	w.deps.LogEvent(threadID, instructionID, eventlog.OpBlockEnd, [2]uint64{uint64(d), 0}, start)
	w.deps.Sched.PutTurn(threadID, false)

	if w.execNativeSleep {
		time.Sleep(d)
	}
	return nil
}

func errFlag(err error) uint64 {
	if err != nil {
		return 1
	}
	return 0
}
