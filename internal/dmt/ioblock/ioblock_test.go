package ioblock

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/dmt/internal/dmt/clock"
	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/nondet"
	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/syncwrap"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

func newTestDeps(t *testing.T) (*syncwrap.Deps, *registry.Registry, *turn.Scheduler, int32) {
	reg := registry.New()
	sch := turn.New(reg)
	clk := clock.New()
	clk.SetNanosecPerTurn(1000)
	log, err := eventlog.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	main := reg.Register(1)
	sch.Start(main.LogicalID)

	return &syncwrap.Deps{Sched: sch, Clk: clk, ND: nondet.New(sch), Log: log}, reg, sch, main.LogicalID
}

func TestAcceptConnectRoundTripCompletes(t *testing.T) {
	deps, reg, sch, main := newTestDeps(t)
	w := New(deps, false, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	server := reg.Register(2)
	sch.Enqueue(server.LogicalID)
	sch.GetTurn(main)
	sch.PutTurn(main, true)

	acceptDone := make(chan net.Conn, 1)
	go func() {
		conn, err := w.Accept(server.LogicalID, uintptr(0x100), 1, ln)
		require.NoError(t, err)
		acceptDone <- conn
		sch.GetTurn(server.LogicalID)
		sch.PutTurn(server.LogicalID, true)
	}()

	client := reg.Register(3)
	sch.Enqueue(client.LogicalID)
	go func() {
		conn, err := w.Connect(client.LogicalID, uintptr(0x200), 2, "tcp", ln.Addr().String())
		require.NoError(t, err)
		conn.Close()
		sch.GetTurn(client.LogicalID)
		sch.PutTurn(client.LogicalID, true)
	}()

	select {
	case conn := <-acceptDone:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}
}

func TestSleepOnSoleThreadTimesOutImmediately(t *testing.T) {
	deps, _, _, main := newTestDeps(t)
	w := New(deps, false, false)

	// main is the sole runnable thread; the deadlock-detection escape
	// valve force-promotes its sleep deadline immediately rather than
	// wedging forever.
	err := w.Sleep(main, 1, time.Microsecond)
	require.NoError(t, err)
}

func TestReadWriteBypassesBlockProtocolWhenIgnored(t *testing.T) {
	deps, _, sch, main := newTestDeps(t)
	w := New(deps, true, false)

	before := sch.TurnCount()
	n, err := w.ReadWrite(main, 0, 1, func() (int, error) { return 4, nil })
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, before, sch.TurnCount(), "bypassed regular-file IO must not advance the turn counter")
}
