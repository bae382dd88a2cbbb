// Package idle implements the dedicated idle thread: a real goroutine,
// started once at program begin when launch_idle_thread is set, whose
// only job is to keep the turn rotating past the deadlines of pure-sleep
// waiters when no application thread is runnable.
package idle

import (
	"context"

	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// Thread is the idle thread: registered in the registry like any other
// thread, looping idle_cond_wait until Stop is called.
type Thread struct {
	sched      *turn.Scheduler
	logicalID  int32
	cancel     context.CancelFunc
	done       chan struct{}
}

// Start registers a new logical thread, enqueues it, and launches its
// idle loop in a goroutine. Call Stop to end it.
func Start(reg *registry.Registry, sched *turn.Scheduler) *Thread {
	d := reg.Register(0)
	sched.Enqueue(d.LogicalID)

	ctx, cancel := context.WithCancel(context.Background())
	th := &Thread{sched: sched, logicalID: d.LogicalID, cancel: cancel, done: make(chan struct{})}

	go th.loop(ctx)
	return th
}

// LogicalID reports the idle thread's registry id, in case a caller wants
// to address it directly (for example, to confirm it is the one running
// SoleRunnable).
func (th *Thread) LogicalID() int32 {
	return th.logicalID
}

// loop performs idle_cond_wait each turn: take a turn, and IdleStep
// decides internally whether to immediately yield, promote a timed-out
// waiter, or park until the next external wakeup.
func (th *Thread) loop(ctx context.Context) {
	defer close(th.done)
	for {
		select {
		case <-ctx.Done():
			th.sched.GetTurn(th.logicalID)
			th.sched.PutTurn(th.logicalID, true)
			return
		default:
		}
		th.sched.IdleStep(th.logicalID)
	}
}

// Stop cancels the idle loop and waits for it to retire its thread.
func (th *Thread) Stop() {
	th.cancel()
	<-th.done
}
