// Package dmt is the public surface of the deterministic multithreading
// runtime: Init/Fini lifecycle, the annotations API applications call
// directly, and the synchronization/blocking-I/O wrapper surface that a
// source-to-source instrumentation pass (or a hand-instrumented caller)
// invokes at every intercepted call site.
package dmt

import (
	"errors"
	"time"

	"github.com/kolkov/dmt/internal/dmt/clock"
	"github.com/kolkov/dmt/internal/dmt/config"
	"github.com/kolkov/dmt/internal/dmt/dmtlog"
	"github.com/kolkov/dmt/internal/dmt/eventlog"
	"github.com/kolkov/dmt/internal/dmt/idle"
	"github.com/kolkov/dmt/internal/dmt/ioblock"
	"github.com/kolkov/dmt/internal/dmt/nondet"
	"github.com/kolkov/dmt/internal/dmt/registry"
	"github.com/kolkov/dmt/internal/dmt/stats"
	"github.com/kolkov/dmt/internal/dmt/syncwrap"
	"github.com/kolkov/dmt/internal/dmt/turn"
)

// Option re-exports config.Option so callers configure a Runtime without
// importing the internal config package directly.
type Option = config.Option

var (
	WithDMT                      = config.WithDMT
	WithLogSync                  = config.WithLogSync
	WithIdleThread               = config.WithIdleThread
	WithNanosecPerTurn           = config.WithNanosecPerTurn
	WithIgnoreRWRegularFile      = config.WithIgnoreRWRegularFile
	WithExecSleep                = config.WithExecSleep
	WithEnforceNonDetAnnotations = config.WithEnforceNonDetAnnotations
	WithRecordRuntimeStat        = config.WithRecordRuntimeStat
	WithOutputDir                = config.WithOutputDir
)

// ErrDisabled names the state in which the DMT option is off. No function
// in this package returns it: with DMT off, wrappers pass through to the
// native primitive instead.
var ErrDisabled = errors.New("dmt: deterministic scheduling disabled")

// Runtime bundles every component a running instance needs and is the
// receiver every wrapper-surface and annotation method hangs off of.
type Runtime struct {
	opts config.Options

	reg   *registry.Registry
	sched *turn.Scheduler
	clk   *clock.Clock
	nd    *nondet.Tracker
	log   *eventlog.Appender
	syms  *nondet.SymbolTable
	st    *stats.Counters
	idleT *idle.Thread

	Mutexes    *syncwrap.Mutexes
	RWLocks    *syncwrap.RWLocks
	Conds      *syncwrap.Conds
	Barriers   *syncwrap.Barriers
	Semaphores *syncwrap.Semaphores
	Lineups    *syncwrap.Lineups
	IO         *ioblock.Wrappers
}

// Init builds a Runtime from Default() with opts applied, starts the
// initial thread, opens the event log under opts.OutputDir, and launches
// the idle thread if requested. The returned int32 is the initial thread's
// logical id (0); that thread is already registered and at the head of the
// run queue.
func Init(opts ...Option) (*Runtime, int32, error) {
	o := config.New(opts...)

	reg := registry.New()
	sched := turn.New(reg)
	clk := clock.New()
	if o.NanosecPerTurn > 0 {
		clk.SetNanosecPerTurn(uint64(o.NanosecPerTurn))
	}
	nd := nondet.New(sched)
	syms := nondet.NewSymbolTable()

	var log *eventlog.Appender
	if o.LogSync {
		var err error
		log, err = eventlog.New(o.OutputDir)
		if err != nil {
			return nil, 0, err
		}
		log.SetSymbolTable(syms.Lookup)
	}

	main := reg.Register(1)
	sched.Start(main.LogicalID)

	st := stats.New()
	var statsDep *stats.Counters
	if o.RecordRuntimeStat {
		statsDep = st
	}
	deps := &syncwrap.Deps{Sched: sched, Clk: clk, ND: nd, Log: log, St: statsDep, Disabled: !o.DMT}

	mutexes := syncwrap.NewMutexes(deps)

	r := &Runtime{
		opts:       o,
		reg:        reg,
		sched:      sched,
		clk:        clk,
		nd:         nd,
		log:        log,
		syms:       syms,
		st:         st,
		Mutexes:    mutexes,
		RWLocks:    syncwrap.NewRWLocks(deps),
		Conds:      syncwrap.NewConds(deps, mutexes),
		Barriers:   syncwrap.NewBarriers(deps),
		Semaphores: syncwrap.NewSemaphores(deps),
		Lineups:    syncwrap.NewLineups(deps),
		IO:         ioblock.New(deps, o.IgnoreRWRegularFile, o.ExecSleep),
	}

	if o.LaunchIdleThread {
		r.idleT = idle.Start(reg, sched)
	}

	dmtlog.L.WithField("output_dir", o.OutputDir).Info("dmt: runtime initialized")
	return r, main.LogicalID, nil
}

// Fini shuts down the idle thread, flushes and closes the event log, and
// logs the runtime statistics summary if RecordRuntimeStat is set.
func (r *Runtime) Fini() error {
	if r.idleT != nil {
		r.idleT.Stop()
	}
	if r.opts.RecordRuntimeStat {
		r.st.LogSummary()
	}
	if r.log != nil {
		return r.log.Close()
	}
	return nil
}

// RegisterThread registers nativeHandle as a new logical thread and
// enqueues it onto the run queue, mirroring the registry's spawn path for
// a thread the caller has already started natively.
func (r *Runtime) RegisterThread(nativeHandle uint64) int32 {
	d := r.reg.Register(nativeHandle)
	r.sched.Enqueue(d.LogicalID)
	return d.LogicalID
}

// RetireThread takes threadID's turn one last time and removes it from
// the run queue for good, the wrapper-surface equivalent of a thread
// returning from its thread function.
func (r *Runtime) RetireThread(threadID int32) {
	r.sched.GetTurn(threadID)
	r.sched.PutTurn(threadID, true)
}

// NonDetStart implements the non_det_start annotation. If
// EnforceNonDetAnnotations is off, it is a no-op: every wrapper then sees
// InRegion as always false, so everything is treated as deterministic.
func (r *Runtime) NonDetStart(threadID int32) {
	if !r.opts.EnforceNonDetAnnotations {
		return
	}
	r.nd.Start(threadID)
	r.st.RecordNonDetRegion()
}

// NonDetEnd implements the non_det_end annotation.
func (r *Runtime) NonDetEnd(threadID int32) {
	if !r.opts.EnforceNonDetAnnotations {
		return
	}
	r.nd.End(threadID)
}

// LineupInit implements lineup_init. It returns ErrInvalidCount for
// count <= 0 (rejected at init, per the lineup boundary case) and panics
// if addr already holds a live lineup (fatal misuse: lineup id reuse).
func (r *Runtime) LineupInit(addr uintptr, count int) error {
	return r.Lineups.Init(addr, count)
}

// LineupStart implements lineup_start, recording the success/timeout
// outcome into the stats counters.
func (r *Runtime) LineupStart(threadID int32, addr uintptr, instructionID uint64, timeout time.Duration) error {
	err := r.Lineups.Start(threadID, addr, instructionID, int64(timeout))
	r.st.RecordLineupOutcome(errors.Is(err, syncwrap.ErrTimedOut))
	return err
}

// LineupEnd implements lineup_end.
func (r *Runtime) LineupEnd(threadID int32, addr uintptr, instructionID uint64) {
	r.Lineups.End(threadID, addr, instructionID)
}

// LineupDestroy implements lineup_destroy.
func (r *Runtime) LineupDestroy(addr uintptr) error {
	return r.Lineups.Destroy(addr)
}

// SetBaseTimespec implements set_base_timespec: sec/nsec are the
// traditional POSIX timespec pair.
func (r *Runtime) SetBaseTimespec(threadID int32, sec, nsec int64) {
	r.clk.SetBaseTime(threadID, sec*int64(time.Second)+nsec)
}

// SetBaseTimeval implements set_base_timeval: sec/usec are the
// traditional POSIX timeval pair.
func (r *Runtime) SetBaseTimeval(threadID int32, sec, usec int64) {
	r.clk.SetBaseTime(threadID, sec*int64(time.Second)+usec*int64(time.Microsecond))
}

// Symbolic implements symbolic(addr, len, name): a purely diagnostic
// annotation with no effect on scheduling.
func (r *Runtime) Symbolic(addr uintptr, length int, name string) {
	r.syms.Symbolic(addr, length, name)
}

// Stats exposes the runtime statistics counters, for callers that want to
// read or log them outside of Fini.
func (r *Runtime) Stats() *stats.Counters {
	return r.st
}

// TurnCount reports the scheduler's current turn counter, useful for a
// caller that wants to confirm two runs of the same scenario reached the
// same logical point.
func (r *Runtime) TurnCount() uint64 {
	return r.sched.TurnCount()
}
