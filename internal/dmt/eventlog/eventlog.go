// Package eventlog implements the append-only, per-thread event log: a
// directory of fixed-shape records, one file per thread, buffered per
// thread and never interleaved because the scheduler's exclusive-turn
// discipline already serializes turn numbers across threads.
//
// The Appender keeps its per-thread writers and files in plain maps keyed
// by logical thread id and guarded by one mutex.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
)

// MaxInlineArgs is the number of arguments a Record stores inline before
// spilling into the Extra chain.
const MaxInlineArgs = 2

// MaxExtraArgs bounds the length of an Extra chain for a single logical
// operation.
const MaxExtraArgs = 6

// Op identifies the kind of event a Record describes.
type Op uint8

const (
	OpMutexLock Op = iota
	OpMutexUnlock
	OpMutexTryLock
	OpMutexTimedLock
	OpRWLockRLock
	OpRWLockLock
	OpRWLockUnlock
	OpCondWaitBegin
	OpCondWaitEnd
	OpCondSignal
	OpCondBroadcast
	OpBarrierWait
	OpSemWait
	OpSemPost
	OpLineupStart
	OpLineupEnd
	OpBlockBegin
	OpBlockEnd
	OpNonDetStart
	OpNonDetEnd
	OpForkParent
	OpForkChild
)

// String renders an Op the way a log-dump tool would print it. Kept small
// and explicit rather than reflection-based, since this can run once per
// logged event.
func (o Op) String() string {
	switch o {
	case OpMutexLock:
		return "mutex_lock"
	case OpMutexUnlock:
		return "mutex_unlock"
	case OpMutexTryLock:
		return "mutex_trylock"
	case OpMutexTimedLock:
		return "mutex_timedlock"
	case OpRWLockRLock:
		return "rwlock_rlock"
	case OpRWLockLock:
		return "rwlock_lock"
	case OpRWLockUnlock:
		return "rwlock_unlock"
	case OpCondWaitBegin:
		return "cond_wait_begin"
	case OpCondWaitEnd:
		return "cond_wait_end"
	case OpCondSignal:
		return "cond_signal"
	case OpCondBroadcast:
		return "cond_broadcast"
	case OpBarrierWait:
		return "barrier_wait"
	case OpSemWait:
		return "sem_wait"
	case OpSemPost:
		return "sem_post"
	case OpLineupStart:
		return "lineup_start"
	case OpLineupEnd:
		return "lineup_end"
	case OpBlockBegin:
		return "block_begin"
	case OpBlockEnd:
		return "block_end"
	case OpNonDetStart:
		return "nondet_start"
	case OpNonDetEnd:
		return "nondet_end"
	case OpForkParent:
		return "fork_parent"
	case OpForkChild:
		return "fork_child"
	default:
		return "unknown"
	}
}

// Timing is the per-record (app_time, syscall_time, sched_time) triple,
// used only for logging and never for scheduling decisions.
type Timing struct {
	AppTime     time.Duration
	SyscallTime time.Duration
	SchedTime   time.Duration
}

// Record is one fixed-shape event. Extra holds any arguments beyond
// MaxInlineArgs; a real on-disk format would chain overflow records, but
// since Go lets a single Record carry a slice without giving up the
// "fixed shape per op" property that matters (the wrapper always knows how
// many args an op needs), Extra is kept as part of the same Record instead
// of being split into chained records on the wire.
type Record struct {
	InstructionID uint64
	Turn          uint64
	ThreadID      int32
	Op            Op
	Args          [MaxInlineArgs]uint64
	Extra         []uint64
	Timing        Timing
}

// Appender owns one buffered writer per thread and the directory they live
// in. Zero value is not usable; construct with New.
type Appender struct {
	mu        sync.Mutex
	dir       string
	pid       int
	writers   map[int32]*bufio.Writer
	files     map[int32]*os.File
	symbolize func(addr uint64) (name string, ok bool)
}

// New creates an Appender rooted at dir (the runtime's output_dir option).
// The directory is created if it does not exist.
func New(dir string) (*Appender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: creating output_dir %q: %w", dir, err)
	}
	return &Appender{
		dir:     dir,
		pid:     os.Getpid(),
		writers: make(map[int32]*bufio.Writer),
		files:   make(map[int32]*os.File),
	}, nil
}

// SetSymbolTable stores an address-to-name lookup (see dmt.Symbolic).
// Append does not consult it: records on disk carry raw addresses.
func (a *Appender) SetSymbolTable(lookup func(addr uint64) (string, bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbolize = lookup
}

// writerFor returns (creating if needed) the buffered writer for
// threadID's log file, named tid-<pid>-<logical_id>.log.
func (a *Appender) writerFor(threadID int32) (*bufio.Writer, error) {
	if w, ok := a.writers[threadID]; ok {
		return w, nil
	}
	path := filepath.Join(a.dir, fmt.Sprintf("tid-%d-%d.log", a.pid, threadID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %q: %w", path, err)
	}
	w := bufio.NewWriter(f)
	a.files[threadID] = f
	a.writers[threadID] = w
	return w, nil
}

// Append writes r to threadID's log. Writes are buffered; call Flush (or
// Close) to guarantee durability, in particular before a fork.
func (a *Appender) Append(threadID int32, r Record) error {
	if len(r.Extra) > MaxExtraArgs {
		return fmt.Errorf("eventlog: record for op %s carries %d extra args, max is %d", r.Op, len(r.Extra), MaxExtraArgs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	w, err := a.writerFor(threadID)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%v\t%v\t%d\t%d\t%d\n",
		r.InstructionID, r.Turn, threadID, r.Op, r.Args, r.Extra,
		r.Timing.AppTime, r.Timing.SyscallTime, r.Timing.SchedTime); err != nil {
		return fmt.Errorf("eventlog: writing record: %w", err)
	}
	return nil
}

// Flush drains threadID's buffer to disk without closing the underlying
// file, used by the fork contract: the parent flushes before the native
// fork so the child's inherited (but now-stale) buffer does not get
// written twice.
func (a *Appender) Flush(threadID int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.writers[threadID]
	if !ok {
		return nil
	}
	return w.Flush()
}

// FlushAll flushes every thread's buffer, used before fork in the general
// case where the caller does not know which thread is forking.
func (a *Appender) FlushAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.writers {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("eventlog: flushing thread %d: %w", id, err)
		}
	}
	return nil
}

// Reinit discards all open files and writers without flushing, and is
// called by a forked child's thread-begin handler so the child starts its
// own independent log rather than continuing to append to the parent's
// inherited file descriptors.
func (a *Appender) Reinit(dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.files {
		_ = f.Close()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("eventlog: reinit output_dir %q: %w", dir, err)
	}
	a.dir = dir
	a.pid = os.Getpid()
	a.writers = make(map[int32]*bufio.Writer)
	a.files = make(map[int32]*os.File)
	return nil
}

// Close flushes and closes every open thread log.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for id, w := range a.writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("eventlog: flushing thread %d on close: %w", id, err)
		}
		if err := a.files[id].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("eventlog: closing thread %d log: %w", id, err)
		}
	}
	if firstErr != nil {
		dmtlog.L.WithError(firstErr).Error("eventlog: error while closing")
	}
	return firstErr
}
