// Package dmt provides a deterministic multithreading runtime that
// serializes synchronization and blocking-I/O calls through a single
// logical turn timeline, so a given program input always yields the same
// interleaving of events across runs.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/dmt/dmt"
//
//	func main() {
//		r, main, err := dmt.Init(dmt.WithOutputDir("dmt-logs"))
//		if err != nil {
//			panic(err)
//		}
//		defer r.Fini()
//
//		addr := uintptr(0x1000) // the address identifying a shared lock
//		r.Mutexes.Lock(main, addr, 1)
//		r.Mutexes.Unlock(main, addr, 2)
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Lifecycle: [Init], [Runtime.Fini]
//   - Thread registration: [Runtime.RegisterThread], [Runtime.RetireThread]
//   - Synchronization wrappers: [Runtime.Mutexes], [Runtime.RWLocks],
//     [Runtime.Conds], [Runtime.Barriers], [Runtime.Semaphores], [Runtime.Lineups]
//   - Blocking I/O wrappers: [Runtime.IO]
//   - Annotations: [Runtime.NonDetStart], [Runtime.NonDetEnd],
//     [Runtime.LineupInit], [Runtime.SetBaseTimespec], [Runtime.Symbolic]
//
// # How It Works
//
// Every wrapper method takes an explicit thread id and an address
// identifying the synchronization object, and moves through the same
// protocol: check whether the calling thread is inside a non-deterministic
// region (passthrough to native if so), take the turn, drive the native
// primitive or the wait queue, log what happened, and hand the turn back.
// Because at most one thread executes a wrapper's critical region per
// turn, and the run queue's rotation order is deterministic given the same
// sequence of calls, replaying the same call sequence reproduces the same
// interleaving.
//
// # Compatibility
//
// This is a library, not a drop-in replacement for a language runtime:
// callers intercept their own synchronization call sites (by hand, or via
// a source-to-source instrumentation pass) and route them through the
// wrapper surface instead of directly through sync/net/os.
package dmt
