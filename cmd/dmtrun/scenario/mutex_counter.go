package scenario

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/kolkov/dmt/dmt"
)

func init() {
	register(Scenario{Name: "mutex-counter", Run: runMutexCounter})
}

const (
	mutexCounterGoroutines = 10
	mutexCounterIncrements = 100
)

// runMutexCounter spawns several goroutines that all increment a shared
// counter through the mutex wrapper, the DMT analogue of the teacher
// repo's mutex-protected counter demo: every increment is serialized
// through the turn scheduler instead of a bare sync.Mutex, so the
// recorded interleaving is the same on every run.
func runMutexCounter(outputDir string) (Result, error) {
	r, main, err := dmt.Init(dmt.WithOutputDir(outputDir))
	if err != nil {
		return Result{}, fmt.Errorf("scenario: init: %w", err)
	}
	defer r.Fini()

	var counter int
	addr := uintptr(unsafe.Pointer(&counter))

	ids := make([]int32, mutexCounterGoroutines)
	for i := range ids {
		ids[i] = r.RegisterThread(uint64(i + 2))
	}
	r.RetireThread(main)

	done := make(chan struct{}, mutexCounterGoroutines)
	for i, id := range ids {
		go func(id int32, gi int) {
			var instr uint64
			for j := 0; j < mutexCounterIncrements; j++ {
				instr++
				r.Mutexes.Lock(id, addr, instr)
				counter++
				instr++
				r.Mutexes.Unlock(id, addr, instr)
			}
			done <- struct{}{}
			r.RetireThread(id)
		}(id, i)
	}

	for range ids {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			return Result{}, fmt.Errorf("scenario: a goroutine never finished incrementing")
		}
	}

	want := mutexCounterGoroutines * mutexCounterIncrements
	if counter != want {
		return Result{}, fmt.Errorf("scenario: final counter %d, want %d (mutex serialization broke)", counter, want)
	}

	return Result{FinalTurnCount: r.TurnCount(), OutputDir: outputDir}, nil
}
