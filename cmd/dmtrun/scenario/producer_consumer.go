package scenario

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/kolkov/dmt/dmt"
)

func init() {
	register(Scenario{Name: "producer-consumer", Run: runProducerConsumer})
}

const producerConsumerItems = 10

// runProducerConsumer is the condvar analogue of the teacher repo's
// channel-based producer-consumer demo: since this runtime intercepts
// mutex/condvar primitives rather than channel operations, the same
// hand-off shape is rebuilt on a shared queue guarded by a mutex and
// signaled by a condition variable through the wrapper surface.
func runProducerConsumer(outputDir string) (Result, error) {
	r, main, err := dmt.Init(dmt.WithOutputDir(outputDir))
	if err != nil {
		return Result{}, fmt.Errorf("scenario: init: %w", err)
	}
	defer r.Fini()

	var mutexCell, condCell int
	mutexAddr := uintptr(unsafe.Pointer(&mutexCell))
	condAddr := uintptr(unsafe.Pointer(&condCell))

	var queue []int
	closed := false

	producer := r.RegisterThread(2)
	consumer := r.RegisterThread(3)
	r.RetireThread(main)

	received := make(chan []int, 1)
	producerDone := make(chan struct{})

	go func() {
		var instr uint64
		for i := 1; i <= producerConsumerItems; i++ {
			instr++
			r.Mutexes.Lock(producer, mutexAddr, instr)
			queue = append(queue, i)
			instr++
			r.Conds.Signal(producer, condAddr, instr)
			instr++
			r.Mutexes.Unlock(producer, mutexAddr, instr)
		}
		instr++
		r.Mutexes.Lock(producer, mutexAddr, instr)
		closed = true
		instr++
		r.Conds.Signal(producer, condAddr, instr)
		instr++
		r.Mutexes.Unlock(producer, mutexAddr, instr)

		close(producerDone)
		r.RetireThread(producer)
	}()

	go func() {
		var instr uint64
		var collected []int
		for {
			instr++
			r.Mutexes.Lock(consumer, mutexAddr, instr)
			for len(queue) == 0 && !closed {
				instr++
				r.Conds.Wait(consumer, condAddr, mutexAddr, instr)
			}
			done := len(queue) == 0 && closed
			var item int
			if !done {
				item = queue[0]
				queue = queue[1:]
			}
			instr++
			r.Mutexes.Unlock(consumer, mutexAddr, instr)

			if done {
				break
			}
			collected = append(collected, item)
		}
		received <- collected
		r.RetireThread(consumer)
	}()

	var collected []int
	select {
	case collected = <-received:
	case <-time.After(10 * time.Second):
		return Result{}, fmt.Errorf("scenario: consumer never drained the queue")
	}
	select {
	case <-producerDone:
	case <-time.After(10 * time.Second):
		return Result{}, fmt.Errorf("scenario: producer never finished")
	}

	if len(collected) != producerConsumerItems {
		return Result{}, fmt.Errorf("scenario: consumer collected %d items, want %d", len(collected), producerConsumerItems)
	}
	for i, v := range collected {
		if v != i+1 {
			return Result{}, fmt.Errorf("scenario: item %d out of order: got %d", i, v)
		}
	}

	return Result{FinalTurnCount: r.TurnCount(), OutputDir: outputDir}, nil
}
