// Package registry assigns and retires the dense logical thread ids the
// rest of the runtime uses to key run queues, wait queues, and the event
// log. It also implements the two-semaphore spawn hand-off protocol that
// lets a parent thread publish a child's descriptor before the child is
// allowed to take a turn.
package registry

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/dmt/internal/dmt/dmtlog"
)

// Invalid is the reserved "no thread" logical id.
const Invalid int32 = -1

// UnlimitedDeadline marks a wait with no timeout, the deadline_turns ==
// UINT_MAX convention.
const UnlimitedDeadline uint64 = ^uint64(0)

// Descriptor is the per-thread scheduling state — the runtime's "thread
// descriptor". Exactly one live Descriptor exists per registered thread.
// Fields are mutated only by the owning thread or by the scheduler while it
// holds either the turn or the scheduler's internal lock; Registry itself
// only ever hands out pointers and never mutates a Descriptor's scheduling
// fields.
type Descriptor struct {
	// LogicalID is dense, starting at 0 for the initial thread.
	LogicalID int32

	// NativeHandle is the caller-supplied handle passed to Register. Go has
	// no public thread-local storage, so Self passes the goroutine id
	// obtained by parsing runtime.Stack().
	NativeHandle uint64

	// Wake is the thread's private wake primitive: a capacity-1 channel
	// used the way a native semaphore would be used by an OS-thread
	// implementation of this same protocol. Posting is a non-blocking
	// send; waiting is a receive.
	Wake chan struct{}

	// WaitChannel identifies what synchronization object this thread is
	// currently parked on. Zero means "not waiting".
	WaitChannel uintptr

	// Deadline is the turn number at which a timed wait expires.
	// UnlimitedDeadline means "wait indefinitely".
	Deadline uint64

	// Zombie is set when the thread function has returned but no other
	// thread has joined it yet.
	Zombie bool

	// beginDone is the second spawn semaphore: it forces the parent to
	// synchronize with its own child before releasing the turn to anyone
	// else, so two concurrent spawns cannot cross-wire their begin
	// signals.
	beginDone chan struct{}
}

// Registry is the process-wide table of live and zombie thread descriptors.
type Registry struct {
	mu sync.Mutex

	byNative  map[uint64]*Descriptor
	byLogical map[int32]*Descriptor
	zombies   map[int32]*Descriptor

	free []int32
	next int32
}

// New creates an empty registry. The caller is responsible for registering
// the initial (main) thread with Register before use.
func New() *Registry {
	return &Registry{
		byNative:  make(map[uint64]*Descriptor),
		byLogical: make(map[int32]*Descriptor),
		zombies:   make(map[int32]*Descriptor),
	}
}

// allocID returns the next logical id, reusing a retired one if available.
// Must be called with r.mu held.
func (r *Registry) allocID() int32 {
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		return id
	}
	if r.next == 1<<31-1 {
		panic("registry: logical thread id space exhausted")
	}
	id := r.next
	r.next++
	return id
}

// Register assigns a fresh logical id to nativeHandle and publishes the
// resulting Descriptor. This must be called by the *parent* thread, while
// it holds the turn, before the child is released to run — the second
// step of the spawn hand-off protocol.
func (r *Registry) Register(nativeHandle uint64) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &Descriptor{
		LogicalID:    r.allocID(),
		NativeHandle: nativeHandle,
		Wake:         make(chan struct{}, 1),
		beginDone:    make(chan struct{}, 1),
	}
	r.byNative[nativeHandle] = d
	r.byLogical[d.LogicalID] = d
	return d
}

// Self returns the calling goroutine's Descriptor, keyed by its goroutine
// id, and registers it on first use.
func (r *Registry) Self() *Descriptor {
	handle := goroutineID()
	r.mu.Lock()
	d, ok := r.byNative[handle]
	r.mu.Unlock()
	if ok {
		return d
	}
	return r.Register(handle)
}

// Lookup returns the descriptor for a logical id, or nil if it is not a
// live or zombie thread.
func (r *Registry) Lookup(id int32) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byLogical[id]; ok {
		return d
	}
	return r.zombies[id]
}

// Retire moves a thread's descriptor from the live table into the zombie
// set at thread end. The id is not reused until a later Join reaps it, so
// wait-queue and run-queue entries referencing the id by value stay valid
// until the join completes.
func (r *Registry) Retire(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byLogical[id]
	if !ok {
		return
	}
	d.Zombie = true
	delete(r.byLogical, id)
	delete(r.byNative, d.NativeHandle)
	r.zombies[id] = d
}

// Join reaps a zombie thread, returning its Descriptor and freeing its
// logical id for reuse. Returns false if id is not currently a zombie.
func (r *Registry) Join(id int32) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.zombies[id]
	if !ok {
		return nil, false
	}
	delete(r.zombies, id)
	r.free = append(r.free, id)
	return d, true
}

// BeginSpawn implements the last steps of the spawn hand-off protocol
// around a caller-supplied thunk that starts the native goroutine: it
// releases the child to run, then blocks until the child has posted
// beginDone, preventing a second concurrent spawn from racing on the
// first. The caller is responsible for placing the child at the tail of
// the run queue and releasing the turn before calling this.
func (r *Registry) BeginSpawn(child *Descriptor, start func(begin <-chan struct{}, beginDone chan<- struct{})) {
	begin := make(chan struct{}, 1)
	go start(begin, child.beginDone)
	// Step (5): release the child to run.
	begin <- struct{}{}
	// Step (6): wait for the child to record its own id before allowing
	// a second spawn to reuse the begin semaphore.
	<-child.beginDone
}

// ChildReady is called by a freshly spawned thread once it has read its
// logical id from the begin channel, posting beginDone so the spawning
// parent can proceed — the child's half of BeginSpawn's handshake.
func ChildReady(beginDone chan<- struct{}) {
	beginDone <- struct{}{}
}

// goroutineID extracts the current goroutine's id by parsing the header
// line of runtime.Stack(). An assembly fast path pinned to specific Go
// runtime struct layouts would be faster but brittle across Go versions;
// that tradeoff is not worth it here (see DESIGN.md) because Self() is not
// a per-memory-access hot path in this runtime — it is called once per
// wrapper invocation at most, and correctness across Go versions matters
// far more than the ~1.5us this costs.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, err := parseGoroutineID(buf[:n])
	if err != nil {
		dmtlog.L.WithError(err).Error("registry: failed to parse goroutine id, falling back to process-wide counter")
		return fallbackID()
	}
	return id
}

var fallbackCounter atomic.Uint64

// fallbackID hands out a monotonically increasing id when stack parsing
// fails (e.g. a future Go runtime changes the "goroutine N [...]" header).
// This trades determinism of native-handle identity for availability; the
// logical ids assigned on top of it are unaffected.
func fallbackID() uint64 {
	return fallbackCounter.Add(1)
}

func parseGoroutineID(buf []byte) (uint64, error) {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0, fmt.Errorf("registry: unexpected stack header %q", buf)
	}
	var id uint64
	i := len(prefix)
	start := i
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		id = id*10 + uint64(buf[i]-'0')
		i++
	}
	if i == start {
		return 0, fmt.Errorf("registry: no digits in stack header %q", buf)
	}
	return id, nil
}
