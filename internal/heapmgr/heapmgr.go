// Package heapmgr implements Emma's process-wide ThreadHeap registry
// (spec.md §3 "ThreadHeap registry", §4.4): a lock-free singly-linked
// list of registry nodes, each owning one heap.Heap and guarded by a
// robust futex-style lock word, plus the per-goroutine cached-heap
// fast path and the post-fork reassignment pass.
//
// Grounded on the teacher's allp/allm bookkeeping (a never-shrinking,
// append-only registry the scheduler walks at GC and sysmon time) and on
// the goroutine-identity pattern in other_examples' routine.ThreadLocal
// usage, since Go has no native notion of "the calling OS thread" the
// way the spec's source runtime does.
package heapmgr

import (
	"os"

	"github.com/timandy/routine"

	"github.com/danielschemmel/emma/internal/debug"
	"github.com/danielschemmel/emma/internal/heap"
	"github.com/danielschemmel/emma/internal/lock"
)

// node is one entry in the registry: a heap plus the lock word that
// arbitrates which goroutine currently owns it. Nodes are created once
// and never unlinked (spec.md §4.4: "the registry never shrinks; nodes
// outlive their creating thread").
type node struct {
	heap *heap.Heap
	lock lock.LockWord
	next lock.Pointer[node]
}

var head lock.Pointer[node]

// registeredPID tracks the PID the registry was last known to run under,
// so acquire can detect a fork child on its first allocation and run the
// reassignment pass of spec.md §4.4 step 1 before doing anything else.
var registeredPID lock.Uint64

// cachedHeap is the per-goroutine cached pointer to the node currently
// owned by this goroutine (spec.md §4.4: "a thread-local cached pointer
// to the owning node, invalidated... on fork"). routine.ThreadLocal
// keys its slot by goroutine id and drops it when the goroutine exits.
// Dropping the slot does not unlock the node: another goroutine can only
// take it over after Release or a fork fixup.
var cachedHeap = routine.NewThreadLocalWithInitial(func() any { return (*node)(nil) })

func init() {
	registeredPID.Store(uint64(os.Getpid()))
}

// Acquire returns the heap.Heap owned by the calling goroutine: its
// cached node when it has one, otherwise the first registry node that is
// unlocked (released) or already assigned to the caller, and only when
// no such node exists a brand-new registry node (spec.md §4.4 steps 2-3).
func Acquire() *heap.Heap {
	maybeRunForkFixup()

	if n, _ := cachedHeap.Get().(*node); n != nil {
		return n.heap
	}

	tid := uint64(routine.Goid())
	for n := head.Load(); n != nil; n = n.next.Load() {
		switch n.lock.TryAcquire(tid, isLive) {
		case lock.Acquired, lock.AlreadyOwnedByCaller:
			cachedHeap.Set(n)
			debug.Log("heapmgr", "acquire", "reused node for heap %d by g%d", n.heap.ID, tid)
			return n.heap
		case lock.HeldElsewhere:
			continue
		}
	}

	return createNode(tid)
}

func createNode(tid uint64) *heap.Heap {
	n := &node{heap: heap.New()}
	n.lock.Init(tid)

	for {
		old := head.Load()
		n.next.Store(old)
		if head.CAS(old, n) {
			break
		}
		lock.Yield() // spec.md §6's thread-yield primitive, backing off under registry-push contention
	}

	cachedHeap.Set(n)
	debug.Log("heapmgr", "acquire", "created heap %d for g%d", n.heap.ID, tid)
	return n.heap
}

// Release gives up the calling goroutine's cached ownership without
// destroying the node, so a later goroutine can reuse the same heap
// (spec.md §3: "re-used by a later thread after its owner exits").
// It is not called automatically when a goroutine exits: a goroutine
// that exits without calling Release keeps its node locked (see isLive).
func Release() {
	n, _ := cachedHeap.Get().(*node)
	if n == nil {
		return
	}
	n.lock.Release(uint64(routine.Goid()))
	cachedHeap.Remove()
}

// isLive reports whether tid still denotes a goroutine this process
// believes is running. Go has no portable "is this goroutine alive"
// query analogous to pthread's ESRCH (pthread_kill(tid, 0)), so unlike a
// real OS thread registry, Emma cannot independently confirm a silent
// owner's death: it always answers true here and relies entirely on the
// node being handed over explicitly, by Release (which clears the lock
// word) or by ForceAssign on fork fixup. A goroutine that stops running without ever
// calling Release (e.g. it is parked forever, never unwinding) leaves its
// node permanently unavailable for reuse; that is an accepted limitation
// of emulating thread-local ownership on top of goroutines rather than
// OS threads.
func isLive(tid uint64) bool { return true }

// maybeRunForkFixup detects a changed PID (meaning: we are executing in
// a freshly forked child, per spec.md §4.4 step 1) and reassigns every
// registry node to the calling goroutine, since in a freshly forked
// process only the forking thread survives into the child.
func maybeRunForkFixup() {
	pid := uint64(os.Getpid())
	prev := registeredPID.Load()
	if prev == pid {
		return
	}
	if !registeredPID.CAS(prev, pid) {
		return // another goroutine in this child already ran the fixup
	}

	tid := uint64(routine.Goid())
	for n := head.Load(); n != nil; n = n.next.Load() {
		n.lock.ForceAssign(tid)
	}
	cachedHeap.Remove()
	debug.Log("heapmgr", "fork", "reassigned registry to g%d after pid change", tid)
}
