package lock

import "runtime"

// ownerDiedBit marks a lock word whose owner is known to be gone. It is
// stored in the top bit of the word, leaving 63 bits for the tid, which
// is ample: routine.Goid ids are small positive int64s.
const ownerDiedBit = uint64(1) << 63

// LockWord is the futex-style, non-blocking, robust-style lock word spec.md
// §4.4 assigns to each ThreadHeap registry node: "a lock word (futex-style,
// storing the owning tid)". Zero means unlocked.
type LockWord struct {
	word Uint64
}

// Init sets a freshly zero-valued LockWord to be already held by tid, for
// a newly created registry node (spec.md §4.4 step 3). Must only be
// called before the LockWord is published to other goroutines.
func (l *LockWord) Init(tid uint64) {
	l.word.Store(tid)
}

// AcquireResult is the outcome of a single non-blocking acquisition
// attempt against one registry node, matching spec.md §4.4 step 2's three
// named outcomes plus the post-fork "already held by caller" case.
type AcquireResult int

const (
	// Acquired means the caller now owns the node's heap.
	Acquired AcquireResult = iota
	// HeldElsewhere means another live owner holds the node; try the next one.
	HeldElsewhere
	// AlreadyOwnedByCaller is the rare post-fork case where the fixup
	// already named our own tid as the owner.
	AlreadyOwnedByCaller
)

// TryAcquire attempts a non-blocking, robust-style acquisition by the
// given tid against a snapshot of isLive (a function answering whether a
// given tid still denotes a live thread). It implements spec.md §4.4 step
// 2's acquired / held-elsewhere / owner-no-longer-exists / already-held
// decision, preferring the robust (owner-died-bit) path over the stale-TID
// CAS path when both conditions hold simultaneously, per §9's resolution
// of that open question.
func (l *LockWord) TryAcquire(tid uint64, isLive func(uint64) bool) AcquireResult {
	for {
		cur := l.word.Load()
		owner := cur &^ ownerDiedBit
		died := cur&ownerDiedBit != 0

		if owner == 0 {
			if l.word.CAS(cur, tid) {
				return Acquired
			}
			Yield()
			continue
		}
		if owner == tid {
			return AlreadyOwnedByCaller
		}
		if died || !isLive(owner) {
			// Robust path takes precedence over a raw stale-TID CAS per
			// DESIGN.md's resolution of the §9 open question: either way
			// we CAS the exact word we observed to our own tid (clearing
			// the died bit), so the two paths collapse to one CAS here.
			if l.word.CAS(cur, tid) {
				return Acquired
			}
			Yield()
			continue
		}
		return HeldElsewhere
	}
}

// Release clears ownership if tid is the current owner; a call with any
// other tid leaves the word unchanged.
func (l *LockWord) Release(tid uint64) {
	cur := l.word.Load()
	if cur&^ownerDiedBit != tid {
		return
	}
	l.word.CAS(cur, 0)
}

// MarkOwnerDead flags the current owner as no longer live, called by a
// reaper or by a subsequent acquirer that independently discovered the
// owner has exited without releasing the lock.
func (l *LockWord) MarkOwnerDead() {
	for {
		cur := l.word.Load()
		if cur == 0 || cur&ownerDiedBit != 0 {
			return
		}
		if l.word.CAS(cur, cur|ownerDiedBit) {
			return
		}
		Yield()
	}
}

// ForceAssign unconditionally overwrites the word with tid, clearing the
// owner-died bit. Used only by the fork-fixup pass of spec.md §4.4 step 1,
// which reassigns every node to the single surviving thread.
func (l *LockWord) ForceAssign(tid uint64) {
	l.word.Store(tid)
}

// Owner returns the raw owning tid (0 if unlocked) and whether the
// owner-died bit is set.
func (l *LockWord) Owner() (tid uint64, died bool) {
	cur := l.word.Load()
	return cur &^ ownerDiedBit, cur&ownerDiedBit != 0
}

// Yield is the thread-yield primitive spec.md §6 requires for the
// spinlock fallback.
func Yield() { runtime.Gosched() }
