// Package heap implements Emma's per-thread allocation routing layer
// (spec.md §3 "Heap", §4.3): bin arrays over the arena/page layer, a
// reserve of unbound pages per arena kind, and the allocate/reallocate/
// deallocate entry points a ThreadHeap registry node wraps.
//
// Grounded on the teacher's mcache.go/mcentral.go split (a per-P cache of
// partially-used spans backed by a central free list), generalized from
// Go's P-indexed mcache array to one Heap per goroutine that first
// touches the allocator, and from mcentral's global span lock to Emma's
// lock-free arena/page layer.
package heap

import (
	"fmt"
	"unsafe"

	"github.com/danielschemmel/emma/internal/arena"
	"github.com/danielschemmel/emma/internal/debug"
	"github.com/danielschemmel/emma/internal/lock"
	"github.com/danielschemmel/emma/internal/mmap"
	"github.com/danielschemmel/emma/internal/sizeclass"
)

var nextHeapID lock.Uint64

// Heap is the per-thread allocation front end (spec.md §3 "Heap": "stable
// heap identifier (unique, non-zero); small bin array; small reserve
// list; medium bin array; medium reserve list; large bin array (no
// reserve)"). Its ID outlives any one owning goroutine: a Heap created by
// one goroutine may later be handed to a different one by the registry
// (internal/heapmgr) once its original owner exits, without Heap itself
// changing identity.
type Heap struct {
	ID uint64

	smallBins  [sizeclass.NumSmallBins]*arena.Page
	mediumBins [sizeclass.NumMediumBins]*arena.Page
	largeBins  [sizeclass.NumLargeBins]*arena.Page

	reserveSmall  *arena.Page
	reserveMedium *arena.Page
}

// New creates a Heap with a freshly minted, process-wide-unique,
// non-zero ID.
func New() *Heap {
	return &Heap{ID: nextHeapID.Add(1)}
}

// Allocate routes a (size, alignment) request to the small, medium,
// large or huge path per spec.md §4.1's classification and §4.3's
// routing, returning a nil uintptr (0) and a non-nil error on exhaustion
// or mapping failure. The facade package is responsible for turning that
// error into the null-pointer-shaped return spec.md §6 specifies; this
// layer is free to use ordinary Go errors throughout.
func (h *Heap) Allocate(size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = 1
	}
	padded := sizeclass.PadToAlign(size, align)
	class, bin := sizeclass.ClassOf(padded)

	switch class {
	case sizeclass.Small:
		return h.allocBin(&h.smallBins[bin], sizeclass.RoundUp(padded), int32(bin), arena.KindSmall, &h.reserveSmall)
	case sizeclass.Medium:
		return h.allocBin(&h.mediumBins[bin], sizeclass.RoundUp(padded), int32(bin), arena.KindMedium, &h.reserveMedium)
	case sizeclass.Large:
		return h.allocLarge(bin, sizeclass.RoundUp(padded))
	default:
		return h.allocHuge(padded)
	}
}

// Deallocate returns a previously allocated block. Huge blocks are
// unmapped directly; everything else is routed through the arena layer's
// address-masking Dealloc, which itself decides the local or foreign
// free list purely from the arena's recorded owner heap id (spec.md
// §4.2) — this call does not need to know, or care, whether h is the
// block's original owner.
func (h *Heap) Deallocate(p, size, align uintptr) error {
	if p == 0 {
		return nil
	}
	if align == 0 {
		align = 1
	}
	padded := sizeclass.PadToAlign(size, align)
	class, bin := sizeclass.ClassOf(padded)
	if class == sizeclass.Huge {
		return mmap.Unmap(p, sizeclass.RoundUp(padded))
	}

	handle := arena.Open(arena.Base(p))
	owned := handle.OwnedBy(h.ID)
	arena.Dealloc(p, h.ID)

	// Only the owning heap's own goroutine ever walks its own bin chains,
	// so reclaiming is only attempted on the local path (spec.md §9's
	// resolved open question: empty pages are eagerly returned to
	// reserve). A remote free leaves the emptied page exactly where it
	// is, still bound in its bin; walking the chain does not check
	// LiveCount(), so such a page only returns to the reserve if a later
	// free by its own heap empties it again.
	if !owned {
		return nil
	}
	idx := handle.PageIndex(p)
	switch class {
	case sizeclass.Small:
		h.reclaim(&h.smallBins[bin], &h.reserveSmall, handle, idx)
	case sizeclass.Medium:
		h.reclaim(&h.mediumBins[bin], &h.reserveMedium, handle, idx)
	case sizeclass.Large:
		// No reserve for large pages (spec.md §3): an emptied large page
		// simply stays bound and idle in its bin, ready to serve the next
		// allocation of the same bin without remapping.
	}
	return nil
}

// reclaim splices the page identified by (handle, idx) out of head's
// chain and pushes it onto reserve, once it is confirmed empty. A page
// is only ever unbound while its own heap's goroutine is the one freeing
// into it, so this never races a concurrent walk of the same chain.
func (h *Heap) reclaim(head **arena.Page, reserve **arena.Page, handle arena.Handle, idx uint32) {
	var prev *arena.Page
	for pg := *head; pg != nil; prev, pg = pg, pg.Next {
		if pg.Handle().Base() != handle.Base() || pg.Index() != idx {
			continue
		}
		if pg.LiveCount() != 0 {
			return
		}
		if prev == nil {
			*head = pg.Next
		} else {
			prev.Next = pg.Next
		}
		pg.Stride = 0
		pg.Class = -1
		pg.Next = *reserve
		*reserve = pg
		return
	}
}

// Reallocate implements spec.md §4.3's realloc path: a no-op if the new
// request still rounds to the same bin, an in-place mapping-layer resize
// attempt for huge-to-huge requests, and an allocate/copy/free fallback
// otherwise.
func (h *Heap) Reallocate(p, oldSize, newSize, align uintptr) (uintptr, error) {
	if p == 0 {
		return h.Allocate(newSize, align)
	}
	if newSize == 0 {
		if err := h.Deallocate(p, oldSize, align); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if align == 0 {
		align = 1
	}

	oldPadded := sizeclass.PadToAlign(oldSize, align)
	newPadded := sizeclass.PadToAlign(newSize, align)
	oldClass, oldBin := sizeclass.ClassOf(oldPadded)
	newClass, newBin := sizeclass.ClassOf(newPadded)

	if oldClass == sizeclass.Huge && newClass == sizeclass.Huge {
		oldRounded := sizeclass.RoundUp(oldPadded)
		newRounded := sizeclass.RoundUp(newPadded)
		if oldRounded == newRounded {
			return p, nil
		}
		err := mmap.Resize(p, oldRounded, newRounded)
		if err == nil {
			return p, nil
		}
		if newRounded < oldRounded {
			// spec.md §4.3: on a huge-to-huge shrink, in-place resize must
			// succeed or it is a bug, not a recoverable condition — a
			// shrink never needs more address space, so a kernel refusal
			// here means the mapping layer or its caller violated an
			// invariant, and silently falling back to allocate-copy-free
			// would hide that.
			debug.Assert(false, "huge shrink resize from %d to %d bytes failed: %v", oldRounded, newRounded, err)
			return 0, fmt.Errorf("emma: heap: huge shrink resize failed: %w", err)
		}
		// Growth may fall back to allocate-copy-free (shrink-then-grow
		// race, or the kernel simply won't extend this mapping in place).
	} else if oldClass == newClass && oldBin == newBin {
		return p, nil
	}

	newPtr, err := h.Allocate(newSize, align)
	if err != nil {
		return 0, err
	}
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	if copySize > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), int(copySize))
		src := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(copySize))
		copy(dst, src)
	}
	if err := h.Deallocate(p, oldSize, align); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// allocBin serves a small or medium request: walk the bin's page chain
// looking for spare capacity, splicing the serving page to the head of
// the chain on success (move-to-front, spec.md §4.3: "on success, if the
// serving page was not already the head, splice it to the head"), since
// a page that just yielded a block is the one most likely to have more.
// If none has any, bind a fresh page (from the reserve, or from a freshly
// mapped arena) as the new chain head.
func (h *Heap) allocBin(head **arena.Page, stride uintptr, bin int32, kind arena.Kind, reserve **arena.Page) (uintptr, error) {
	var prev *arena.Page
	for pg := *head; pg != nil; prev, pg = pg, pg.Next {
		if addr, ok := pg.Alloc(); ok {
			if prev != nil {
				prev.Next = pg.Next
				pg.Next = *head
				*head = pg
			}
			return addr, nil
		}
	}

	pg, err := h.takePage(reserve, kind)
	if err != nil {
		return 0, err
	}
	pg.Bind(stride, bin)
	pg.Next = *head
	*head = pg

	addr, ok := pg.Alloc()
	// A page that was just bound to stride has its full payload range in
	// reserve, so its very first Alloc can only fail if stride itself
	// cannot fit in one page — a page-sizing bug, not a runtime condition.
	debug.Assert(ok, "stride %d does not fit a single block in a freshly bound %v page", stride, kind)
	if !ok {
		return 0, fmt.Errorf("emma: heap: stride %d does not fit a single block in a %v page", stride, kind)
	}
	return addr, nil
}

// allocLarge serves a large request. Large arenas contribute exactly one
// page each (spec.md §3), so there is no reserve to draw from: once the
// bin's existing pages are full, a new arena is mapped purely to grow
// this one bin.
func (h *Heap) allocLarge(bin int, stride uintptr) (uintptr, error) {
	head := &h.largeBins[bin]
	for pg := *head; pg != nil; pg = pg.Next {
		if addr, ok := pg.Alloc(); ok {
			return addr, nil
		}
	}

	a, err := arena.New(arena.KindLarge, h.ID)
	if err != nil {
		return 0, fmt.Errorf("emma: heap: %w", err)
	}
	pg := a.Pages[0]
	pg.Bind(stride, int32(bin))
	pg.Next = *head
	*head = pg

	addr, ok := pg.Alloc()
	debug.Assert(ok, "stride %d does not fit a single block in a freshly bound large page", stride)
	if !ok {
		return 0, fmt.Errorf("emma: heap: stride %d does not fit a single block in a large page", stride)
	}
	return addr, nil
}

// allocHuge bypasses the arena layer entirely: a direct, page-rounded
// anonymous mapping, untracked by this Heap (spec.md §9's resolved open
// question: huge allocations carry no bookkeeping beyond what the caller
// supplies back on free/realloc).
func (h *Heap) allocHuge(padded uintptr) (uintptr, error) {
	rounded := sizeclass.RoundUp(padded)
	addr, err := mmap.Map(rounded)
	if err != nil {
		return 0, fmt.Errorf("emma: heap: %w", err)
	}
	return addr, nil
}

// takePage returns an unbound page, either popped from the reserve or
// carved from a freshly mapped arena (whose remaining pages are pushed
// onto the reserve for future bins of the same kind to draw from).
func (h *Heap) takePage(reserve **arena.Page, kind arena.Kind) (*arena.Page, error) {
	if pg := *reserve; pg != nil {
		*reserve = pg.Next
		pg.Next = nil
		return pg, nil
	}

	a, err := arena.New(kind, h.ID)
	if err != nil {
		return nil, fmt.Errorf("emma: heap: %w", err)
	}
	for i := len(a.Pages) - 1; i >= 1; i-- {
		a.Pages[i].Next = *reserve
		*reserve = a.Pages[i]
	}
	first := a.Pages[0]
	first.Next = nil
	return first, nil
}
