package arena

import (
	"unsafe"

	"github.com/danielschemmel/emma/internal/debug"
	"github.com/danielschemmel/emma/internal/lock"
)

// Page is the Go-managed counterpart to a rawPageDesc: a small, ordinary
// heap object created once per physical page and then kept alive purely
// by being linked into a Heap's bin or reserve chains. It carries the
// state that only the owning goroutine ever touches — the chain link
// used to walk a bin, and the size class the page is currently bound to
// — so it never needs to be rediscovered via address masking. The data
// that a remote goroutine's Dealloc must reach without this object in
// hand (owner heap id, free list heads) instead lives in the page's
// rawPageDesc, reached purely through Handle.
type Page struct {
	Next *Page // chain link for a heap bin or reserve list

	handle Handle
	index  uint32

	// Stride is the block size this page currently serves; 0 while the
	// page sits unbound on a reserve list. Class mirrors the owning
	// heap's bin index, -1 while unbound.
	Stride uintptr
	Class  int32
}

// Handle returns the arena handle this page belongs to.
func (p *Page) Handle() Handle { return p.handle }

// Index returns the page's index within its arena.
func (p *Page) Index() uint32 { return p.index }

// Bind (re)configures an unbound (or emptied) page to serve fixed-size
// blocks of the given stride under bin index class, resetting both free
// lists and re-arming the bump-allocation budget over the page's full
// payload range (spec.md §4.2: a page is carved into stride-sized blocks
// on first use).
func (p *Page) Bind(stride uintptr, class int32) {
	p.Stride = stride
	p.Class = class

	d := p.handle.pageDesc(p.index)
	d.localFreeHead = 0
	d.foreignFreeHead.StoreRelease(0)
	d.liveCount.StoreRelease(0)

	start, end := p.handle.PageBounds(p.index)
	usable := (end - start) / stride * stride
	d.bytesInReserve = uint32(usable)
}

// LiveCount returns the number of blocks this page has handed out that
// have not yet been freed by either the local or the foreign path. A
// page's owner uses LiveCount() == 0 to decide it may unbind the page and
// return it to its heap's reserve list (spec.md §9's resolved open
// question: empty pages are eagerly returned to reserve). Foreign frees
// only ever decrement this counter; they never touch the owner's bin or
// reserve chains themselves, since those are owner-thread-only
// structures.
func (p *Page) LiveCount() uint32 { return p.handle.pageDesc(p.index).liveCount.LoadAcquire() }

// Alloc hands out one stride-sized block, trying, in order: the local
// free list (owner-thread only, no synchronization needed), the foreign
// free list (adopted via a single acquire-ordered swap, per spec.md
// §4.2's "adopted in one shot"), and finally the page's remaining
// bump-allocation budget, which also pre-threads nearby blocks onto the
// local free list (see preThread). ok is false once all three are
// exhausted.
func (p *Page) Alloc() (addr uintptr, ok bool) {
	d := p.handle.pageDesc(p.index)

	if head := d.localFreeHead; head != 0 {
		d.localFreeHead = p.readNextOffset(head)
		d.liveCount.Add(1)
		result := p.handle.base + uintptr(head)
		debug.Assert(p.isOnPage(result), "local free list entry %#x does not belong to page %d", result, p.index)
		return result, true
	}

	if adopted := d.foreignFreeHead.SwapAcquire(0); adopted != 0 {
		d.localFreeHead = adopted
		return p.Alloc()
	}

	if uintptr(d.bytesInReserve) >= p.Stride {
		_, end := p.handle.PageBounds(p.index)
		d.bytesInReserve -= uint32(p.Stride)
		result := end - uintptr(d.bytesInReserve) - p.Stride
		d.liveCount.Add(1)
		p.preThread(d, result)
		debug.Assert(p.isOnPage(result), "bump-allocated block %#x does not belong to page %d", result, p.index)
		return result, true
	}

	return 0, false
}

// isOnPage reports whether addr falls within this page's own byte range,
// the boundary-check invariant the original implementation verifies after
// every free-list pop and bump allocation (its is_on_page helper).
func (p *Page) isOnPage(addr uintptr) bool {
	start, end := p.handle.PageBounds(p.index)
	return addr >= start && addr < end
}

// preThread greedily chains additional stride-sized blocks, contiguous
// with the block just bumped at served, onto the local free list, up to
// the next 4 KiB boundary (spec.md §4.2 step 3: "greedily pre-thread
// contiguous blocks up to the next 4 KiB boundary"). This amortizes the
// free-list maintenance cost of a long run of bump allocations from a
// freshly carved page over a single OS page's worth of memory, without
// threading blocks that spill into a page the caller may never touch.
func (p *Page) preThread(d *rawPageDesc, served uintptr) {
	if uintptr(d.bytesInReserve)%4096 < p.Stride {
		return
	}

	d.bytesInReserve -= uint32(p.Stride)
	q := served + p.Stride
	d.localFreeHead = uint32(q - p.handle.base)

	for uintptr(d.bytesInReserve)%4096 >= p.Stride {
		d.bytesInReserve -= uint32(p.Stride)
		next := q + p.Stride
		*(*uint32)(unsafe.Pointer(q)) = uint32(next - p.handle.base)
		q = next
	}
	*(*uint32)(unsafe.Pointer(q)) = 0
}

func (p *Page) readNextOffset(blockOffset uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(p.handle.base + uintptr(blockOffset)))
}

// FreeLocal pushes addr back onto this page's local free list. Only ever
// called by the page's owning goroutine, on a block it is certain is
// locally owned (spec.md §4.2's dealloc "owner-thread, same page" path).
func (p *Page) FreeLocal(addr uintptr) {
	d := p.handle.pageDesc(p.index)
	off := uint32(addr - p.handle.base)
	*(*uint32)(unsafe.Pointer(addr)) = d.localFreeHead
	d.localFreeHead = off
	d.liveCount.Add(-1)
}

// Dealloc returns the block at p to its owning page's free list, choosing
// the local or foreign list purely from whether heapID matches the
// arena's recorded owner (spec.md §4.2 "compute the arena header by
// masking... read its owner heap-id"). It never touches a Go-level Page
// object for a remote page: everything it needs is reached through the
// masked Handle and the target page's rawPageDesc alone, so a goroutine
// freeing another goroutine's allocation never has to discover (or even
// construct) that goroutine's Page wrapper.
func Dealloc(p uintptr, callerHeapID uint64) {
	h := Open(Base(p))
	idx := h.PageIndex(p)
	d := h.pageDesc(idx)

	if h.OwnedBy(callerHeapID) {
		off := uint32(p - h.base)
		*(*uint32)(unsafe.Pointer(p)) = d.localFreeHead
		d.localFreeHead = off
		d.liveCount.Add(-1)
		return
	}

	// Foreign: CAS-push onto the foreign free list, release-ordered, so
	// the owner's subsequent acquire-swap observes every block chained
	// beneath it (spec.md §4.2).
	off := uint32(p - h.base)
	for {
		head := d.foreignFreeHead.LoadAcquire()
		*(*uint32)(unsafe.Pointer(p)) = head
		if d.foreignFreeHead.CAS(head, off) {
			break
		}
		lock.Yield()
	}
	d.liveCount.Add(-1)
}
