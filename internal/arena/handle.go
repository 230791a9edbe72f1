package arena

import (
	"unsafe"

	"github.com/danielschemmel/emma/internal/lock"
)

// rawHeader is the fixed-size prefix physically overlaid on the first
// bytes of every arena. It holds nothing but plain integers and atomics:
// no Go pointer is ever stored in arena memory, since that memory is
// never scanned by the garbage collector.
type rawHeader struct {
	kind             uint32
	pageSize         uint32
	numPages         uint32
	metadataZoneSize uint32
	ownerHeapID      lock.Uint64
}

// rawPageDesc is the per-page descriptor repeated numPages times right
// after rawHeader. It carries exactly the state spec.md §4.2's alloc and
// dealloc algorithms touch on the hot path: the owner-thread-only local
// free list head, the cross-thread foreign free list head, and the
// remaining bump-allocation budget. Everything else a page needs (the
// chain link used for heap bin routing, its bound size class) lives in
// the Go-managed Page wrapper instead, since those are only ever touched
// by the owning thread holding the Page in hand, never rediscovered by
// masking a bare pointer.
type rawPageDesc struct {
	localFreeHead   uint32
	foreignFreeHead lock.Uint32
	bytesInReserve  uint32
	liveCount       lock.Uint32
}

const (
	headerSize   = unsafe.Sizeof(rawHeader{})
	pageDescSize = unsafe.Sizeof(rawPageDesc{})
)

// metadataZoneSize computes the size of the header + page descriptor
// table, rounded up to MaxObjectAlignment so that the first page's
// payload, which starts immediately after the zone, is MaxObjectAlignment
// aligned (spec.md's "Metadata zone" glossary entry).
func metadataZoneSize(numPages uint32) uintptr {
	raw := headerSize + uintptr(numPages)*pageDescSize
	return (raw + MaxObjectAlignment - 1) &^ (MaxObjectAlignment - 1)
}

// Handle is a lightweight, address-only view onto an arena's embedded
// header. It is cheap to construct from a bare pointer, which is exactly
// what Dealloc needs: given only a user pointer, mask it down to an
// arena base and Open a Handle to reach the owning heap id and the
// target page's free list fields, without any Go-side table lookup.
type Handle struct {
	base uintptr
}

// Open reinterprets an already-initialized arena's base address as a
// Handle. base must be 4 MiB aligned and point at a region created by
// New.
func Open(base uintptr) Handle { return Handle{base} }

// Base masks p down to its owning arena's base address (spec.md §3:
// "masking the low 22 bits"). Valid for any p returned by a page's Alloc.
func Base(p uintptr) uintptr { return p &^ arenaMask }

func (h Handle) raw() *rawHeader { return (*rawHeader)(unsafe.Pointer(h.base)) }

func (h Handle) Base() uintptr       { return h.base }
func (h Handle) Kind() Kind          { return Kind(h.raw().kind) }
func (h Handle) PageSize() uintptr   { return uintptr(h.raw().pageSize) }
func (h Handle) NumPages() uint32    { return h.raw().numPages }
func (h Handle) OwnerHeapID() uint64 { return h.raw().ownerHeapID.Load() }

// SetOwnerHeapID binds the arena to a heap. Called once, at creation,
// before the arena's pages are published to any other goroutine.
func (h Handle) SetOwnerHeapID(id uint64) { h.raw().ownerHeapID.Store(id) }

// OwnedBy reports whether heapID is the arena's current owner, the test
// spec.md §4.2's dealloc algorithm performs before choosing the local or
// foreign free list.
func (h Handle) OwnedBy(heapID uint64) bool { return h.OwnerHeapID() == heapID }

// PageIndex computes the index of the page containing p within its arena
// (spec.md §3: "its page index is ((p mod 4 MiB) / page_size)").
func (h Handle) PageIndex(p uintptr) uint32 {
	return uint32((p - h.base) / h.PageSize())
}

func (h Handle) pageDesc(index uint32) *rawPageDesc {
	off := headerSize + uintptr(index)*pageDescSize
	return (*rawPageDesc)(unsafe.Pointer(h.base + off))
}

// PageBounds returns the allocatable [start, end) byte range of the page
// at index. Page 0's start is pushed past the metadata zone; every other
// page spans the full page stride.
func (h Handle) PageBounds(index uint32) (start, end uintptr) {
	ps := h.PageSize()
	end = h.base + uintptr(index+1)*ps
	if index == 0 {
		start = h.base + uintptr(h.raw().metadataZoneSize)
	} else {
		start = h.base + uintptr(index)*ps
	}
	return
}
