// Package emma is a general-purpose memory allocator: a malloc/free/
// realloc replacement built from size-class binning, a 4 MiB arena/page
// layout, per-thread heaps, and cross-thread deallocation via per-page
// local and foreign free lists.
//
// Unlike the C allocators this design is descended from, Emma's unit of
// concurrency is the goroutine, not the OS thread: each goroutine that
// calls into Emma is handed its own Heap on first use (internal/heapmgr),
// cached for the lifetime of that goroutine. Emma never calls
// runtime.LockOSThread on the caller's behalf — a goroutine that is
// rescheduled onto a different OS thread between calls keeps the same
// Heap regardless, since ownership here tracks the goroutine, not the
// kernel thread beneath it.
package emma

import (
	"unsafe"

	"github.com/danielschemmel/emma/internal/debug"
	"github.com/danielschemmel/emma/internal/heapmgr"
	"github.com/danielschemmel/emma/internal/mmap"
)

// isPowerOfTwo reports whether align is a nonzero power of two, the
// caller-contract precondition spec.md §7 lists ("misaligned pointer,
// zero size") under "caller contract violation": detectable only under
// the optional boundary-check mode (debug.Assert's emma_debug build tag)
// and otherwise undefined behavior, never a recoverable error.
func isPowerOfTwo(align uintptr) bool { return align != 0 && align&(align-1) == 0 }

func init() {
	mmap.Init()
}

// Allocate returns a pointer to at least size bytes of uninitialized
// memory aligned to align (which must be a power of two), or nil if the
// request cannot be satisfied. Mirroring malloc's contract, no error is
// ever returned: internal mapping or exhaustion failures collapse to nil
// (spec.md §6's facade surface).
func Allocate(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	debug.Assert(isPowerOfTwo(align), "allocate: alignment %d is not a power of two", align)
	h := heapmgr.Acquire()
	addr, err := h.Allocate(size, align)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(addr) //nolint:govet
}

// Reallocate resizes a block previously returned by Allocate (or
// Reallocate) from oldSize to newSize bytes, preserving min(oldSize,
// newSize) bytes of content, and returns the new location. A nil p
// behaves like Allocate; a zero newSize behaves like Deallocate and
// returns nil. Returns nil on failure, leaving p untouched and still
// valid to free.
func Reallocate(p unsafe.Pointer, oldSize, newSize, align uintptr) unsafe.Pointer {
	debug.Assert(isPowerOfTwo(align), "reallocate: alignment %d is not a power of two", align)
	h := heapmgr.Acquire()
	addr, err := h.Reallocate(uintptr(p), oldSize, newSize, align)
	if err != nil {
		return nil
	}
	return unsafe.Pointer(addr) //nolint:govet
}

// Deallocate returns a block previously obtained from Allocate or
// Reallocate. size and align must match the values used to obtain p;
// Emma keeps no side table recording them. A nil p is a no-op.
func Deallocate(p unsafe.Pointer, size, align uintptr) {
	if p == nil {
		return
	}
	debug.Assert(isPowerOfTwo(align), "deallocate: alignment %d is not a power of two", align)
	h := heapmgr.Acquire()
	_ = h.Deallocate(uintptr(p), size, align)
}
