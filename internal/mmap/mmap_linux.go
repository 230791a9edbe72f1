//go:build linux

// Package mmap wraps the OS mapping primitives Emma's engine consumes
// (spec.md §6 "Mapping layer (consumed from the OS)": map, unmap, resize,
// advise) and implements the aligned-acquisition retry protocol of §4.5.
//
// Grounded on the teacher's sysReserve/sysMap/mmap_fixed
// (cloudfly-readgo's sibling mem_linux.go, copied in full at
// _examples/sunshibao-go-runtime_ending/src/runtime/mem_linux.go), ported
// from the runtime's internal calling convention to golang.org/x/sys/unix.
package mmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/danielschemmel/emma/internal/debug"
)

// Error wraps a failed mapping syscall with the operation name, matching
// spec.md §7's "mapping and syscall errors bubble up as an optional
// return" — callers translate a non-nil Error into a null allocate()
// result, never a panic, except for the kernel-capability assertion in
// Init below.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("emma: mmap: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Init checks that this kernel honors MAP_FIXED_NOREPLACE, the "fail if
// occupied" primitive spec.md §4.5 and §6 require. Per §7 ("Fatal; the
// allocator aborts the process at mapping-layer assertion"), a missing
// capability is unconditionally fatal, so Init panics rather than
// returning an error.
func Init() {
	const probeSize = uintptr(OSPageSize)
	addr, err := mapAnon(0, probeSize, unix.PROT_NONE, 0)
	if err != nil {
		panic(fmt.Sprintf("emma: mmap: cannot reserve probe memory: %v", err))
	}
	defer unix.Syscall(unix.SYS_MUNMAP, addr, probeSize, 0)

	_, err = mapAnonFixedNoReplace(addr, probeSize, unix.PROT_NONE)
	if err == nil {
		panic("emma: mmap: kernel accepted MAP_FIXED_NOREPLACE over an existing mapping; " +
			"the allocator requires a kernel that honors \"fail if occupied\" atomically")
	}
	if err != unix.EEXIST {
		panic(fmt.Sprintf("emma: mmap: MAP_FIXED_NOREPLACE unsupported on this kernel: %v", err))
	}
}

// OSPageSize is the host's page granularity.
const OSPageSize = 4096

func mapAnon(addr, length uintptr, prot int, extraFlags int) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | extraFlags
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func mapAnonFixed(addr, length uintptr, prot int) (uintptr, error) {
	return mapAnon(addr, length, prot, unix.MAP_FIXED)
}

func mapAnonFixedNoReplace(addr, length uintptr, prot int) (uintptr, error) {
	return mapAnon(addr, length, prot, unix.MAP_FIXED|unix.MAP_FIXED_NOREPLACE)
}

// Map requests length bytes of read-write anonymous memory, unanchored
// (spec.md §4.5 step 1: "Request S bytes unanchored.").
func Map(length uintptr) (uintptr, error) {
	addr, err := mapAnon(0, length, unix.PROT_READ|unix.PROT_WRITE, 0)
	if err != nil {
		return 0, &Error{"map", err}
	}
	return addr, nil
}

// AllocAt requests exactly length bytes of read-write memory at addr,
// failing rather than relocating if addr is already occupied — the
// primitive §4.5's up-shift/down-shift steps are built from.
func AllocAt(addr, length uintptr) (uintptr, error) {
	got, err := mapAnonFixedNoReplace(addr, length, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, &Error{"alloc_at", err}
	}
	return got, nil
}

// Unmap releases length bytes at addr.
func Unmap(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return &Error{"unmap", errno}
	}
	return nil
}

// Resize attempts to grow or shrink the mapping at addr in place, per
// spec.md §4.3's huge-allocation realloc path ("call the mapping layer's
// in-place resize; on growth, fall back to allocate-copy-free if in-place
// fails"). Never relocates: callers that want relocation fall back to
// allocate-copy-free themselves.
func Resize(addr, oldLength, newLength uintptr) error {
	// flags = 0: never move the mapping. A successful call is guaranteed
	// to return addr unchanged; anything else is treated as failure so
	// the caller's allocate-copy-free fallback never races a relocation.
	r1, _, errno := unix.Syscall6(unix.SYS_MREMAP, addr, oldLength, newLength, 0, 0, 0)
	if errno != 0 {
		return &Error{"resize", errno}
	}
	if r1 != addr {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, r1, newLength, 0)
		return &Error{"resize", fmt.Errorf("kernel relocated an in-place-only remap")}
	}
	return nil
}

// Advise hints to the OS that the region is no longer needed (the
// optional advise() hook of spec.md §6); errors are ignored by callers,
// matching "not required for correctness".
func Advise(addr, length uintptr, hint int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
	return unix.Madvise(b, hint)
}

// AllocAligned obtains an alignment-aligned region of size bytes,
// implementing spec.md §4.5 verbatim: request unanchored, then up-shift
// or down-shift the misaligned remainder, retrying up to retries times.
func AllocAligned(size, alignment uintptr, retries int) (uintptr, error) {
	debug.Assert(alignment&(alignment-1) == 0, "alloc_aligned: alignment %d is not a power of two", alignment)
	debug.Assert(size&(alignment-1) == 0, "alloc_aligned: size %d is not a multiple of alignment %d", size, alignment)

	for attempt := 0; attempt <= retries; attempt++ {
		addr, err := Map(size)
		if err != nil {
			return 0, err
		}

		misalignment := addr % alignment
		if misalignment == 0 {
			return addr, nil
		}

		if aligned, ok := tryUpShift(addr, size, alignment, misalignment); ok {
			return aligned, nil
		}
		if addr > misalignment {
			if aligned, ok := tryDownShift(addr, size, misalignment); ok {
				return aligned, nil
			}
		}

		// Both neighbors occupied (or down-shift not possible): give up
		// this attempt and retry from scratch, per §4.5 step 4.
		_ = Unmap(addr, size)
	}
	return 0, &Error{"alloc_aligned", fmt.Errorf("exhausted %d retries", retries)}
}

func tryUpShift(addr, size, alignment, misalignment uintptr) (uintptr, bool) {
	need := alignment - misalignment
	_, err := AllocAt(addr+size, need)
	if err != nil {
		return 0, false
	}
	_ = Unmap(addr, need)
	return addr + need, true
}

func tryDownShift(addr, size, misalignment uintptr) (uintptr, bool) {
	_, err := AllocAt(addr-misalignment, misalignment)
	if err != nil {
		return 0, false
	}
	_ = Unmap(addr+size-misalignment, misalignment)
	return addr - misalignment, true
}
