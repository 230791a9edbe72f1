// Package lock provides the atomic and lock primitives Emma's engine
// consumes (spec.md §6 "Lock/atomic layer (consumed)"): plain atomics
// with acquire/release-documented intent, a robust futex-style lock word
// for the heap registry, and a thread-yield helper for spin loops.
package lock

import "sync/atomic"

// Uint32 is an atomic uint32 used for offsets and small counters.
//
// Go's sync/atomic operations are already sequentially consistent, so the
// Acquire/Release naming below records the intent spec.md assigns to each
// call site (§4.2's "release ordering on the push and acquire ordering on
// the swap-adopt") rather than selecting a weaker machine instruction.
type Uint32 struct {
	v atomic.Uint32
}

// LoadAcquire reads the value with acquire-ordering intent.
func (u *Uint32) LoadAcquire() uint32 { return u.v.Load() }

// StoreRelease writes the value with release-ordering intent.
func (u *Uint32) StoreRelease(val uint32) { u.v.Store(val) }

// CAS performs a compare-and-swap, release-ordering intent on success.
func (u *Uint32) CAS(old, new uint32) bool { return u.v.CompareAndSwap(old, new) }

// SwapAcquire atomically sets the value to new and returns the old value,
// acquire-ordering intent (used for the foreign-free-list adoption swap).
func (u *Uint32) SwapAcquire(new uint32) uint32 { return u.v.Swap(new) }

// Add atomically adds delta (which may be negative, via two's complement
// wraparound) and returns the new value.
func (u *Uint32) Add(delta int32) uint32 { return u.v.Add(uint32(delta)) }

// Uint64 is an atomic uint64, used for lock words and 64-bit counters.
type Uint64 struct {
	v atomic.Uint64
}

func (u *Uint64) Load() uint64             { return u.v.Load() }
func (u *Uint64) Store(val uint64)         { u.v.Store(val) }
func (u *Uint64) CAS(old, new uint64) bool { return u.v.CompareAndSwap(old, new) }
func (u *Uint64) Swap(new uint64) uint64   { return u.v.Swap(new) }
func (u *Uint64) Add(delta int64) uint64   { return u.v.Add(uint64(delta)) }

// Pointer is an atomic, lock-free singly-linked-list head, used by the
// heap registry (spec.md §4.4: "List head and each node's next are atomic
// pointers. Insertion is a lock-free CAS push.").
type Pointer[T any] struct {
	v atomic.Pointer[T]
}

func (p *Pointer[T]) Load() *T             { return p.v.Load() }
func (p *Pointer[T]) Store(val *T)         { p.v.Store(val) }
func (p *Pointer[T]) CAS(old, new *T) bool { return p.v.CompareAndSwap(old, new) }
