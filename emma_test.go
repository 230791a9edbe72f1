package emma

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	p := Allocate(64, 8)
	require.NotNil(t, p)

	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}
	for i := range b {
		require.Equal(t, byte(i), b[i])
	}

	Deallocate(p, 64, 8)
}

func TestAllocateZeroReturnsNil(t *testing.T) {
	require.Nil(t, Allocate(0, 8))
}

func TestReallocateGrowPreservesPrefix(t *testing.T) {
	p := Allocate(16, 8)
	require.NotNil(t, p)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = byte(0xCC)
	}

	p2 := Reallocate(p, 16, 4096, 8)
	require.NotNil(t, p2)
	grown := unsafe.Slice((*byte)(p2), 16)
	for i := range grown {
		require.Equal(t, byte(0xCC), grown[i])
	}
	Deallocate(p2, 4096, 8)
}

func TestReallocateNilActsLikeAllocate(t *testing.T) {
	p := Reallocate(nil, 0, 32, 8)
	require.NotNil(t, p)
	Deallocate(p, 32, 8)
}

func TestDeallocateNilIsNoop(t *testing.T) {
	require.NotPanics(t, func() { Deallocate(nil, 10, 8) })
}

func TestConcurrentAllocationChurnAcrossGoroutines(t *testing.T) {
	const goroutines = 16
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			type block struct {
				p    unsafe.Pointer
				size uintptr
			}
			blocks := make([]block, 0, rounds)
			for i := 0; i < rounds; i++ {
				size := uintptr(8 + (i%64)*8)
				p := Allocate(size, 8)
				require.NotNil(t, p)
				blocks = append(blocks, block{p, size})
			}
			for _, b := range blocks {
				Deallocate(b.p, b.size, 8)
			}
		}()
	}
	wg.Wait()
}

func TestCrossGoroutineFreeIsSafe(t *testing.T) {
	p := Allocate(32, 8)
	require.NotNil(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Deallocate(p, 32, 8)
	}()
	<-done
}
