package arena

import (
	"fmt"

	"github.com/danielschemmel/emma/internal/mmap"
	"github.com/danielschemmel/emma/internal/sizeclass"
)

// Arena bundles a freshly created region's handle with the Go-managed
// Page wrappers carved out of it. Only Pages is load-bearing for the
// rest of the engine (they get spliced onto a Heap's bin or reserve
// chains and keep themselves, and transitively this Arena's backing
// memory, alive for the remainder of the process); Handle is retained
// for diagnostics and tests.
type Arena struct {
	Handle Handle
	Pages  []*Page
}

// New maps a fresh 4 MiB aligned arena of the given kind, owned by
// ownerHeapID, and carves it into its fixed page count (spec.md §3, §4.2;
// the arena's mapping itself is acquired via the mapping layer's aligned
// acquisition protocol, spec.md §4.5, and is never unmapped: "Arenas are
// never returned to the OS", spec.md §3).
func New(kind Kind, ownerHeapID uint64) (*Arena, error) {
	numPages := numPagesForKind(kind)
	zoneSize := metadataZoneSize(numPages)

	base, err := mmap.AllocAligned(ArenaSize, ArenaSize, maxAlignRetries)
	if err != nil {
		return nil, fmt.Errorf("emma: arena: %w", err)
	}

	var pageSize uintptr
	switch kind {
	case KindSmall:
		pageSize = sizeclass.SmallPageSize
	case KindMedium:
		pageSize = sizeclass.MediumPageSize
	case KindLarge:
		pageSize = ArenaSize - zoneSize
	default:
		panic("emma: arena: invalid kind")
	}

	h := Handle{base}
	raw := h.raw()
	raw.kind = uint32(kind)
	raw.pageSize = uint32(pageSize)
	raw.numPages = numPages
	raw.metadataZoneSize = uint32(zoneSize)
	raw.ownerHeapID.Store(ownerHeapID)

	pages := make([]*Page, numPages)
	for i := uint32(0); i < numPages; i++ {
		d := h.pageDesc(i)
		d.localFreeHead = 0
		d.foreignFreeHead.StoreRelease(0)
		d.bytesInReserve = 0
		d.liveCount.StoreRelease(0)
		pages[i] = &Page{handle: h, index: i, Class: -1}
	}

	return &Arena{Handle: h, Pages: pages}, nil
}

// maxAlignRetries bounds spec.md §4.5's retry loop; a 4 MiB aligned
// region failing this many times in a row indicates pathological address
// space fragmentation rather than ordinary contention.
const maxAlignRetries = 8
