// Package arena implements Emma's arena/page layer (spec.md §2 item 2,
// §3 "Arena"/"Page", §4.2): three parallel 4 MiB aligned arena flavors
// (small, medium, large), each carving fixed-stride pages of one size
// class, with per-page local and cross-thread foreign free lists.
//
// Grounded on the teacher's mcentral.go (mCentral_Grow's carve-into-
// freelist loop, mCentral_FreeSpan's push) and malloc.go's tiny/small
// object dispatch, generalized from Go's GC-driven bitmap+span
// indirection to direct address-masking metadata lookup, since Emma has
// no GC to help it find an object's home page.
package arena

import "github.com/danielschemmel/emma/internal/sizeclass"

// Kind identifies which of the three arena flavors a region holds.
type Kind uint32

const (
	KindSmall Kind = iota
	KindMedium
	KindLarge
)

// ArenaSize is the size and alignment of every arena, regardless of kind
// (spec.md §3: "Arena (4 MiB, 4 MiB-aligned)").
const ArenaSize = 4 << 20

// arenaMask isolates the low bits of a pointer within its arena; masking
// them off yields the arena's base address (spec.md §3: "any pointer p
// into an arena maps to its arena header by masking the low 22 bits").
const arenaMask = ArenaSize - 1

// MaxObjectAlignment bounds the metadata zone's rounding granularity
// (spec.md §4.1's SMALL_MAX_ALIGN, reused here per the GLOSSARY's
// "Metadata zone" entry: the header is sized so that user objects
// starting after it retain the arena's natural alignment).
const MaxObjectAlignment = sizeclass.SmallMaxAlign

// numPagesForKind is the number of pages an arena of this kind carves the
// region after its metadata zone into (spec.md §3). Small and medium
// arenas use a fixed page stride, so their page count is fixed too; a
// large arena always contributes exactly one page, sized to whatever
// remains after the metadata zone.
func numPagesForKind(k Kind) uint32 {
	switch k {
	case KindSmall:
		return 128
	case KindMedium:
		return 32
	case KindLarge:
		return 1
	default:
		panic("emma: arena: invalid kind")
	}
}
