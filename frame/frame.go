// Package frame implements the page-granular bump allocator over
// usable memory ranges (spec §4.1, C4).
package frame

import "github.com/arrost/kernel/memmap"

const (
	PageSize = 4096
	// skipBelow excludes the first 1 MiB, which firmware, the EBDA and
	// legacy BIOS structures may still be using.
	skipBelow = 1 << 20
)

// Allocator hands out 4096-byte-aligned physical frames monotonically
// from the Usable regions of a memmap.Map, in map order and ascending
// address within a region. It never reuses a frame within a boot.
type Allocator struct {
	regions []memmap.Region
	region  int
	cursor  uint64
}

// New builds an allocator over m's usable regions.
func New(m *memmap.Map) *Allocator {
	a := &Allocator{regions: m.UsableRegions()}
	a.seek()

	return a
}

// seek advances region/cursor to the first frame-aligned address at or
// above skipBelow within the current or a later region.
func (a *Allocator) seek() {
	for a.region < len(a.regions) {
		r := a.regions[a.region]

		start := r.Start
		if start < skipBelow {
			start = skipBelow
		}

		start = alignUp(start)

		if start+PageSize <= r.End {
			a.cursor = start

			return
		}

		a.region++
	}
}

func alignUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// Allocate returns the next physical frame, or ok=false once every
// usable region is exhausted.
func (a *Allocator) Allocate() (frame uint64, ok bool) {
	if a.region >= len(a.regions) {
		return 0, false
	}

	frame = a.cursor
	a.cursor += PageSize

	if a.cursor+PageSize > a.regions[a.region].End {
		a.region++
		a.seek()
	}

	return frame, true
}
