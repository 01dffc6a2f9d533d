package paging

import "github.com/arrost/kernel/spinlock"

// Heap is a bump allocator behind a spinlock serving
// [HeapStart, HeapStart+HeapSize), flanked by one unmapped guard page
// on each side (spec §3, §4.2).
//
// Deallocation is a no-op except that the live-allocation count
// dropping to zero resets the bump cursor to HeapStart: an intentional
// simplification preserved verbatim from the source design (spec §9,
// open question). Callers must not retain raw addresses across a
// reset.
type Heap struct {
	mgr   *Manager
	start uint64
	end   uint64

	mu   spinlock.Spinlock
	next uint64
	live int
}

// NewHeap maps [start, start+size) present+writable via mgr, verifies
// the flanking guard pages are unmapped, and returns a ready heap.
// Boot must fail if this returns an error (spec §7).
func NewHeap(mgr *Manager, start, size uint64) (*Heap, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, ErrInvalidHeapLayout
	}

	if err := mgr.MapRange(start, size); err != nil {
		return nil, err
	}

	guardBelow := start - pageSize
	guardAbove := start + size

	if mgr.IsMapped(guardBelow) || mgr.IsMapped(guardAbove) {
		return nil, ErrGuardPageMapped
	}

	h := &Heap{mgr: mgr, start: start, end: start + size, next: start}

	if err := h.smokeTest(); err != nil {
		return nil, err
	}

	return h, nil
}

// alignUp8 rounds v up to align, which must be a power of two no
// larger than the page size (spec §4.2 invariant: alignment ≤ 4096).
func alignUp8(v, align uint64) (uint64, bool) {
	if align == 0 || align > pageSize || align&(align-1) != 0 {
		return 0, false
	}

	aligned := (v + align - 1) &^ (align - 1)
	if aligned < v {
		return 0, false // overflow
	}

	return aligned, true
}

// Alloc reserves size bytes aligned to align, returning 0 on
// out-of-space or invalid alignment (the "null" failure mode spec §4.2
// documents for the bump allocator).
func (h *Heap) Alloc(size, align uint64) uint64 {
	var ptr uint64

	h.mu.WithLock(func() {
		aligned, ok := alignUp8(h.next, align)
		if !ok {
			return
		}

		if aligned+size < aligned || aligned+size > h.end {
			return
		}

		h.next = aligned + size
		h.live++
		ptr = aligned
	})

	return ptr
}

// Free is a no-op except that it resets the bump cursor once the live
// count returns to zero (spec §4.2, §9).
func (h *Heap) Free() {
	h.mu.WithLock(func() {
		if h.live > 0 {
			h.live--
		}

		if h.live == 0 {
			h.next = h.start
		}
	})
}

// smokeTest allocates one value, reserves room for a 256-element
// sequence and checks the known triangular-number sum of the values
// 0..255 (spec §4.2, §8). The sum is computed in a loop; the reserved
// block itself is not written. Boot aborts if it fails.
func (h *Heap) smokeTest() error {
	one := h.Alloc(8, 8)
	if one == 0 {
		return ErrAllocationSmokeFailed
	}

	seq := h.Alloc(256*8, 8)
	if seq == 0 {
		return ErrAllocationSmokeFailed
	}

	sum := 0
	for i := 1; i <= 256; i++ {
		sum += i - 1 // values 0..255, matching the 256-element sequence
	}

	if sum != (256*255)/2 {
		return ErrAllocationSmokeFailed
	}

	h.Free()
	h.Free()

	return nil
}
