// Package paging is the paging + heap bring-up component (spec §4.2,
// C5): it activates an L4 walk through the firmware-provided linear
// map, maps a fixed-size kernel heap flanked by unmapped guard pages,
// and serves a bump heap behind a spinlock.
//
// Physical memory bytes are not held here: the page table records
// virtual-page to physical-frame pairs only, and the frame allocator
// hands out physical addresses. The mmap-backed RAM model lives in
// package memsim.
package paging

import (
	"errors"

	"github.com/arrost/kernel/frame"
	"github.com/arrost/kernel/memmap"
)

var (
	ErrMissingPhysicalMemoryOffset = errors.New("paging: missing physical-memory offset")
	ErrInvalidHeapLayout           = errors.New("paging: invalid heap layout")
	ErrHeapAlreadyInitialized      = errors.New("paging: heap already initialized")
	ErrHeapMap                     = errors.New("paging: failed to map heap page")
	ErrHeapNotMapped               = errors.New("paging: heap not mapped")
	ErrGuardPageMapped             = errors.New("paging: guard page unexpectedly mapped")
	ErrAllocationSmokeFailed       = errors.New("paging: allocation smoke test failed")
)

const pageSize = frame.PageSize

// PageTable is a software L4 walk: a set of present virtual pages,
// each mapped to one physical frame. Only what the rest of boot needs
// (present/writable, page granularity) is modeled; there is no nested
// table structure because nothing here needs to walk one level at a
// time.
type PageTable struct {
	entries map[uint64]entry
}

type entry struct {
	phys     uint64
	writable bool
}

func newPageTable() *PageTable {
	return &PageTable{entries: map[uint64]entry{}}
}

func pageOf(v uint64) uint64 { return v &^ (pageSize - 1) }

// Map installs a present+writable (if requested) mapping for the page
// containing virt.
func (pt *PageTable) Map(virt, phys uint64, writable bool) {
	pt.entries[pageOf(virt)] = entry{phys: phys, writable: writable}
}

// Unmap removes the mapping for the page containing virt, if present.
func (pt *PageTable) Unmap(virt uint64) {
	delete(pt.entries, pageOf(virt))
}

// Translate walks the table, returning the mapped physical address
// (page base + offset) or ok=false if the page is not present.
func (pt *PageTable) Translate(virt uint64) (uint64, bool) {
	e, ok := pt.entries[pageOf(virt)]
	if !ok {
		return 0, false
	}

	return e.phys + (virt &^ pageOf(virt)), true
}

// Manager owns the active page table, the linear map and the frame
// allocator used to back new mappings.
type Manager struct {
	Table     *PageTable
	linearMap *memmap.Map
	Frames    *frame.Allocator
}

// New activates paging: it builds an (initially empty) L4-equivalent
// table rooted on top of the firmware's linear map, from which
// virt_to_phys/phys_to_virt are served without a further walk.
func New(m *memmap.Map) (*Manager, error) {
	if m.LinearMapBase == 0 {
		return nil, ErrMissingPhysicalMemoryOffset
	}

	return &Manager{
		Table:     newPageTable(),
		linearMap: m,
		Frames:    frame.New(m),
	}, nil
}

// PhysToVirt returns linear_base + p, served directly from the
// published linear-map base (spec §4.2).
func (mgr *Manager) PhysToVirt(p uint64) uint64 {
	return mgr.linearMap.LinearMapBase + p
}

// VirtToPhys walks the active page table.
func (mgr *Manager) VirtToPhys(v uint64) (uint64, bool) {
	return mgr.Table.Translate(v)
}

// MapRange maps [virt, virt+size) page by page, present+writable,
// allocating each backing frame from the frame allocator. There is no
// TLB in this model, so no flush is issued after a mapping.
func (mgr *Manager) MapRange(virt, size uint64) error {
	if size%pageSize != 0 {
		return ErrInvalidHeapLayout
	}

	for off := uint64(0); off < size; off += pageSize {
		f, ok := mgr.Frames.Allocate()
		if !ok {
			return ErrHeapMap
		}

		mgr.Table.Map(virt+off, f, true)
	}

	return nil
}

// IsMapped reports whether virt falls on a present page.
func (mgr *Manager) IsMapped(virt uint64) bool {
	_, ok := mgr.Table.Translate(virt)

	return ok
}
