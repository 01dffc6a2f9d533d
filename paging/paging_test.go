package paging_test

import (
	"testing"

	"github.com/arrost/kernel/memmap"
	"github.com/arrost/kernel/paging"
)

func newManager(t *testing.T) *paging.Manager {
	t.Helper()

	m, err := memmap.New([]memmap.Region{
		{Start: 0, End: 0x9fc00, Kind: memmap.Usable},
		{Start: 0x100000, End: 0x8000000, Kind: memmap.Usable},
	}, 0x4444_4444_0000)
	if err != nil {
		t.Fatal(err)
	}

	mgr, err := paging.New(m)
	if err != nil {
		t.Fatal(err)
	}

	return mgr
}

func TestPhysToVirtUsesLinearBase(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)
	if got := mgr.PhysToVirt(0x1000); got != 0x4444_4444_0000+0x1000 {
		t.Fatalf("unexpected phys_to_virt: 0x%x", got)
	}
}

func TestMapRangeThenTranslate(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	const virt = 0x5000_0000_0000

	if err := mgr.MapRange(virt, 3*0x1000); err != nil {
		t.Fatal(err)
	}

	for _, off := range []uint64{0, 0x1000, 0x2fff} {
		if !mgr.IsMapped(virt + off) {
			t.Fatalf("expected virt+0x%x mapped", off)
		}
	}

	if mgr.IsMapped(virt + 3*0x1000) {
		t.Fatal("expected page past range to be unmapped")
	}
}

func TestNewHeapBootScenario(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	const (
		heapStart = 0x4444_4444_1000
		heapSize  = 16 << 20
	)

	h, err := paging.NewHeap(mgr, heapStart, heapSize)
	if err != nil {
		t.Fatal(err)
	}

	if mgr.IsMapped(heapStart - 0x1000) {
		t.Fatal("expected lower guard page unmapped")
	}

	if mgr.IsMapped(heapStart + heapSize) {
		t.Fatal("expected upper guard page unmapped")
	}

	ptr := h.Alloc(16, 8)
	if ptr == 0 {
		t.Fatal("expected successful allocation")
	}
}

func TestHeapAllocRefusesOverflowBeyondEnd(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	h, err := paging.NewHeap(mgr, 0x6000_0000_0000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if ptr := h.Alloc(0x2000, 8); ptr != 0 {
		t.Fatalf("expected 0 for over-sized allocation, got 0x%x", ptr)
	}
}

func TestHeapFreeResetsCursorAtZeroLive(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	h, err := paging.NewHeap(mgr, 0x7000_0000_0000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	a := h.Alloc(8, 8)
	h.Free()

	b := h.Alloc(8, 8)
	if a != b {
		t.Fatalf("expected cursor reset to reissue same address, got 0x%x then 0x%x", a, b)
	}
}
