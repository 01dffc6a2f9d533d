package memmap_test

import (
	"errors"
	"testing"

	"github.com/arrost/kernel/memmap"
)

func TestNewSortsAndValidates(t *testing.T) {
	t.Parallel()

	m, err := memmap.New([]memmap.Region{
		{Start: 0x100000, End: 0x8000000, Kind: memmap.Usable},
		{Start: 0, End: 0x9fc00, Kind: memmap.Usable},
	}, 0x4444_4444_0000)
	if err != nil {
		t.Fatal(err)
	}

	if m.Regions[0].Start != 0 {
		t.Fatalf("expected regions sorted by start, got %+v", m.Regions)
	}
}

func TestNewRejectsOverlap(t *testing.T) {
	t.Parallel()

	_, err := memmap.New([]memmap.Region{
		{Start: 0, End: 0x2000, Kind: memmap.Usable},
		{Start: 0x1000, End: 0x3000, Kind: memmap.Usable},
	}, 1)
	if !errors.Is(err, memmap.ErrRegionsOverlap) {
		t.Fatalf("expected ErrRegionsOverlap, got %v", err)
	}
}

func TestNewRequiresLinearMapBase(t *testing.T) {
	t.Parallel()

	_, err := memmap.New([]memmap.Region{{Start: 0, End: 0x1000, Kind: memmap.Usable}}, 0)
	if !errors.Is(err, memmap.ErrMissingLinearMap) {
		t.Fatalf("expected ErrMissingLinearMap, got %v", err)
	}
}

func TestUsableRegionsFiltersReserved(t *testing.T) {
	t.Parallel()

	m, err := memmap.New([]memmap.Region{
		{Start: 0, End: 0x1000, Kind: memmap.Reserved},
		{Start: 0x1000, End: 0x2000, Kind: memmap.Usable},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	u := m.UsableRegions()
	if len(u) != 1 || u[0].Start != 0x1000 {
		t.Fatalf("unexpected usable regions: %+v", u)
	}
}
