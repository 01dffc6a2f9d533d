package blk_test

import (
	"bytes"
	"testing"

	"github.com/arrost/kernel/virtio/blk"
)

func newDevice(t *testing.T, capacity uint64) *blk.Device {
	t.Helper()

	mem := make([]byte, 64*1024)
	d := blk.New(11, capacity, mem)

	// Drive the IO-port setup sequence a real boot would perform:
	// select queue 0, then program its size.
	_ = d.IOOutHandler(blk.IOPortStart+14, []byte{0x00, 0x00})
	_ = d.IOOutHandler(blk.IOPortStart+12, []byte{0x08, 0x00})

	return d
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 16)

	want := bytes.Repeat([]byte{0xAB}, blk.SectorSize)
	if err := d.WriteSector(3, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, blk.SectorSize)
	if err := d.ReadSector(3, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDistinctSectorsDoNotAlias(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 16)

	a := bytes.Repeat([]byte{0x11}, blk.SectorSize)
	b := bytes.Repeat([]byte{0x22}, blk.SectorSize)

	if err := d.WriteSector(1, a); err != nil {
		t.Fatalf("write sector 1: %v", err)
	}

	if err := d.WriteSector(2, b); err != nil {
		t.Fatalf("write sector 2: %v", err)
	}

	got := make([]byte, blk.SectorSize)
	if err := d.ReadSector(1, got); err != nil {
		t.Fatalf("read sector 1: %v", err)
	}

	if !bytes.Equal(got, a) {
		t.Fatalf("sector 1 corrupted by sector 2's write")
	}
}

func TestReadOutOfRange(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 4)

	buf := make([]byte, blk.SectorSize)
	if err := d.ReadSector(10, buf); err != blk.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestWriteOutOfRange(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 4)

	if err := d.WriteSector(4, make([]byte, blk.SectorSize)); err != blk.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestDeviceHeaderFields(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 16)
	hdr := d.GetDeviceHeader()

	if hdr.DeviceID != 0x1001 || hdr.VendorID != 0x1AF4 {
		t.Fatalf("unexpected device/vendor id: %+v", hdr)
	}
}

func TestIOInHandlerReflectsHeader(t *testing.T) {
	t.Parallel()

	d := newDevice(t, 16)

	buf := make([]byte, 2)
	if err := d.IOInHandler(blk.IOPortStart+12, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if buf[0] != 0x08 {
		t.Fatalf("expected queue_num readback of 8, got %#v", buf)
	}
}
