package fs_test

import (
	"testing"

	"github.com/arrost/kernel/fs"
)

// memDisk is a trivial in-memory BlockDevice for exercising fs without
// a real virtio-blk transport.
type memDisk struct {
	sectors [][fs.SectorSize]byte
}

func newMemDisk(capacitySectors uint64) *memDisk {
	return &memDisk{sectors: make([][fs.SectorSize]byte, capacitySectors)}
}

func (m *memDisk) Capacity() uint64 { return uint64(len(m.sectors)) }

func (m *memDisk) ReadSector(sector uint64, out []byte) error {
	copy(out, m.sectors[sector][:])

	return nil
}

func (m *memDisk) WriteSector(sector uint64, data []byte) error {
	copy(m.sectors[sector][:], data)

	return nil
}

func mustMount(t *testing.T, dev fs.BlockDevice) *fs.FS {
	t.Helper()

	f, err := fs.Mount(dev)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	return f
}

func TestFormatAndRoundTrip(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(16 * 1024 * 1024 / fs.SectorSize)
	f := mustMount(t, dev)

	if got := fs.List(f, make([]fs.Entry, 8)); len(got) != 0 {
		t.Fatalf("expected empty volume, got %v", got)
	}

	n, err := fs.Write(f, "/a.txt", []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)

	n, err = fs.Read(f, "/a.txt", buf)
	if err != nil || n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf[:n])
	}

	entries := fs.List(f, make([]fs.Entry, 8))
	if len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].Size != 5 {
		t.Fatalf("unexpected list: %+v", entries)
	}

	// Remount and verify persistence.
	f2 := mustMount(t, dev)

	entries2 := fs.List(f2, make([]fs.Entry, 8))
	if len(entries2) != 1 || entries2[0].Name != "a.txt" {
		t.Fatalf("after remount: %+v", entries2)
	}

	buf2 := make([]byte, 5)
	if _, err := fs.Read(f2, "a.txt", buf2); err != nil || string(buf2) != "hello" {
		t.Fatalf("after remount read: %v %q", err, buf2)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(1024)
	f := mustMount(t, dev)

	if _, err := fs.Write(f, "x", []byte("data")); err != nil {
		t.Fatal(err)
	}

	if err := fs.Delete(f, "x"); err != nil {
		t.Fatalf("first delete: %v", err)
	}

	if err := fs.Delete(f, "x"); err != fs.ErrNotFound {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestWriteRejectsInvalidPaths(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(1024)
	f := mustMount(t, dev)

	cases := []struct {
		name string
		want error
	}{
		{"", fs.ErrInvalidPath},
		{"a/b", fs.ErrInvalidPath},
		{string(make([]byte, 49)), fs.ErrNameTooLong},
	}

	for _, c := range cases {
		if _, err := fs.Write(f, c.name, []byte("x")); err != c.want {
			t.Errorf("Write(%q): got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(1024)
	f := mustMount(t, dev)

	if _, err := fs.Read(f, "nope", make([]byte, 4)); err != fs.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFsckOnFreshVolume(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(1024)
	f := mustMount(t, dev)

	if _, err := fs.Write(f, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Write(f, "b", []byte("22")); err != nil {
		t.Fatal(err)
	}

	if err := fs.Fsck(f); err != nil {
		t.Fatalf("Fsck: %v", err)
	}
}

func TestWriteReusesExtentWhenBigEnough(t *testing.T) {
	t.Parallel()

	dev := newMemDisk(1024)
	f := mustMount(t, dev)

	if _, err := fs.Write(f, "a", make([]byte, 600)); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Write(f, "a", []byte("short")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 5)
	if _, err := fs.Read(f, "a", buf); err != nil || string(buf) != "short" {
		t.Fatalf("got %q, err %v", buf, err)
	}
}
