package ioport_test

import (
	"testing"

	"github.com/arrost/kernel/ioport"
)

type fakeDevice struct {
	start, end uint64
	last       byte
}

func (f *fakeDevice) In(port uint64, data []byte) error {
	data[0] = f.last

	return nil
}

func (f *fakeDevice) Out(port uint64, data []byte) error {
	f.last = data[0]

	return nil
}

func (f *fakeDevice) Range() (uint64, uint64) {
	return f.start, f.end
}

func TestUnmappedPortReadsAllOnes(t *testing.T) {
	t.Parallel()

	b := ioport.NewBus()

	v, err := b.InB(0x1234)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0xff {
		t.Fatalf("expected 0xff, got 0x%x", v)
	}
}

func TestRegisteredDeviceRoundTrip(t *testing.T) {
	t.Parallel()

	b := ioport.NewBus()
	dev := &fakeDevice{start: 0x300, end: 0x310}
	b.Register(dev)

	if err := b.OutB(0x300, 0x42); err != nil {
		t.Fatal(err)
	}

	v, err := b.InB(0x300)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x42 {
		t.Fatalf("expected 0x42, got 0x%x", v)
	}
}

func TestOutOfRangePort(t *testing.T) {
	t.Parallel()

	b := ioport.NewBus()
	if _, err := b.InB(0x20000); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
