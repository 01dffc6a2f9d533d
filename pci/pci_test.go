package pci_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/arrost/kernel/pci"
)

func TestSizeToBits(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		input    uint64
		expected uint32
	}{
		{
			name:     "Success",
			input:    0x100,
			expected: 0xffffff00,
		},
		{
			name:     "Fail",
			input:    0x0,
			expected: 0x0,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.expected != pci.SizeToBits(tt.input) {
				t.Fatalf("expected: %v, actual: %v", tt.expected, tt.input)
			}
		})
	}
}

func TestBytesToNum(t *testing.T) {
	t.Parallel()

	expected := uint64(0x12345678)
	actual := pci.BytesToNum([]byte{0x78, 0x56, 0x34, 0x12})

	if expected != actual {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes8(t *testing.T) {
	t.Parallel()

	expected := []byte{0x12}
	actual := pci.NumToBytes(uint8(0x12))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes16(t *testing.T) {
	t.Parallel()

	expected := []byte{0x34, 0x12}
	actual := pci.NumToBytes(uint16(0x1234))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes32(t *testing.T) {
	t.Parallel()

	expected := []byte{0x78, 0x56, 0x34, 0x12}
	actual := pci.NumToBytes(uint32(0x12345678))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytesInvalid(t *testing.T) {
	t.Parallel()

	actual := pci.NumToBytes(-1)

	if actual != nil {
		t.Fatalf("expected nil, actual: %v", actual)
	}
}

func TestBusSelectsBridgeBySlotZero(t *testing.T) {
	t.Parallel()

	b := pci.New()

	_ = b.PciConfAddrOut(0xCF8, pci.NumToBytes(uint32(0x80000000)))

	got := make([]byte, 2)
	_ = b.PciConfDataIn(0xCFC, got)

	if pci.BytesToNum(got) != uint64(0x8086) {
		t.Fatalf("expected host bridge vendor id, got 0x%x", pci.BytesToNum(got))
	}
}

func TestPciConfAddrInOut(t *testing.T) {
	t.Parallel()

	b := pci.New()

	for _, tt := range []struct {
		name string
		port uint64
		data []byte
		exp  error
	}{
		{
			name: "Success",
			port: 0x0,
			data: make([]byte, 4),
			exp:  nil,
		},
		{
			name: "Fail_DataLength",
			port: 0x0,
			data: make([]byte, 3),
			exp:  nil,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := b.PciConfAddrIn(tt.port, tt.data); !errors.Is(err, tt.exp) {
				t.Fatalf("%s failed: %v", tt.name, err)
			}

			if err := b.PciConfAddrOut(tt.port, tt.data); !errors.Is(err, tt.exp) {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
		})
	}
}
