package pci

import "encoding/binary"

// BytesToNum decodes a little-endian byte slice (as seen on an I/O port
// or MMIO write) into a uint64, zero-extending short reads.
func BytesToNum(b []byte) uint64 {
	var buf [8]byte

	copy(buf[:], b)

	return binary.LittleEndian.Uint64(buf[:])
}

// NumToBytes encodes an integer into its little-endian wire
// representation, sized to the argument's width.
func NumToBytes(v interface{}) []byte {
	switch n := v.(type) {
	case uint8:
		return []byte{n}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, n)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, n)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)

		return b
	default:
		return nil
	}
}

// SizeToBits turns a BAR size request into the mask the probing driver
// expects back: the low bits that would be writable are cleared.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size-1) & 0xffffffff
}
