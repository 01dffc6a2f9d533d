package ioport

import "encoding/binary"

// InB/OutB/InW/OutW/InL/OutL give call sites the byte/word/long-width
// convenience the teacher's virtio code gets from raw byte slices, but
// typed, since nothing here is actually issuing a CPU instruction.

func (b *Bus) InB(port uint64) (uint8, error) {
	var buf [1]byte
	if err := b.In(port, buf[:]); err != nil {
		return 0, err
	}

	return buf[0], nil
}

func (b *Bus) OutB(port uint64, v uint8) error {
	return b.Out(port, []byte{v})
}

func (b *Bus) InW(port uint64) (uint16, error) {
	var buf [2]byte
	if err := b.In(port, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (b *Bus) OutW(port uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)

	return b.Out(port, buf[:])
}

func (b *Bus) InL(port uint64) (uint32, error) {
	var buf [4]byte
	if err := b.In(port, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b *Bus) OutL(port uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return b.Out(port, buf[:])
}

// Halt simulates the `hlt` instruction, which signals there is nothing
// ready to run until the next tick; no code in this repository calls
// it. It is a no-op hook here because the one hardware thread
// this kernel models is the Go goroutine doing the calling; real power
// saving is out of scope.
func Halt() {}
