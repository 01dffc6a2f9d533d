// Package ioport simulates the x86 port I/O space (spec §4, C1): the
// `in`/`out` byte/word/long instructions and MMIO helpers every other
// device in this repository is built on.
//
// A real kernel issues these as privileged CPU instructions; this
// simulator models the same contract as a dispatch table indexed by
// port number, exactly the shape gokvm's machine.go uses for its own
// `ioportHandlers [0x10000][2]func(port uint64, bytes []byte) error`
// array. Every device (serial, PIC, PIT, PCI config space, virtio
// BARs) registers the port ranges it owns; everything else reads as
// 0xFF and discards writes, matching unassigned-bus behavior.
package ioport

import "fmt"

// Handler answers one direction (in or out) of port I/O for a width
// given by len(data) (1, 2 or 4 bytes).
type Handler func(port uint64, data []byte) error

// Device is anything that owns a contiguous port range and can answer
// both directions of traffic to it.
type Device interface {
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
	Range() (start, end uint64)
}

const portSpaceSize = 0x10000

// Bus dispatches port I/O to the device registered for a given port.
type Bus struct {
	in  [portSpaceSize]Handler
	out [portSpaceSize]Handler
}

// NewBus returns an empty bus; unmapped ports read 0xFF and discard
// writes, as on real hardware.
func NewBus() *Bus {
	return &Bus{}
}

// Register attaches a device's In/Out handlers over its port range.
// A later Register silently overrides an earlier one for overlapping
// ports, mirroring last-registered-wins PCI BAR reassignment.
func (b *Bus) Register(dev Device) {
	start, end := dev.Range()
	for p := start; p < end; p++ {
		b.in[p] = dev.In
		b.out[p] = dev.Out
	}
}

// RegisterFuncs is the low-level form used by devices (like the PCI
// bus and legacy PIC) that only need one port, not a whole Device.
func (b *Bus) RegisterFuncs(port uint64, in, out Handler) {
	b.in[port] = in
	b.out[port] = out
}

// In reads len(data) bytes from port.
func (b *Bus) In(port uint64, data []byte) error {
	if port >= portSpaceSize {
		return fmt.Errorf("ioport: port 0x%x out of range", port)
	}

	if h := b.in[port]; h != nil {
		return h(port, data)
	}

	for i := range data {
		data[i] = 0xff
	}

	return nil
}

// Out writes len(data) bytes to port.
func (b *Bus) Out(port uint64, data []byte) error {
	if port >= portSpaceSize {
		return fmt.Errorf("ioport: port 0x%x out of range", port)
	}

	if h := b.out[port]; h != nil {
		return h(port, data)
	}

	return nil
}
