// Package pci models the configuration-space view of the legacy PC PCI
// bus that the kernel core enumerates during boot (spec §4.5, C11).
//
// There is no real chipset here: a simulated physical bus is a slice of
// Device implementations, each answering to a synthesized (bus, device,
// function) slot exactly as gokvm's machine wires virtio devices onto
// its guest's PCI bus.
package pci

import "encoding/binary"

// DeviceHeader is the type 0 (or type 1, for bridges) configuration
// header every function on the bus exposes at offset 0.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ClassCode     [3]uint8
	HeaderType    uint8
	SubsystemID   uint16
	BAR           [6]uint32
	InterruptLine uint8
	InterruptPin  uint8
}

// Bytes renders the header in little-endian configuration-space order.
func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := make([]byte, 0, 20)
	buf = binary.LittleEndian.AppendUint16(buf, h.VendorID)
	buf = binary.LittleEndian.AppendUint16(buf, h.DeviceID)
	buf = binary.LittleEndian.AppendUint16(buf, h.Command)
	buf = binary.LittleEndian.AppendUint16(buf, h.Status)
	buf = append(buf, h.RevisionID)
	buf = append(buf, h.ClassCode[:]...)
	buf = append(buf, h.HeaderType)
	buf = binary.LittleEndian.AppendUint16(buf, h.SubsystemID)

	for _, bar := range h.BAR {
		buf = binary.LittleEndian.AppendUint32(buf, bar)
	}

	buf = append(buf, h.InterruptLine, h.InterruptPin)

	return buf, nil
}

// Device is anything that can sit on the bus and answer port I/O
// addressed to its BAR range.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}
