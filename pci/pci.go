package pci

// Configuration Space Access Mechanism #1.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return (uint32(a)>>31)&0x1 == 0x1
}

// Bus is the simulated PCI configuration-space bus: slot 0 is always
// the host bridge, slots 1.. are devices registered during boot in
// discovery order (spec §4.5, C11). It answers CONFIG_ADDRESS (0xCF8)
// and CONFIG_DATA (0xCFC) port I/O the way a real chipset's
// Mechanism #1 does.
type Bus struct {
	addr    address
	Devices []Device
}

// New creates a bus with only the host bridge present.
func New() *Bus {
	return &Bus{
		addr:    0,
		Devices: []Device{NewBridge()},
	}
}

// Attach registers a device at the next free slot and returns its
// synthesized device number.
func (b *Bus) Attach(dev Device) uint32 {
	slot := uint32(len(b.Devices))
	b.Devices = append(b.Devices, dev)

	return slot
}

func (b *Bus) selected() (Device, bool) {
	slot := b.addr.getDeviceNumber()
	if b.addr.getBusNumber() != 0 || int(slot) >= len(b.Devices) {
		return nil, false
	}

	return b.Devices[slot], true
}

func (b *Bus) PciConfDataIn(port uint64, values []byte) error {
	dev, ok := b.selected()
	if !ok {
		return nil
	}

	hdr := dev.GetDeviceHeader()
	off := b.addr.getRegisterOffset()

	switch off {
	case 0:
		copy(values, NumToBytes(hdr.VendorID))
	case 2:
		copy(values, NumToBytes(hdr.DeviceID))
	case 4:
		copy(values, NumToBytes(hdr.Command))
	case 8:
		copy(values, NumToBytes(hdr.DeviceID))
	case 0xe:
		copy(values, NumToBytes(hdr.HeaderType))
	case 0x3c:
		copy(values, NumToBytes(hdr.InterruptLine))
	case 0x3d:
		copy(values, NumToBytes(hdr.InterruptPin))
	default:
		if off >= 0x10 && off <= 0x24 {
			idx := (off - 0x10) / 4
			copy(values, NumToBytes(hdr.BAR[idx]))
		}
	}

	return nil
}

func (b *Bus) PciConfDataOut(port uint64, values []byte) error {
	// Command-register writes (enable memory/bus-master) and BAR probes
	// are accepted but the simulated devices have fixed BARs, so there
	// is nothing further to latch.
	return nil
}

func (b *Bus) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((b.addr >> 24) & 0xff)
	values[2] = uint8((b.addr >> 16) & 0xff)
	values[1] = uint8((b.addr >> 8) & 0xff)
	values[0] = uint8((b.addr >> 0) & 0xff)

	return nil
}

func (b *Bus) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	b.addr = address(x)

	return nil
}
