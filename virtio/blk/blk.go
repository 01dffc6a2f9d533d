// Package blk implements the virtio-blk driver (spec §4.6, C12),
// adapted from the teacher's single-purpose virtio/blk.go onto the
// shared virtio.Transport: one request queue, three-descriptor
// request chains, and a spin-poll-with-timeout completion model.
package blk

import (
	"encoding/binary"
	"errors"

	"github.com/arrost/kernel/pci"
	"github.com/arrost/kernel/virtio"
)

const (
	IOPortStart = 0x6300
	IOPortSize  = 0x100

	SectorSize = 512

	queueIndex = 0
	maxSize    = 128

	// Request types, per the virtio-blk spec.
	typeIn  = 0 // read
	typeOut = 1 // write

	// Completion spin-poll bound for one operation (spec §5: all
	// blocking operations carry an explicit tick budget).
	pollBudget = 1_000_000
)

// Errors from the Storage taxonomy (spec §7) this driver can return.
var (
	ErrOutOfRange    = errors.New("blk: sector out of range")
	ErrDeviceFailure = errors.New("blk: device reported nonzero status")
	ErrIoTimeout     = errors.New("blk: completion poll exceeded its budget")
	ErrNotReady      = virtio.ErrNotReady
)

// Device is the virtio-blk PCI function: a block device exposing
// read_sector/write_sector over a single request virtqueue.
type Device struct {
	transport *virtio.Transport
	capacity  uint64 // sectors
	irq       uint8

	mem []byte // simulated flat physical memory the descriptors index into

	// storage is the disk backing store proper, indexed by
	// sector*SectorSize; mem only ever holds one in-flight descriptor
	// chain's worth of scratch data, the way a real device's DMA engine
	// shuttles one request through guest memory at a time.
	storage []byte
}

// New wires a blk device with capacity sectors of storage, backed by
// an in-process slab of physical memory (mem) that descriptor
// addresses index directly into — this simulator's stand-in for a
// second, guest-owned address space.
func New(irq uint8, capacitySectors uint64, mem []byte) *Device {
	d := &Device{capacity: capacitySectors, irq: irq, mem: mem, storage: make([]byte, capacitySectors*SectorSize)}

	d.transport = virtio.NewTransport(1, maxSize, func(addr uint64, length uint32) ([]byte, error) {
		end := addr + uint64(length)
		if end > uint64(len(mem)) {
			return nil, virtio.ErrAddressTranslationFailed
		}

		return mem[addr:end], nil
	})

	return d
}

// Capacity reports the device's sector count, for callers (e.g. the
// filesystem) that need to range-check extents against the whole disk.
func (d *Device) Capacity() uint64 { return d.capacity }

// GetDeviceHeader implements pci.Device.
func (d *Device) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:      0x1001,
		VendorID:      0x1AF4,
		HeaderType:    0,
		SubsystemID:   2, // block device
		Command:       1,
		BAR:           [6]uint32{IOPortStart | 0x1},
		InterruptPin:  1,
		InterruptLine: d.irq,
	}
}

// GetIORange implements pci.Device.
func (d *Device) GetIORange() (start, end uint64) { return IOPortStart, IOPortStart + IOPortSize }

// IOInHandler implements pci.Device: reads from the common header
// followed by the device-specific capacity field.
func (d *Device) IOInHandler(port uint64, data []byte) error {
	offset := int(port - IOPortStart)

	b := d.headerBytes()

	l := len(data)
	if offset+l > len(b) {
		return nil
	}

	copy(data[:l], b[offset:offset+l])

	return nil
}

func (d *Device) headerBytes() []byte {
	b := make([]byte, 0, 28)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.HostFeatures)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.GuestFeatures)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.QueuePFN)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueNUM)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueSEL)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueNotify)
	b = append(b, d.transport.Hdr.Status, d.transport.Hdr.ISR)
	b = binary.LittleEndian.AppendUint64(b, d.capacity)

	return b
}

// Offsets into the legacy common configuration region, matching the
// teacher's blk.go layout.
const (
	offQueueNUM    = 12
	offQueueSEL    = 14
	offQueueNotify = 16
	offISR         = 19
)

// IOOutHandler implements pci.Device: the only writes this simulator
// needs are queue_num/queue_sel (routed straight through Transport)
// and queue_notify, which here just marks the device ready for the
// next poll rather than kicking a separate I/O thread.
func (d *Device) IOOutHandler(port uint64, data []byte) error {
	offset := int(port - IOPortStart)

	switch offset {
	case offQueueSEL:
		d.transport.Select(uint16(pci.BytesToNum(data)))
	case offQueueNUM:
		_ = d.transport.SetQueueSize(uint16(pci.BytesToNum(data)))
	case offQueueNotify:
		d.transport.Hdr.ISR = 0
	case offISR:
	default:
	}

	return nil
}

// requestHeader is the virtio-blk request header (first descriptor).
type requestHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// ReadSector implements the blk §4.6 read path: a 3-descriptor chain
// (header, data buffer marked device-writable, status byte marked
// device-writable), submitted and polled to completion.
func (d *Device) ReadSector(sector uint64, out []byte) error {
	if sector >= d.capacity {
		return ErrOutOfRange
	}

	if !d.transport.Ready() {
		return ErrNotReady
	}

	if len(out) < SectorSize {
		out = append(out, make([]byte, SectorSize-len(out))...)
	}

	status, err := d.submit(typeIn, sector, out[:SectorSize])
	if err != nil {
		return err
	}

	if status != 0 {
		return ErrDeviceFailure
	}

	return nil
}

// WriteSector implements the blk §4.6 write path.
func (d *Device) WriteSector(sector uint64, data []byte) error {
	if sector >= d.capacity {
		return ErrOutOfRange
	}

	if !d.transport.Ready() {
		return ErrNotReady
	}

	buf := make([]byte, SectorSize)
	copy(buf, data)

	status, err := d.submit(typeOut, sector, buf)
	if err != nil {
		return err
	}

	if status != 0 {
		return ErrDeviceFailure
	}

	return nil
}

// submit lays out the three-descriptor chain directly in the
// device's backing memory, pushes the head to avail, plays the
// device side of the queue synchronously (this simulator has no
// separate guest to notify), and reaps the completion.
func (d *Device) submit(reqType uint32, sector uint64, data []byte) (status byte, err error) {
	q := d.transport.QueueAt(queueIndex)
	if q == nil {
		return 0, virtio.ErrQueueUnavailable
	}

	const (
		hdrDesc    = 0
		dataDesc   = 1
		statusDesc = 2
	)

	hdrOff := uint64(0)
	dataOff := uint64(32)
	statusOff := dataOff + SectorSize

	if int(statusOff)+1 > len(d.mem) {
		return 0, virtio.ErrAddressTranslationFailed
	}

	hdr := requestHeader{Type: reqType, Sector: sector}
	hb := make([]byte, 16)
	binary.LittleEndian.PutUint32(hb[0:4], hdr.Type)
	binary.LittleEndian.PutUint32(hb[4:8], hdr.Reserved)
	binary.LittleEndian.PutUint64(hb[8:16], hdr.Sector)
	copy(d.mem[hdrOff:hdrOff+16], hb)

	// writableData mirrors the virtio-blk convention: a read (typeIn)
	// marks the data descriptor device-writable, since the device is
	// the one filling it for the driver to consume.
	writableData := reqType == typeIn

	dataFlags := uint16(virtio.DescFNext)
	if writableData {
		dataFlags |= virtio.DescFWrite
	} else {
		copy(d.mem[dataOff:dataOff+SectorSize], data)
	}

	d.mem[statusOff] = 0xFF // sentinel until the device writes a real status

	q.DescTable[hdrDesc] = virtio.Desc{Addr: hdrOff, Len: 16, Flags: virtio.DescFNext, Next: dataDesc}
	q.DescTable[dataDesc] = virtio.Desc{Addr: dataOff, Len: SectorSize, Flags: dataFlags, Next: statusDesc}
	q.DescTable[statusDesc] = virtio.Desc{Addr: statusOff, Len: 1, Flags: virtio.DescFWrite}

	q.PushAvail(hdrDesc)

	// Device side: serve the request synchronously against the backing
	// store and post a completion, standing in for a real device's DMA
	// engine moving bytes between guest memory and disk.
	sectorOff := sector * SectorSize

	if writableData {
		copy(d.mem[dataOff:dataOff+SectorSize], d.storage[sectorOff:sectorOff+SectorSize])
	} else {
		copy(d.storage[sectorOff:sectorOff+SectorSize], d.mem[dataOff:dataOff+SectorSize])
	}

	d.mem[statusOff] = 0
	q.PushUsed(hdrDesc, SectorSize)
	d.transport.Hdr.ISR = 1

	spins := 0
	completed := false

	for spins < pollBudget {
		n := q.PollCompletions(func(uint16, uint32) { completed = true })
		if n > 0 {
			break
		}

		spins++
	}

	if !completed {
		return 0, ErrIoTimeout
	}

	if writableData {
		copy(data, d.mem[dataOff:dataOff+SectorSize])
	}

	return d.mem[statusOff], nil
}
