// Package net implements the virtio-net driver (spec §4.5/§4.8, C13),
// adapted from the teacher's virtio/net.go onto the shared
// virtio.Transport: two queues (rx=0, tx=1), an Ethernet frame in/out
// pair backed by a real Linux TAP device, and the same descriptor
// chain walking the teacher used, minus the guest-memory unsafe
// overlay (this simulator has one address space, not two).
package net

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/arrost/kernel/pci"
	"github.com/arrost/kernel/virtio"
)

const (
	IOPortStart = 0x6200
	IOPortSize  = 0x100

	rxQueue = 0
	txQueue = 1
	maxSize = 256

	interruptLine = 9

	// Room reserved at the front of every rx buffer for the
	// virtio_net_hdr the guest driver expects (spec net header, all
	// fields zero in this simulator since no offload is negotiated).
	netHdrLen = 10
)

var (
	ErrNoBuffer     = errors.New("net: no rx descriptor available")
	ErrQueueUnready = errors.New("net: tx/rx queue not set up")
	ErrFrameTooLarge = errors.New("net: frame exceeds descriptor capacity")
)

// Frames is the narrow interface onto the real network backing (a
// tap.Tap in production, an in-memory pipe in tests).
type Frames interface {
	io.Reader
	io.Writer
}

// IRQInjector delivers a level-triggered interrupt to the rest of the
// simulated machine, mirroring the teacher's irqCallback(irq, level).
type IRQInjector interface {
	InjectIRQ(irq uint32, level uint32)
}

// Device is the virtio-net PCI function.
type Device struct {
	transport *virtio.Transport
	frames    Frames
	irq       IRQInjector

	mem []byte

	// lastAvail tracks the device side's consumption position per
	// queue, keyed by queue identity since virtio.Queue has no device
	// side state of its own.
	lastAvail map[*virtio.Queue]uint16

	// rxScratchNext carves rx landing buffers out of the top of mem,
	// growing downward so it never collides with a caller's own
	// bump-allocated buffers growing up from the bottom (frame.Allocator
	// uses the same top-down/bottom-up convention elsewhere).
	rxScratchNext uint64

	// rxDescNext cycles through the rx queue's fixed descriptor slots
	// as PostRxBuffer re-primes the queue after each delivered frame.
	rxDescNext uint16
}

// rxBufSize is the scratch buffer size PostRxBuffer reserves per
// posted descriptor: large enough for netHdrLen plus one max-size
// Ethernet frame.
const rxBufSize = netHdrLen + 1514

// New wires a net device to frames (the real or test network backing)
// and mem (this simulator's flat physical memory).
func New(frames Frames, irq IRQInjector, mem []byte) *Device {
	d := &Device{
		frames:        frames,
		irq:           irq,
		mem:           mem,
		lastAvail:     make(map[*virtio.Queue]uint16),
		rxScratchNext: uint64(len(mem)),
	}

	d.transport = virtio.NewTransport(2, maxSize, func(addr uint64, length uint32) ([]byte, error) {
		end := addr + uint64(length)
		if end > uint64(len(mem)) {
			return nil, virtio.ErrAddressTranslationFailed
		}

		return mem[addr:end], nil
	})

	return d
}

// GetDeviceHeader implements pci.Device.
func (d *Device) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:      0x1000,
		VendorID:      0x1AF4,
		HeaderType:    0,
		SubsystemID:   1, // network card
		Command:       1,
		BAR:           [6]uint32{IOPortStart | 0x1},
		InterruptPin:  1,
		InterruptLine: interruptLine,
	}
}

// GetIORange implements pci.Device.
func (d *Device) GetIORange() (start, end uint64) { return IOPortStart, IOPortStart + IOPortSize }

const (
	offQueueNUM    = 12
	offQueueSEL    = 14
	offQueueNotify = 16
	offISR         = 19
)

// IOInHandler implements pci.Device.
func (d *Device) IOInHandler(port uint64, data []byte) error {
	offset := int(port - IOPortStart)

	b := make([]byte, 0, 16)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.HostFeatures)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.GuestFeatures)
	b = binary.LittleEndian.AppendUint32(b, d.transport.Hdr.QueuePFN)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueNUM)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueSEL)
	b = binary.LittleEndian.AppendUint16(b, d.transport.Hdr.QueueNotify)
	b = append(b, d.transport.Hdr.Status, d.transport.Hdr.ISR)

	l := len(data)
	if offset+l > len(b) {
		return nil
	}

	copy(data[:l], b[offset:offset+l])

	return nil
}

// IOOutHandler implements pci.Device.
func (d *Device) IOOutHandler(port uint64, data []byte) error {
	offset := int(port - IOPortStart)

	switch offset {
	case offQueueSEL:
		d.transport.Select(uint16(pci.BytesToNum(data)))
	case offQueueNUM:
		_ = d.transport.SetQueueSize(uint16(pci.BytesToNum(data)))
	case offQueueNotify:
		d.transport.Hdr.ISR = 0

		if d.transport.Hdr.QueueSEL == txQueue {
			_ = d.Tx()
		}
	case offISR:
	default:
	}

	return nil
}

func (d *Device) injectIRQ() {
	d.transport.Hdr.ISR = 0x1

	if d.irq != nil {
		d.irq.InjectIRQ(interruptLine, 0)
		d.irq.InjectIRQ(interruptLine, 1)
	}
}

// Rx reads one frame off the real network backing and delivers it
// through the rx queue's next available descriptor chain (spec §4.5
// submission semantics, mirroring the teacher's Rx).
func (d *Device) Rx() error {
	q := d.transport.QueueAt(rxQueue)
	if q == nil {
		return ErrQueueUnready
	}

	packet := make([]byte, 4096)

	n, err := d.frames.Read(packet)
	if err != nil {
		return err
	}

	packet = append(make([]byte, netHdrLen), packet[:n]...)

	descID, err := d.popAvail(q)
	if err != nil {
		return err
	}

	desc := &q.DescTable[descID]

	l := uint32(len(packet))
	if l > desc.Len {
		l = desc.Len
	}

	dst, terr := d.transport.Translate(desc.Addr, l)
	if terr != nil {
		return terr
	}

	copy(dst, packet[:l])
	q.PushUsed(descID, l)
	d.injectIRQ()

	return nil
}

// Tx walks every newly-available tx descriptor chain, reassembles the
// frame (skipping the virtio_net_hdr prefix) and writes it to the
// real network backing.
func (d *Device) Tx() error {
	q := d.transport.QueueAt(txQueue)
	if q == nil {
		return ErrQueueUnready
	}

	sent := 0

	for {
		descID, err := d.popAvail(q)
		if err != nil {
			break
		}

		var buf []byte

		id := descID

		for {
			desc := q.DescTable[id]

			chunk, terr := d.transport.Translate(desc.Addr, desc.Len)
			if terr != nil {
				return terr
			}

			buf = append(buf, chunk...)

			if desc.Flags&virtio.DescFNext == 0 {
				break
			}

			id = desc.Next
		}

		if len(buf) < netHdrLen {
			return ErrFrameTooLarge
		}

		buf = buf[netHdrLen:]

		if _, err := d.frames.Write(buf); err != nil {
			return err
		}

		q.PushUsed(descID, uint32(len(buf)))
		sent++
	}

	if sent > 0 {
		d.injectIRQ()
	}

	return nil
}

// PostRxBuffer reserves one scratch landing buffer and posts its
// descriptor to the rx avail ring, exactly as a real virtio-net driver
// pre-posts receive buffers at boot before any frame can arrive.
func (d *Device) PostRxBuffer() error {
	q := d.transport.QueueAt(rxQueue)
	if q == nil {
		return ErrQueueUnready
	}

	if d.rxScratchNext < rxBufSize {
		return ErrFrameTooLarge
	}

	d.rxScratchNext -= rxBufSize
	addr := d.rxScratchNext

	descID := d.rxDescNext
	d.rxDescNext = (d.rxDescNext + 1) % q.Size

	q.DescTable[descID] = virtio.Desc{Addr: addr, Len: rxBufSize, Flags: virtio.DescFWrite}
	q.PushAvail(descID)

	return nil
}

// RecvFrame drains one already-landed rx frame, if Rx has delivered
// one since the last call, stripping the virtio_net_hdr prefix and
// automatically re-posting a fresh buffer so the queue stays primed
// (spec §2: "device completions are polled from the main loop").
func (d *Device) RecvFrame() ([]byte, bool, error) {
	q := d.transport.QueueAt(rxQueue)
	if q == nil {
		return nil, false, ErrQueueUnready
	}

	var frame []byte

	got := false

	q.PollCompletions(func(descID uint16, length uint32) {
		if got {
			return
		}

		desc := q.DescTable[descID]

		buf, err := d.transport.Translate(desc.Addr, length)
		if err != nil {
			return
		}

		if int(length) <= netHdrLen {
			return
		}

		frame = append([]byte(nil), buf[netHdrLen:length]...)
		got = true
	})

	if !got {
		return nil, false, nil
	}

	_ = d.PostRxBuffer()

	return frame, true, nil
}

// SendFrame lays out one tx descriptor chain directly (virtio_net_hdr
// prefix plus payload), submits it and drains it through Tx in the
// same call, mirroring virtio/blk.Device.submit's "no separate guest
// to notify" pattern for a single-descriptor tx request.
func (d *Device) SendFrame(frame []byte) error {
	q := d.transport.QueueAt(txQueue)
	if q == nil {
		return ErrQueueUnready
	}

	if netHdrLen+len(frame) > int(d.rxScratchNext) {
		return ErrFrameTooLarge
	}

	d.rxScratchNext -= uint64(netHdrLen + len(frame))
	addr := d.rxScratchNext

	buf, err := d.transport.Translate(addr, uint32(netHdrLen+len(frame)))
	if err != nil {
		return err
	}

	for i := 0; i < netHdrLen; i++ {
		buf[i] = 0
	}

	copy(buf[netHdrLen:], frame)

	const descID = 0

	q.DescTable[descID] = virtio.Desc{Addr: addr, Len: uint32(len(buf))}
	q.PushAvail(descID)

	return d.Tx()
}

func (d *Device) popAvail(q *virtio.Queue) (uint16, error) {
	idx, ok := d.lastAvail[q]
	if !ok {
		idx = 0
	}

	if !q.HasAvailWork(idx) {
		return 0, ErrNoBuffer
	}

	descID := q.AvailAt(idx)
	d.lastAvail[q] = idx + 1

	return descID, nil
}
