// Package snd implements the virtio-snd driver (spec §4.9, C15): the
// ctrl/tx queue pair, PCM stream selection, fixed-point resampling
// into the device's FIFO, and the backpressure watchdog that keeps
// the queue from growing unbounded when the device falls behind.
package snd

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/arrost/kernel/pci"
	"github.com/arrost/kernel/virtio"
	"golang.org/x/time/rate"
)

const (
	IOPortStart = 0x6400
	IOPortSize  = 0x100

	ctrlQueue = 0
	txQueue   = 2
	maxSize   = 64

	// PCM_FIFO_SAMPLES/TX_PACKET_FRAMES/HIGH_WATER/TARGET are the
	// configuration knobs spec §6 calls out for the audio subsystem.
	pcmFIFOSamples  = 16384
	txPacketFrames  = 256
	highWaterFrames = 8192
	targetFrames    = 4096

	FormatS16 = 0
)

// Control opcodes recognized by the core (spec §4.9).
const (
	OpPCMInfo       = 0x0100
	OpPCMSetParams  = 0x0101
	OpPCMPrepare    = 0x0102
	OpPCMStart      = 0x0103
	OpPCMStop       = 0x0104
)

var (
	ErrNoStream     = errors.New("snd: no suitable output stream advertised")
	ErrNotPrepared  = errors.New("snd: stream not prepared")
	ErrQueueUnready = errors.New("snd: ctrl/tx queue not set up")
	ErrCtrlTimeout  = errors.New("snd: ctrl queue completion did not arrive")
)

// StreamInfo describes one device-advertised PCM stream (spec §4.9
// PCM_INFO response).
type StreamInfo struct {
	ID        uint32
	Direction uint8 // 0 = output
	Formats   uint64 // bitmask, bit FormatS16 set if supported
	Rates     []uint32
	Channels  uint8
}

const dirOutput = 0

// chooseStream implements spec §4.9 stream selection: prefer
// direction=OUTPUT advertising S16 and an acceptable rate (44100,
// 48000, 22050, 11025 in that order); channels 2 if supported else 1.
func chooseStream(streams []StreamInfo) (StreamInfo, uint32, uint8, bool) {
	preferredRates := []uint32{44100, 48000, 22050, 11025}

	for _, want := range preferredRates {
		for _, st := range streams {
			if st.Direction != dirOutput || st.Formats&(1<<FormatS16) == 0 {
				continue
			}

			for _, r := range st.Rates {
				if r != want {
					continue
				}

				channels := uint8(1)
				if st.Channels >= 2 {
					channels = 2
				}

				return st, r, channels, true
			}
		}
	}

	return StreamInfo{}, 0, 0, false
}

// pcmSlot is one TX packet slot: the stream it belongs to, the
// resampled S16 samples it carries, and whether the device still owns it.
type pcmSlot struct {
	streamID uint32
	pcm      []int16
	inUse    bool
}

// Scratch memory layout for the ctrl and tx queues: unlike blk/net,
// this device has no guest-owned address space handed to it from
// outside, so it carries its own private backing buffer that its
// Translator resolves descriptors into (spec §4.9 transport).
const (
	ctrlScratchLen = 4096
	txSlotBytes    = txPacketFrames * 2 * 2 // stereo worst case, 16-bit samples
	numTxSlots     = 8
	txScratchLen   = txSlotBytes * numTxSlots

	ctrlReqDesc    = 0
	ctrlRespDesc   = 1
	ctrlStatusDesc = 2

	ctrlPollBudget = 1000
)

// Device is the virtio-snd PCI function.
type Device struct {
	transport *virtio.Transport
	mem       []byte // private ctrl/tx scratch; never guest-exposed

	streams    []StreamInfo
	streamID   uint32
	streamRate uint32
	channels   uint8
	prepared   bool
	started    bool

	fifo           []int16
	bufferedFrames int
	pendingHW      int
	droppedFrames  uint64

	watchdog *rate.Limiter

	slots []pcmSlot
}

// New wires a snd device advertising the given streams. The ctrl and
// tx queues are sized here rather than over IOOutHandler: unlike
// blk/net, whose queues a guest driver negotiates, this device's sole
// consumer is the in-process audio façade, so there is no external
// actor to perform that negotiation.
func New(streams []StreamInfo) *Device {
	d := &Device{
		streams:  streams,
		watchdog: rate.NewLimiter(rate.Every(time.Millisecond), 1),
		slots:    make([]pcmSlot, numTxSlots),
		mem:      make([]byte, ctrlScratchLen+txScratchLen),
	}

	d.transport = virtio.NewTransport(4, maxSize, func(addr uint64, length uint32) ([]byte, error) {
		end := addr + uint64(length)
		if end > uint64(len(d.mem)) {
			return nil, virtio.ErrAddressTranslationFailed
		}

		return d.mem[addr:end], nil
	})

	d.transport.Select(ctrlQueue)
	_ = d.transport.SetQueueSize(maxSize)
	d.transport.Select(txQueue)
	_ = d.transport.SetQueueSize(maxSize)

	return d
}

// GetDeviceHeader implements pci.Device.
func (d *Device) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1019,
		VendorID:    0x1AF4,
		SubsystemID: 4, // sound card
		Command:     1,
		BAR:         [6]uint32{IOPortStart | 0x1},
	}
}

// GetIORange implements pci.Device.
func (d *Device) GetIORange() (start, end uint64) { return IOPortStart, IOPortStart + IOPortSize }

// IOInHandler/IOOutHandler are minimal: only queue_sel/queue_num are
// wired, matching the same legacy register subset blk/net use.
func (d *Device) IOInHandler(port uint64, data []byte) error { return nil }

func (d *Device) IOOutHandler(port uint64, data []byte) error {
	offset := int(port - IOPortStart)

	switch offset {
	case 14:
		d.transport.Select(uint16(pci.BytesToNum(data)))
	case 12:
		_ = d.transport.SetQueueSize(uint16(pci.BytesToNum(data)))
	}

	return nil
}

// Negotiate picks the output stream to use (spec §4.9 stream
// selection) and drives PCM_INFO/PCM_SET_PARAMS/PCM_PREPARE over the
// ctrl queue.
func (d *Device) Negotiate() error {
	st, rateHz, channels, ok := chooseStream(d.streams)
	if !ok {
		return ErrNoStream
	}

	if _, err := d.ctrlRequest(OpPCMInfo, nil); err != nil {
		return err
	}

	params := make([]byte, 0, 9)
	params = binary.LittleEndian.AppendUint32(params, st.ID)
	params = binary.LittleEndian.AppendUint32(params, rateHz)
	params = append(params, channels)

	if _, err := d.ctrlRequest(OpPCMSetParams, params); err != nil {
		return err
	}

	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, st.ID)

	if _, err := d.ctrlRequest(OpPCMPrepare, idBuf); err != nil {
		return err
	}

	d.streamID = st.ID
	d.streamRate = rateHz
	d.channels = channels
	d.prepared = true

	return nil
}

// Rate and Channels report the negotiated stream parameters, valid
// once Negotiate has succeeded.
func (d *Device) Rate() uint32    { return d.streamRate }
func (d *Device) Channels() uint8 { return d.channels }

// Started reports whether PCM_START has been issued.
func (d *Device) Started() bool { return d.started }

// Start issues PCM_START over the ctrl queue.
func (d *Device) Start() error {
	if !d.prepared {
		return ErrNotPrepared
	}

	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, d.streamID)

	if _, err := d.ctrlRequest(OpPCMStart, idBuf); err != nil {
		return err
	}

	d.started = true

	return nil
}

// Stop issues PCM_STOP over the ctrl queue.
func (d *Device) Stop() error {
	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, d.streamID)

	if _, err := d.ctrlRequest(OpPCMStop, idBuf); err != nil {
		return err
	}

	d.started = false

	return nil
}

const resamplerShift = 32

// SubmitPCMI16 implements spec §4.9 submit_pcm_i16: resample by
// fixed-point phase accumulation into the stream's rate/channels,
// push into the FIFO, apply backpressure, then drain into TX slots.
func (d *Device) SubmitPCMI16(samples []int16, srcRate uint32, srcChannels uint8) error {
	if !d.prepared {
		return ErrNotPrepared
	}

	mixed := mixChannels(samples, srcChannels, d.channels)

	step := (uint64(srcRate) << resamplerShift) / uint64(d.streamRate)
	if step < 1 {
		step = 1
	}

	resampled := resample(mixed, step, d.channels)

	d.fifo = append(d.fifo, resampled...)
	d.bufferedFrames = len(d.fifo) / int(d.channels)

	d.applyBackpressure()
	d.drainToSlots()

	return nil
}

// applyBackpressure drops the oldest FIFO samples once buffered
// frames exceed HIGH_WATER, returning to TARGET (spec §4.9).
func (d *Device) applyBackpressure() {
	if d.bufferedFrames <= highWaterFrames {
		return
	}

	excessFrames := d.bufferedFrames - targetFrames
	excessSamples := excessFrames * int(d.channels)

	if excessSamples > len(d.fifo) {
		excessSamples = len(d.fifo)
	}

	d.fifo = d.fifo[excessSamples:]
	d.droppedFrames += uint64(excessSamples / int(d.channels))
	d.bufferedFrames = len(d.fifo) / int(d.channels)
}

// drainToSlots moves up to TX_PACKET_FRAMES per packet from the FIFO
// into available TX slots and submits each one on the tx queue.
func (d *Device) drainToSlots() {
	q := d.transport.QueueAt(txQueue)

	for i := range d.slots {
		if len(d.fifo) == 0 {
			return
		}

		if d.slots[i].inUse {
			continue
		}

		frames := txPacketFrames
		if frames > d.bufferedFrames {
			frames = d.bufferedFrames
		}

		n := frames * int(d.channels)
		if n > len(d.fifo) {
			n = len(d.fifo)
		}

		pcm := append([]int16(nil), d.fifo[:n]...)
		d.slots[i] = pcmSlot{streamID: d.streamID, pcm: pcm, inUse: true}
		d.fifo = d.fifo[n:]
		d.bufferedFrames = len(d.fifo) / int(d.channels)
		d.pendingHW += n / int(d.channels)

		if q != nil {
			d.pushTxSlot(q, uint16(i), pcm)
		}
	}
}

// pushTxSlot writes one slot's resampled PCM into its scratch region
// and submits it on the tx queue. The device side completes it
// immediately (this simulator's output device has no separate driving
// thread), so a later PollCompletions call reaps it and frees the
// slot — it does not loop played audio back to the driver.
func (d *Device) pushTxSlot(q *virtio.Queue, slot uint16, pcm []int16) {
	off := ctrlScratchLen + int(slot)*txSlotBytes

	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}

	if off+len(raw) > len(d.mem) {
		return
	}

	copy(d.mem[off:], raw)

	q.DescTable[slot] = virtio.Desc{Addr: uint64(off), Len: uint32(len(raw))}
	q.PushAvail(slot)
	q.PushUsed(slot, uint32(len(raw)))
}

// PollCompletions walks the used ring, decrementing pending_hw_frames
// for each finished packet.
func (d *Device) PollCompletions() {
	q := d.transport.QueueAt(txQueue)
	if q == nil {
		return
	}

	q.PollCompletions(func(descID uint16, length uint32) {
		if int(descID) < len(d.slots) {
			frames := len(d.slots[descID].pcm) / int(d.channels)
			d.pendingHW -= frames
			d.slots[descID].inUse = false
		}
	})
}

// DroppedFrames exposes the per-frame drop counter (spec §7).
func (d *Device) DroppedFrames() uint64 { return d.droppedFrames }

// PendingHWFrames reports frames still owned by the device.
func (d *Device) PendingHWFrames() int { return d.pendingHW }

// mixChannels implements spec §4.9 mixing invariants: 1-channel
// stream averages stereo input; 2-channel stream duplicates mono
// input to L/R.
func mixChannels(samples []int16, srcChannels, dstChannels uint8) []int16 {
	if srcChannels == dstChannels {
		return samples
	}

	if srcChannels == 2 && dstChannels == 1 {
		out := make([]int16, len(samples)/2)
		for i := range out {
			out[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
		}

		return out
	}

	if srcChannels == 1 && dstChannels == 2 {
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[2*i] = s
			out[2*i+1] = s
		}

		return out
	}

	return samples
}

// resample performs fixed-point phase-accumulated resampling: step is
// (src_rate<<32)/stream_rate (spec §4.9).
func resample(samples []int16, step uint64, channels uint8) []int16 {
	if len(samples) == 0 {
		return nil
	}

	frames := len(samples) / int(channels)
	if frames == 0 {
		return nil
	}

	var out []int16

	phase := uint64(0)

	for {
		srcFrame := phase >> resamplerShift
		if int(srcFrame) >= frames {
			break
		}

		for c := 0; c < int(channels); c++ {
			out = append(out, samples[int(srcFrame)*int(channels)+c])
		}

		phase += step
	}

	return out
}

// ctrlRequest submits one {header+body}/response/status descriptor
// chain on the ctrl queue and reaps the device's reply — the same
// submit-then-poll shape blk.Device.submit uses for its request
// queue (spec §4.9 ctrl queue). This simulator has no separate guest
// to notify, so the device side runs synchronously between PushAvail
// and PushUsed.
func (d *Device) ctrlRequest(opcode uint32, body []byte) ([]byte, error) {
	q := d.transport.QueueAt(ctrlQueue)
	if q == nil {
		return nil, ErrQueueUnready
	}

	req := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(req[0:4], opcode)
	copy(req[4:], body)

	resp := d.handleCtrl(opcode, body)

	respCap := len(resp)
	if respCap == 0 {
		respCap = 1
	}

	reqOff := uint64(0)
	respOff := reqOff + uint64(len(req))
	statusOff := respOff + uint64(respCap)

	if int(statusOff)+1 > len(d.mem) {
		return nil, virtio.ErrAddressTranslationFailed
	}

	copy(d.mem[reqOff:], req)
	d.mem[statusOff] = 0xFF // sentinel until the device writes a real status

	q.DescTable[ctrlReqDesc] = virtio.Desc{Addr: reqOff, Len: uint32(len(req)), Flags: virtio.DescFNext, Next: ctrlRespDesc}
	q.DescTable[ctrlRespDesc] = virtio.Desc{Addr: respOff, Len: uint32(respCap), Flags: virtio.DescFNext | virtio.DescFWrite, Next: ctrlStatusDesc}
	q.DescTable[ctrlStatusDesc] = virtio.Desc{Addr: statusOff, Len: 1, Flags: virtio.DescFWrite}

	q.PushAvail(ctrlReqDesc)

	copy(d.mem[respOff:respOff+uint64(len(resp))], resp)
	d.mem[statusOff] = 0
	q.PushUsed(ctrlReqDesc, uint32(len(resp)))

	completed := false

	for spins := 0; spins < ctrlPollBudget && !completed; spins++ {
		q.PollCompletions(func(uint16, uint32) { completed = true })
	}

	if !completed {
		return nil, ErrCtrlTimeout
	}

	return append([]byte(nil), d.mem[respOff:respOff+uint64(len(resp))]...), nil
}

// handleCtrl plays the device side of one ctrl queue request (spec
// §4.9 PCM_INFO/PCM_SET_PARAMS/PCM_PREPARE/PCM_START/PCM_STOP): this
// simulator has no separate virtio-snd hardware to answer, so the
// response the device would have DMA'd back is built here instead.
func (d *Device) handleCtrl(opcode uint32, _ []byte) []byte {
	switch opcode {
	case OpPCMInfo:
		b := make([]byte, 0, len(d.streams)*16)
		for _, st := range d.streams {
			b = binary.LittleEndian.AppendUint32(b, st.ID)
			b = append(b, st.Direction, st.Channels)
			b = binary.LittleEndian.AppendUint16(b, 0)
			b = binary.LittleEndian.AppendUint64(b, st.Formats)
		}

		return b
	case OpPCMSetParams, OpPCMPrepare, OpPCMStart, OpPCMStop:
		return nil
	default:
		return nil
	}
}
