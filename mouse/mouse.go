// Package mouse reassembles PS/2 aux-port byte streams into 3-byte
// packets (spec §4.4, C10). It is the PIC's MouseSink: FireIRQ12
// feeds one raw byte at a time, the same way the keyboard's IRQ1
// feeds scancodes, and packet framing is recovered from bad sync
// bytes rather than ever blocking on the interrupt path (spec §9).
package mouse

import "github.com/arrost/kernel/ring"

// syncBit is always set in a packet's first byte (PS/2 byte 0, bit 3)
// and never set in bytes 1/2; losing sync is detected by its absence
// where byte 0 is expected.
const syncBit = 0x08

// Packet is one decoded 3-byte PS/2 mouse report.
type Packet struct {
	LeftButton   bool
	RightButton  bool
	MiddleButton bool
	DX           int8
	DY           int8
}

const (
	overflowXBit = 0x40
	overflowYBit = 0x80
	signXBit     = 0x10
	signYBit     = 0x20
)

const (
	eventQueueCap = 256

	// EnableSequence is the byte sequence a real PS/2 controller
	// expects to bring the aux port up: reset, set defaults, then
	// enable data reporting.
	cmdReset       = 0xff
	cmdSetDefaults = 0xf6
	cmdEnableData  = 0xf4
)

// EnableSequence returns the bytes a caller should write to the PS/2
// aux command port to enable streaming (spec §4.4).
func EnableSequence() []byte { return []byte{cmdReset, cmdSetDefaults, cmdEnableData} }

// Decoder reassembles the byte stream into Packets.
type Decoder struct {
	buf     [3]byte
	have    int
	badSync uint64
	enabled bool

	events *ring.Queue[Packet]
}

// New returns a decoder with an empty event queue.
func New() *Decoder {
	return &Decoder{events: ring.New[Packet](eventQueueCap)}
}

// Enable marks the aux port as reporting; until called, Feed discards
// bytes (mirrors waiting on the real enable-ack handshake).
func (d *Decoder) Enable() { d.enabled = true }

// Feed ingests one raw aux-port byte (the PIC's MouseSink contract).
func (d *Decoder) Feed(b byte) {
	if !d.enabled {
		return
	}

	if d.have == 0 && b&syncBit == 0 {
		d.badSync++

		return
	}

	d.buf[d.have] = b
	d.have++

	if d.have < 3 {
		return
	}

	d.have = 0
	d.events.Push(decode(d.buf))
}

func decode(b [3]byte) Packet {
	p := Packet{
		LeftButton:   b[0]&0x01 != 0,
		RightButton:  b[0]&0x02 != 0,
		MiddleButton: b[0]&0x04 != 0,
	}

	dx := int16(b[1])
	if b[0]&signXBit != 0 {
		dx -= 256
	}

	if b[0]&overflowXBit != 0 {
		dx = 0
	}

	dy := int16(b[2])
	if b[0]&signYBit != 0 {
		dy -= 256
	}

	if b[0]&overflowYBit != 0 {
		dy = 0
	}

	p.DX = int8(clamp8(dx))
	p.DY = int8(clamp8(dy))

	return p
}

func clamp8(v int16) int16 {
	if v > 127 {
		return 127
	}

	if v < -128 {
		return -128
	}

	return v
}

// ReadPacket pops the oldest decoded packet, if any.
func (d *Decoder) ReadPacket() (Packet, bool) { return d.events.Pop() }

// BadSync returns the count of bytes discarded while resynchronizing
// on a corrupted stream.
func (d *Decoder) BadSync() uint64 { return d.badSync }

// DroppedPackets returns the count of fully-decoded packets dropped
// because the event queue was full.
func (d *Decoder) DroppedPackets() uint64 { return d.events.Dropped() }
