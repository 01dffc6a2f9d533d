// Package kbd decodes PS/2 set-1 scancodes into ASCII bytes and key
// events (spec §4.4, C9). It is the PIC's KeySink: FireIRQ1 calls
// Feed with the raw scancode byte ingested directly off the data
// port, and the decoder must never block or allocate during Feed,
// since it runs on the interrupt path (spec §9).
package kbd

import "github.com/arrost/kernel/ring"

const (
	extendedPrefix = 0xE0
	releaseBit     = 0x80

	shiftLeft  = 0x2A
	shiftRight = 0x36
)

// Synthetic codes for keys with no ASCII representation, kept outside
// the 0-255 ASCII range so callers can distinguish them at a glance
// (spec §4.4).
const (
	CodeUp = 0x100 + iota
	CodeDown
	CodeLeft
	CodeRight
	CodeHome
	CodeEnd
	CodeDelete
	CodeInsert
	CodePageUp
	CodePageDown
)

var extendedCodes = map[byte]uint16{
	0x48: CodeUp,
	0x50: CodeDown,
	0x4B: CodeLeft,
	0x4D: CodeRight,
	0x47: CodeHome,
	0x4F: CodeEnd,
	0x53: CodeDelete,
	0x52: CodeInsert,
	0x49: CodePageUp,
	0x51: CodePageDown,
}

// asciiTable maps a non-extended, non-release scancode to its
// unshifted/shifted ASCII byte. A 0 entry means "no ASCII mapping"
// (e.g. modifier keys, F-keys).
var asciiTable = [128][2]byte{
	0x02: {'1', '!'}, 0x03: {'2', '@'}, 0x04: {'3', '#'}, 0x05: {'4', '$'},
	0x06: {'5', '%'}, 0x07: {'6', '^'}, 0x08: {'7', '&'}, 0x09: {'8', '*'},
	0x0A: {'9', '('}, 0x0B: {'0', ')'}, 0x0C: {'-', '_'}, 0x0D: {'=', '+'},
	0x0E: {'\b', '\b'}, 0x0F: {'\t', '\t'},
	0x10: {'q', 'Q'}, 0x11: {'w', 'W'}, 0x12: {'e', 'E'}, 0x13: {'r', 'R'},
	0x14: {'t', 'T'}, 0x15: {'y', 'Y'}, 0x16: {'u', 'U'}, 0x17: {'i', 'I'},
	0x18: {'o', 'O'}, 0x19: {'p', 'P'}, 0x1A: {'[', '{'}, 0x1B: {']', '}'},
	0x1C: {'\n', '\n'},
	0x1E: {'a', 'A'}, 0x1F: {'s', 'S'}, 0x20: {'d', 'D'}, 0x21: {'f', 'F'},
	0x22: {'g', 'G'}, 0x23: {'h', 'H'}, 0x24: {'j', 'J'}, 0x25: {'k', 'K'},
	0x26: {'l', 'L'}, 0x27: {';', ':'}, 0x28: {'\'', '"'}, 0x29: {'`', '~'},
	0x2B: {'\\', '|'},
	0x2C: {'z', 'Z'}, 0x2D: {'x', 'X'}, 0x2E: {'c', 'C'}, 0x2F: {'v', 'V'},
	0x30: {'b', 'B'}, 0x31: {'n', 'N'}, 0x32: {'m', 'M'}, 0x33: {',', '<'},
	0x34: {'.', '>'}, 0x35: {'/', '?'},
	0x39: {' ', ' '},
}

// KeyEvent is pushed to the event queue for every press/release,
// including arrow keys decoded via the extended prefix. The shift keys
// only update decoder state and push no event, and an extended key
// with no synthetic code is dropped.
type KeyEvent struct {
	Code    uint16
	Pressed bool
}

const (
	byteQueueCap  = 256
	eventQueueCap = 256
)

// Decoder holds the two pieces of decode state (spec §4.4) plus the
// two SPSC queues it feeds.
type Decoder struct {
	shiftPressed   bool
	extendedPrefix bool

	bytes  *ring.Queue[byte]
	events *ring.Queue[KeyEvent]
}

// New returns a decoder with empty queues.
func New() *Decoder {
	return &Decoder{
		bytes:  ring.New[byte](byteQueueCap),
		events: ring.New[KeyEvent](eventQueueCap),
	}
}

// Feed processes one raw scancode byte (the PIC's KeySink contract).
func (d *Decoder) Feed(b byte) {
	if b == extendedPrefix {
		d.extendedPrefix = true

		return
	}

	extended := d.extendedPrefix
	d.extendedPrefix = false

	pressed := b&releaseBit == 0
	code := b &^ releaseBit

	if code == shiftLeft || code == shiftRight {
		d.shiftPressed = pressed

		return
	}

	if extended {
		if synth, ok := extendedCodes[code]; ok {
			d.events.Push(KeyEvent{Code: synth, Pressed: pressed})
		}

		return
	}

	if int(code) < len(asciiTable) {
		entry := asciiTable[code]

		var ascii byte
		if d.shiftPressed {
			ascii = entry[1]
		} else {
			ascii = entry[0]
		}

		if ascii != 0 && pressed {
			d.bytes.Push(ascii)
		}
	}

	d.events.Push(KeyEvent{Code: uint16(code), Pressed: pressed})
}

// ReadByte pops the oldest decoded ASCII byte, if any.
func (d *Decoder) ReadByte() (byte, bool) { return d.bytes.Pop() }

// ReadEvent pops the oldest key event, if any.
func (d *Decoder) ReadEvent() (KeyEvent, bool) { return d.events.Pop() }

// DroppedBytes/DroppedEvents expose the overflow counters spec §7
// calls out as observable.
func (d *Decoder) DroppedBytes() uint64  { return d.bytes.Dropped() }
func (d *Decoder) DroppedEvents() uint64 { return d.events.Dropped() }
