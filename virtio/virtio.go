// Package virtio implements the legacy split-virtqueue transport
// shared by the block, network and sound drivers (spec §4.5, C11),
// generalized from the single-purpose queue layouts in gokvm's
// virtio/blk.go and virtio/net.go into one reusable Transport that
// any pci.Device can embed.
//
// Each device still owns its own I/O-port decode and request
// semantics; Transport only owns the parts every virtio-pci legacy
// device shares: the common configuration header, per-queue
// select/size/PFN programming, and the avail/used ring bookkeeping
// used to submit and reap descriptor chains.
package virtio

import "errors"

// Errors drawn from the Storage taxonomy (spec §7) that the
// transport itself can raise; individual drivers add their own on
// top (OutOfRange, DeviceFailure, IoTimeout, etc).
var (
	ErrQueueTooSmall            = errors.New("virtio: queue size must be nonzero")
	ErrQueueTooLarge            = errors.New("virtio: queue size exceeds driver cap")
	ErrQueueUnavailable         = errors.New("virtio: queue index not selected or not set up")
	ErrAddressTranslationFailed = errors.New("virtio: descriptor address does not resolve to live memory")
	ErrNotReady                 = errors.New("virtio: device is not ready (FAILED bit set)")
)

// MaxQueueSize is the driver's compile-time cap on queue size (spec
// §4.5 step 1): a queue_size read from the device above this is
// rejected outright.
const MaxQueueSize = 256

// Status bits for CommonHeader.Status (virtio 1.x legacy register
// layout, bottom byte only).
const (
	StatusAcknowledge = 0x01
	StatusDriver      = 0x02
	StatusDriverOK    = 0x04
	StatusFeaturesOK  = 0x08
	StatusFailed      = 0x80
)

// Descriptor flags.
const (
	DescFNext  = 0x1
	DescFWrite = 0x2
)

// Desc is one descriptor-table entry (16 bytes on the wire).
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// usedElem is one used-ring entry.
type usedElem struct {
	ID  uint32
	Len uint32
}

// Queue is one virtqueue: a descriptor table plus avail/used rings,
// all sized to the power-of-two chosen at setup time.
type Queue struct {
	Size      uint16
	DescTable []Desc

	availFlags uint16
	availIdx   uint16
	availRing  []uint16

	usedFlags uint16
	usedIdx   uint16
	usedRing  []usedElem

	lastUsed uint16
}

// newQueue allocates a queue of the given power-of-two size.
func newQueue(size uint16) *Queue {
	return &Queue{
		Size:      size,
		DescTable: make([]Desc, size),
		availRing: make([]uint16, size),
		usedRing:  make([]usedElem, size),
	}
}

// floorPow2 rounds n down to the nearest power of two; 0 stays 0.
func floorPow2(n uint16) uint16 {
	if n == 0 {
		return 0
	}

	p := uint16(1)
	for p*2 <= n {
		p *= 2
	}

	return p
}

// PushAvail publishes descID as the next available head and bumps
// avail.idx, per spec §4.5 submission order (fill descriptors, write
// avail.ring, release fence, bump idx). The caller is the sole
// producer for this queue so no locking is needed here; the driver's
// own spin mutex (spec §5) serializes callers.
func (q *Queue) PushAvail(descID uint16) {
	q.availRing[q.availIdx%q.Size] = descID
	q.availIdx++
}

// HasAvailWork reports whether the driver has published descriptors
// this transport has not yet consumed (used by device-side Rx/Tx-like
// logic that acts as the "device" half of the queue).
func (q *Queue) HasAvailWork(lastSeen uint16) bool { return lastSeen != q.availIdx }

// AvailAt returns the descriptor id at avail position idx (mod size).
func (q *Queue) AvailAt(idx uint16) uint16 { return q.availRing[idx%q.Size] }

// AvailIdx returns the current avail.idx.
func (q *Queue) AvailIdx() uint16 { return q.availIdx }

// PushUsed appends a completion for descID with the given length,
// used by device-side code completing driver-submitted work (snd/net
// rx path) or symmetrically consumed by driver-side completion polls.
func (q *Queue) PushUsed(descID uint16, length uint32) {
	q.usedRing[q.usedIdx%q.Size] = usedElem{ID: uint32(descID), Len: length}
	q.usedIdx++
}

// UsedIdx returns the current used.idx.
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// PollCompletions calls fn for every used-ring entry produced since
// the last call, advancing lastUsed (spec §4.5 completion: poll
// used.idx, translate ring[last_used_idx % size].id back to the chain
// head). Returns the number of entries consumed.
func (q *Queue) PollCompletions(fn func(descID uint16, length uint32)) int {
	n := 0

	for q.lastUsed != q.usedIdx {
		e := q.usedRing[q.lastUsed%q.Size]
		fn(uint16(e.ID), e.Len)
		q.lastUsed++
		n++
	}

	return n
}

// CommonHeader mirrors the legacy virtio-pci common configuration
// registers: feature bits, per-queue NUM/PFN/SEL, a shared notify
// register and the ISR status byte (spec §4.5, legacy personality).
type CommonHeader struct {
	HostFeatures  uint32
	GuestFeatures uint32
	QueuePFN      uint32
	QueueNUM      uint16
	QueueSEL      uint16
	QueueNotify   uint16
	Status        uint8
	ISR           uint8
}

// Translator resolves a descriptor's guest-physical address and
// length into a live byte slice view of kernel memory (backed by C5's
// page tables in the real driver wiring). A failure here is
// ErrAddressTranslationFailed.
type Translator func(addr uint64, length uint32) ([]byte, error)

// Transport drives the legacy per-queue setup/submission/completion
// protocol shared by every virtio-pci device in this kernel (spec
// §4.5). A concrete device (blk/net/snd) embeds one Transport per
// instance and layers its own request semantics and I/O-port offsets
// on top.
type Transport struct {
	Hdr       CommonHeader
	queues    []*Queue
	maxSize   uint16
	translate Translator
	failed    bool
}

// NewTransport allocates a transport for numQueues virtqueues, each
// capped at maxSize (clamped to MaxQueueSize).
func NewTransport(numQueues int, maxSize uint16, translate Translator) *Transport {
	if maxSize == 0 || maxSize > MaxQueueSize {
		maxSize = MaxQueueSize
	}

	return &Transport{
		queues:    make([]*Queue, numQueues),
		maxSize:   maxSize,
		translate: translate,
	}
}

// Select implements the queue_sel register write.
func (t *Transport) Select(idx uint16) { t.Hdr.QueueSEL = idx }

// MaxQueueSizeFor reports the advertised maximum for the selected
// queue (spec §4.5 step 1: "read its maximum size").
func (t *Transport) MaxQueueSizeFor(uint16) uint16 { return t.maxSize }

// SetQueueSize processes a queue_size write: rejects zero or
// over-cap sizes, otherwise rounds down to a power of two and
// allocates the queue (spec §4.5 step 1-2).
func (t *Transport) SetQueueSize(requested uint16) error {
	if requested == 0 {
		return ErrQueueTooSmall
	}

	if requested > t.maxSize {
		return ErrQueueTooLarge
	}

	size := floorPow2(requested)
	if size == 0 {
		return ErrQueueTooSmall
	}

	t.queues[t.Hdr.QueueSEL] = newQueue(size)
	t.Hdr.QueueNUM = size

	return nil
}

// SetQueuePFN records the queue's backing physical frame number for
// the currently-selected queue. Legacy devices program exactly one
// PFN per queue, aligned to 4096 bytes; the queue itself was already
// sized by SetQueueSize, so this is bookkeeping only in this
// simulator (there is no second, guest-owned address space to
// overlay the rings onto).
func (t *Transport) SetQueuePFN(pfn uint32) { t.Hdr.QueuePFN = pfn }

// Queue returns the currently-selected queue, or nil if it has not
// been sized yet (ErrQueueUnavailable at the call site).
func (t *Transport) Queue() *Queue {
	if int(t.Hdr.QueueSEL) >= len(t.queues) {
		return nil
	}

	return t.queues[t.Hdr.QueueSEL]
}

// QueueAt returns queue idx directly, bypassing QueueSEL.
func (t *Transport) QueueAt(idx int) *Queue {
	if idx < 0 || idx >= len(t.queues) {
		return nil
	}

	return t.queues[idx]
}

// Translate resolves a descriptor's address/length via the
// configured Translator.
func (t *Transport) Translate(addr uint64, length uint32) ([]byte, error) {
	if t.translate == nil {
		return nil, ErrAddressTranslationFailed
	}

	b, err := t.translate(addr, length)
	if err != nil {
		return nil, ErrAddressTranslationFailed
	}

	return b, nil
}

// MarkFailed sets the FAILED status bit (spec §4.5 failure policy:
// any setup step failing before DRIVER_OK leaves the device
// unusable).
func (t *Transport) MarkFailed() {
	t.failed = true
	t.Hdr.Status |= StatusFailed
}

// Ready reports whether the device is usable (not FAILED).
func (t *Transport) Ready() bool { return !t.failed }
