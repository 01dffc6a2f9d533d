package net_test

import (
	"testing"

	virtionet "github.com/arrost/kernel/virtio/net"
)

// loopFrames is a trivial Frames backing for tests: Write appends to
// an outbox, Read drains a preloaded inbox.
type loopFrames struct {
	inbox  [][]byte
	outbox [][]byte
}

func (f *loopFrames) Read(p []byte) (int, error) {
	if len(f.inbox) == 0 {
		return 0, errEOF
	}

	n := copy(p, f.inbox[0])
	f.inbox = f.inbox[1:]

	return n, nil
}

func (f *loopFrames) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.outbox = append(f.outbox, cp)

	return len(p), nil
}

type noopIRQ struct{ n int }

func (i *noopIRQ) InjectIRQ(uint32, uint32) { i.n++ }

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errEOF = staticErr("no more frames")

func setup(t *testing.T, frames *loopFrames, irq *noopIRQ) *virtionet.Device {
	t.Helper()

	mem := make([]byte, 64*1024)
	d := virtionet.New(frames, irq, mem)

	_ = d.IOOutHandler(virtionet.IOPortStart+14, []byte{0x00, 0x00})
	_ = d.IOOutHandler(virtionet.IOPortStart+12, []byte{0x20, 0x00})
	_ = d.IOOutHandler(virtionet.IOPortStart+14, []byte{0x01, 0x00})
	_ = d.IOOutHandler(virtionet.IOPortStart+12, []byte{0x20, 0x00})

	return d
}

func TestDeviceHeaderFields(t *testing.T) {
	t.Parallel()

	d := setup(t, &loopFrames{}, &noopIRQ{})
	hdr := d.GetDeviceHeader()

	if hdr.DeviceID != 0x1000 || hdr.VendorID != 0x1AF4 {
		t.Fatalf("unexpected device/vendor id: %+v", hdr)
	}
}

func TestRxNoBufferError(t *testing.T) {
	t.Parallel()

	frames := &loopFrames{inbox: [][]byte{[]byte("hello")}}
	d := setup(t, frames, &noopIRQ{})

	if err := d.Rx(); err == nil {
		t.Fatal("expected an error with no rx descriptor posted")
	}
}

func TestTxWithNoDescriptorsIsANoop(t *testing.T) {
	t.Parallel()

	irq := &noopIRQ{}
	frames := &loopFrames{}
	d := setup(t, frames, irq)

	if err := d.Tx(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(frames.outbox) != 0 || irq.n != 0 {
		t.Fatalf("expected no frames sent and no irq, got outbox=%d irq=%d", len(frames.outbox), irq.n)
	}
}

func TestRecvFrameDeliversPostedBuffer(t *testing.T) {
	t.Parallel()

	frames := &loopFrames{inbox: [][]byte{[]byte("hello")}}
	d := setup(t, frames, &noopIRQ{})

	if err := d.PostRxBuffer(); err != nil {
		t.Fatalf("PostRxBuffer: %v", err)
	}

	if err := d.Rx(); err != nil {
		t.Fatalf("Rx: %v", err)
	}

	frame, ok, err := d.RecvFrame()
	if err != nil || !ok {
		t.Fatalf("RecvFrame: ok=%v err=%v", ok, err)
	}

	if string(frame) != "hello" {
		t.Fatalf("got %q, want %q", frame, "hello")
	}
}

func TestSendFrameWritesToBacking(t *testing.T) {
	t.Parallel()

	irq := &noopIRQ{}
	frames := &loopFrames{}
	d := setup(t, frames, irq)

	if err := d.SendFrame([]byte("ping")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	if len(frames.outbox) != 1 || string(frames.outbox[0]) != "ping" {
		t.Fatalf("unexpected outbox: %v", frames.outbox)
	}

	if irq.n == 0 {
		t.Fatal("expected an irq injection on tx completion")
	}
}
