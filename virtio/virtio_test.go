package virtio_test

import (
	"testing"

	"github.com/arrost/kernel/virtio"
)

func TestSetQueueSizeRoundsDownToPowerOfTwo(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 32, nil)

	if err := tr.SetQueueSize(20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := tr.Queue().Size; got != 16 {
		t.Fatalf("expected size 16, got %d", got)
	}
}

func TestSetQueueSizeRejectsZero(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 32, nil)

	if err := tr.SetQueueSize(0); err != virtio.ErrQueueTooSmall {
		t.Fatalf("expected ErrQueueTooSmall, got %v", err)
	}
}

func TestSetQueueSizeRejectsOverCap(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 8, nil)

	if err := tr.SetQueueSize(9); err != virtio.ErrQueueTooLarge {
		t.Fatalf("expected ErrQueueTooLarge, got %v", err)
	}
}

func TestSubmitAndPollCompletion(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 8, nil)
	if err := tr.SetQueueSize(4); err != nil {
		t.Fatal(err)
	}

	q := tr.Queue()
	q.DescTable[0] = virtio.Desc{Addr: 0x1000, Len: 512}
	q.PushAvail(0)

	// Simulate the device side completing descriptor 0.
	q.PushUsed(0, 512)

	var gotID uint16

	var gotLen uint32

	n := q.PollCompletions(func(descID uint16, length uint32) {
		gotID = descID
		gotLen = length
	})

	if n != 1 || gotID != 0 || gotLen != 512 {
		t.Fatalf("unexpected completion n=%d id=%d len=%d", n, gotID, gotLen)
	}

	// A second poll with nothing new consumes zero entries.
	if n := q.PollCompletions(func(uint16, uint32) {}); n != 0 {
		t.Fatalf("expected no new completions, got %d", n)
	}
}

func TestTranslateFailsWithoutTranslator(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 8, nil)

	if _, err := tr.Translate(0x1000, 16); err != virtio.ErrAddressTranslationFailed {
		t.Fatalf("expected ErrAddressTranslationFailed, got %v", err)
	}
}

func TestTranslateDelegates(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	tr := virtio.NewTransport(1, 8, func(addr uint64, length uint32) ([]byte, error) {
		return mem[addr : addr+uint64(length)], nil
	})

	b, err := tr.Translate(16, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(b) != 32 {
		t.Fatalf("expected 32-byte slice, got %d", len(b))
	}
}

func TestMarkFailedSetsStatusAndReady(t *testing.T) {
	t.Parallel()

	tr := virtio.NewTransport(1, 8, nil)
	if !tr.Ready() {
		t.Fatal("expected fresh transport to be ready")
	}

	tr.MarkFailed()

	if tr.Ready() {
		t.Fatal("expected transport to report not-ready after MarkFailed")
	}

	if tr.Hdr.Status&virtio.StatusFailed == 0 {
		t.Fatal("expected FAILED status bit set")
	}
}
