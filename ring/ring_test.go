package ring_test

import (
	"sync"
	"testing"

	"github.com/arrost/kernel/ring"
)

func TestPushPopOrder(t *testing.T) {
	t.Parallel()

	q := ring.New[int](4)

	for _, v := range []int{1, 2, 3} {
		if !q.Push(v) {
			t.Fatalf("push %d failed", v)
		}
	}

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d ok=%v", want, got, ok)
		}
	}
}

func TestFullPushDrops(t *testing.T) {
	t.Parallel()

	q := ring.New[int](3) // 2 usable slots

	if !q.Push(1) || !q.Push(2) {
		t.Fatal("expected first two pushes to succeed")
	}

	if q.Push(3) {
		t.Fatal("expected third push to be dropped")
	}

	if q.Dropped() != 1 {
		t.Fatalf("expected dropped=1, got %d", q.Dropped())
	}
}

func TestConcurrentProducerConsumerDeliversOrDropsExactlyN(t *testing.T) {
	t.Parallel()

	const n = 10000

	q := ring.New[int](16)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	delivered := 0

	for delivered+int(q.Dropped()) < n {
		if _, ok := q.Pop(); ok {
			delivered++
		}
	}

	wg.Wait()

	for {
		if _, ok := q.Pop(); !ok {
			break
		}

		delivered++
	}

	if uint64(delivered)+q.Dropped() != n {
		t.Fatalf("delivered(%d)+dropped(%d) != %d", delivered, q.Dropped(), n)
	}
}
