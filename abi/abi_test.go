package abi_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/arrost/kernel/abi"
	"github.com/arrost/kernel/sched"
)

type loopStream struct {
	bytes.Buffer
}

func newDispatcher() (*abi.Dispatcher, *loopStream) {
	s := &loopStream{}

	return &abi.Dispatcher{Stream: s, Mem: make([]byte, 4096)}, s
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	d, stream := newDispatcher()
	task := &sched.Task{}

	copy(d.Mem[0:5], "hello")

	ret, next := d.Dispatch(task, 0, abi.Write, 0, 5, 0)
	if ret != 5 || next != sched.StateReady {
		t.Fatalf("write: ret=%d next=%v", ret, next)
	}

	if stream.String() != "hello" {
		t.Fatalf("stream contents: %q", stream.String())
	}

	ret, next = d.Dispatch(task, 0, abi.Read, 100, 5, 0)
	if ret != 5 || next != sched.StateReady {
		t.Fatalf("read: ret=%d next=%v", ret, next)
	}

	if string(d.Mem[100:105]) != "hello" {
		t.Fatalf("read destination: %q", d.Mem[100:105])
	}
}

func TestExitSetsTaskExitCodeAndState(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	task := &sched.Task{}

	ret, next := d.Dispatch(task, 0, abi.Exit, 7, 0, 0)
	if ret != 7 || next != sched.StateExited {
		t.Fatalf("exit: ret=%d next=%v", ret, next)
	}

	if task.ExitCode != 7 {
		t.Fatalf("task.ExitCode = %d, want 7", task.ExitCode)
	}
}

func TestSleepSetsDeadline(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	task := &sched.Task{}

	_, next := d.Dispatch(task, 100, abi.Sleep, 20, 0, 0)
	if next != sched.StateSleeping {
		t.Fatalf("got %v, want Sleeping", next)
	}

	if task.UntilTick != 120 {
		t.Fatalf("UntilTick = %d, want 120", task.UntilTick)
	}
}

func TestSocketReturnsFixedDescriptor(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	task := &sched.Task{}

	ret, _ := d.Dispatch(task, 0, abi.Socket, 2, 2, 0)
	if ret <= 0 {
		t.Fatalf("got %d, want a positive fd", ret)
	}
}

func TestUnknownSyscallReturnsNegative(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	task := &sched.Task{}

	ret, _ := d.Dispatch(task, 0, 99, 0, 0, 0)
	if ret >= 0 {
		t.Fatalf("got %d, want a negative error code", ret)
	}
}

func TestSendtoWithoutNetworkIsRejected(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher()
	task := &sched.Task{}

	reqOff := uint64(0)
	binary.LittleEndian.PutUint64(d.Mem[8:16], 512) // payload ptr
	binary.LittleEndian.PutUint64(d.Mem[16:24], 4)  // payload len
	copy(d.Mem[512:516], "ping")

	ret, _ := d.Dispatch(task, 0, abi.Sendto, reqOff, 0, 0)
	if ret >= 0 {
		t.Fatalf("expected an error code without a configured Net, got %d", ret)
	}
}
