// Package abi implements the syscall façade (spec §4.10, §6, C19): the
// numbered dispatch table every in-kernel task calls through to reach
// write/read/exit/yield/sleep/socket/sendto/recvfrom, plus the fixed
// wire structs spec §6 defines for the networking calls.
//
// Named abi, not syscall, to avoid shadowing the standard library
// package of that name while keeping the same "small numbered ABI"
// shape gokvm's own kvm package uses for its ioctl command table.
package abi

import (
	"encoding/binary"

	"github.com/arrost/kernel/netstack"
	"github.com/arrost/kernel/sched"
)

// Revision is the single ABI revision constant spec §6 calls for.
const Revision uint16 = 1

// Syscall numbers (spec §3's closed set).
const (
	Write    = 1
	Read     = 2
	Exit     = 3
	Yield    = 4
	Sleep    = 5
	Socket   = 6
	Sendto   = 7
	Recvfrom = 8
)

// Negative error codes returned in place of a non-negative isize
// result (spec §4.10, §7: "the syscall layer maps each network error
// to a stable negative integer code").
const (
	ErrBadSyscall  int64 = -1
	ErrBadFD       int64 = -2
	ErrWouldBlock  int64 = -3
	ErrNetNotReady int64 = -4
	ErrNetTimeout  int64 = -5
	ErrNetNoRoute  int64 = -6
	ErrTooLarge    int64 = -7
	ErrBadAddress  int64 = -8
)

// inetDgramFD is the one descriptor Socket(AF_INET, SOCK_DGRAM) ever
// hands back; there is no descriptor table, only this sentinel (spec
// §4.10: "SOCKET returns a fixed descriptor").
const inetDgramFD = 3

const (
	afInet    = 2
	sockDgram = 2
)

// UdpSendReq/UdpRecvReq mirror spec §6's fixed C structs; PayloadPtr
// indexes into Mem rather than a real pointer, matching how
// virtio/blk.Device and virtio/net.Device already treat their
// driver-supplied mem slice as the stand-in guest address space.
type UdpSendReq struct {
	DstIP      [4]byte
	DstPort    uint16
	SrcPort    uint16
	PayloadPtr uint64
	PayloadLen uint64
}

type UdpRecvReq struct {
	SrcIP      [4]byte
	SrcPort    uint16
	DstPort    uint16
	PayloadPtr uint64
	PayloadCap uint64
}

// Stream is the process-wide serial-like byte stream WRITE/READ
// operate on (spec §4.10).
type Stream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// Dispatcher owns everything a syscall needs to reach: the shared
// byte stream, the shared simulated address space buffers are read
// from/written to, and the network stack SOCKET/SENDTO/RECVFROM
// forward to.
type Dispatcher struct {
	Stream Stream
	Net    *netstack.Stack
	Mem    []byte // simulated shared address space UdpSendReq/UdpRecvReq pointers index into
	Poll   func() // advances device completions; passed through to blocking netstack calls
}

// Dispatch implements the numbered entry point (spec §3 "Syscall"):
// (number, arg0, arg1, arg2) -> isize, plus the scheduler state the
// calling task should move to.
//
// Pointer arguments (WRITE/READ's buffer, SENDTO/RECVFROM's request)
// are offsets into d.Mem; the rest are plain scalars (WRITE/READ's
// length, EXIT's code, SLEEP's tick count, SOCKET's domain and type).
func (d *Dispatcher) Dispatch(task *sched.Task, now uint64, number uint16, arg0, arg1, arg2 uint64) (ret int64, next sched.State) {
	switch number {
	case Write:
		return d.write(arg0, arg1), sched.StateReady

	case Read:
		return d.read(arg0, arg1), sched.StateReady

	case Exit:
		task.ExitCode = int(int64(arg0))

		return int64(arg0), sched.StateExited

	case Yield:
		return 0, sched.StateReady

	case Sleep:
		task.UntilTick = now + arg0

		return 0, sched.StateSleeping

	case Socket:
		return d.socket(arg0, arg1), sched.StateReady

	case Sendto:
		return d.sendto(arg0), sched.StateReady

	case Recvfrom:
		return d.recvfrom(arg0), sched.StateReady

	default:
		return ErrBadSyscall, sched.StateReady
	}
}

func (d *Dispatcher) buf(ptr, length uint64) ([]byte, bool) {
	end := ptr + length
	if length == 0 || end < ptr || end > uint64(len(d.Mem)) {
		return nil, false
	}

	return d.Mem[ptr:end], true
}

func (d *Dispatcher) write(ptr, length uint64) int64 {
	b, ok := d.buf(ptr, length)
	if !ok {
		return ErrBadAddress
	}

	n, err := d.Stream.Write(b)
	if err != nil {
		return ErrBadFD
	}

	return int64(n)
}

func (d *Dispatcher) read(ptr, length uint64) int64 {
	b, ok := d.buf(ptr, length)
	if !ok {
		return ErrBadAddress
	}

	n, err := d.Stream.Read(b)
	if err != nil {
		return ErrBadFD
	}

	return int64(n)
}

func (d *Dispatcher) socket(domain, typ uint64) int64 {
	if domain != afInet || typ != sockDgram {
		return ErrBadFD
	}

	return inetDgramFD
}

func (d *Dispatcher) sendto(reqPtr uint64) int64 {
	raw, ok := d.buf(reqPtr, 4+2+2+8+8)
	if !ok {
		return ErrBadAddress
	}

	req := decodeUdpSendReq(raw)

	payload, ok := d.buf(req.PayloadPtr, req.PayloadLen)
	if !ok {
		return ErrBadAddress
	}

	if d.Net == nil {
		return ErrNetNotReady
	}

	dst := netstack.IPv4{req.DstIP[0], req.DstIP[1], req.DstIP[2], req.DstIP[3]}

	if err := d.Net.UdpSend(dst, req.DstPort, req.SrcPort, payload, d.Poll); err != nil {
		return netErrCode(err)
	}

	return int64(len(payload))
}

func (d *Dispatcher) recvfrom(reqPtr uint64) int64 {
	raw, ok := d.buf(reqPtr, 4+2+2+8+8)
	if !ok {
		return ErrBadAddress
	}

	req := decodeUdpRecvReq(raw)

	if d.Net == nil {
		return ErrNetNotReady
	}

	srcIP, srcPort, dstPort, data, got := d.Net.UdpRecv()
	if !got {
		return ErrWouldBlock
	}

	if uint64(len(data)) > req.PayloadCap {
		return ErrTooLarge
	}

	out, ok := d.buf(req.PayloadPtr, uint64(len(data)))
	if !ok {
		return ErrBadAddress
	}

	copy(out, data)

	copy(raw[0:4], srcIP[:])
	binary.LittleEndian.PutUint16(raw[4:6], srcPort)
	binary.LittleEndian.PutUint16(raw[6:8], dstPort)

	return int64(len(data))
}

func decodeUdpSendReq(b []byte) UdpSendReq {
	var r UdpSendReq

	copy(r.DstIP[:], b[0:4])
	r.DstPort = binary.LittleEndian.Uint16(b[4:6])
	r.SrcPort = binary.LittleEndian.Uint16(b[6:8])
	r.PayloadPtr = binary.LittleEndian.Uint64(b[8:16])
	r.PayloadLen = binary.LittleEndian.Uint64(b[16:24])

	return r
}

func decodeUdpRecvReq(b []byte) UdpRecvReq {
	var r UdpRecvReq

	copy(r.SrcIP[:], b[0:4])
	r.SrcPort = binary.LittleEndian.Uint16(b[4:6])
	r.DstPort = binary.LittleEndian.Uint16(b[6:8])
	r.PayloadPtr = binary.LittleEndian.Uint64(b[8:16])
	r.PayloadCap = binary.LittleEndian.Uint64(b[16:24])

	return r
}

func netErrCode(err error) int64 {
	switch err {
	case netstack.ErrArpTimeout, netstack.ErrIoTimeout:
		return ErrNetTimeout
	case netstack.ErrNotReady:
		return ErrNetNotReady
	case netstack.ErrFrameTooLarge, netstack.ErrUdpPayloadTooLarge:
		return ErrTooLarge
	default:
		return ErrNetNoRoute
	}
}
