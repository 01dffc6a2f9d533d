// Package netstack implements the one-address, one-connection IPv4
// stack (spec §4.8, C14): ARP, ICMP echo, a UDP mailbox, a one-shot
// TCP client, a DHCP client and an A-record DNS resolver, all driven
// by the same tick counter the scheduler advances (spec §5's explicit
// tick-budget cancellation model).
package netstack

import (
	"encoding/binary"
	"errors"
)

// Errors drawn from the Network taxonomy (spec §7).
var (
	ErrNotReady                 = errors.New("netstack: link not ready")
	ErrNotFound                 = errors.New("netstack: not found")
	ErrQueueUnavailable         = errors.New("netstack: queue unavailable")
	ErrQueueTooLarge            = errors.New("netstack: queue too large")
	ErrAddressTranslationFailed = errors.New("netstack: address translation failed")
	ErrFrameTooLarge            = errors.New("netstack: frame exceeds MTU")
	ErrIoTimeout                = errors.New("netstack: operation exceeded its tick budget")
	ErrArpTimeout               = errors.New("netstack: ARP resolution exceeded its tick budget")
	ErrUdpPayloadTooLarge       = errors.New("netstack: UDP payload exceeds mailbox capacity")
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPv4 is a 4-byte IPv4 address.
type IPv4 [4]byte

func (a IPv4) And(mask IPv4) IPv4 {
	return IPv4{a[0] & mask[0], a[1] & mask[1], a[2] & mask[2], a[3] & mask[3]}
}

func (a IPv4) Equal(b IPv4) bool { return a == b }

func (a IPv4) IsZero() bool { return a == IPv4{} }

// Ethertypes demultiplexed by RxFrame.
const (
	EtherTypeARP  = 0x0806
	EtherTypeIPv4 = 0x0800
)

// IP protocol numbers.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	EthHeaderLen  = 14
	IPv4HeaderLen = 20
	MTU           = 1500
)

// Link is the Ethernet frame transport the stack sends finished
// frames through (a virtio-net device in production, a recorder in
// tests).
type Link interface {
	SendFrame(frame []byte) error
}

// Clock exposes the tick counter every blocking operation budgets
// against (spec §5).
type Clock interface {
	Ticks() uint64
}

// Config is the compiled-in static lease used when DHCP fails (spec
// §6 configuration knobs) and the address this stack answers to.
type Config struct {
	MAC       MAC
	IPv4      IPv4
	Netmask   IPv4
	Gateway   IPv4
	DNSServer IPv4
}

// ConfigSource records whether the active configuration came from the
// static fallback or a successful DHCP lease.
type ConfigSource int

const (
	ConfigStatic ConfigSource = iota
	ConfigDHCP
)

// Counters are the observable-but-not-semantic counts spec §7 calls
// out: dropped frames, ARP evictions, route branch counts, DHCP/DNS
// attempts.
type Counters struct {
	DroppedFrames uint64
	ArpEvictions  uint64
	RouteDirect   uint64
	RouteGateway  uint64
	DHCPAttempts  uint64
	DNSAttempts   uint64
}

// Stack is the whole IPv4 core: one address, one link, every
// sub-protocol's state bundled together the way the spec's single
// process owns them all directly (no per-connection heap allocation).
type Stack struct {
	cfg       Config
	src       ConfigSource
	link      Link
	clock     Clock
	arp       arpCache
	pendingPing pendingPing
	udpMailbox udpMailbox
	udpPreview udpPreview
	tcp       tcpConn
	dhcp      dhcpState
	dns       dnsQuery
	Counters  Counters

	lastSenderMAC MAC
}

// New builds a stack bound to link/clock with the given static
// fallback configuration already active.
func New(link Link, clock Clock, cfg Config) *Stack {
	s := &Stack{cfg: cfg, src: ConfigStatic, link: link, clock: clock}
	s.arp.init()

	return s
}

// LocalIPv4 returns the stack's currently-active address.
func (s *Stack) LocalIPv4() IPv4 { return s.cfg.IPv4 }

// LocalMAC returns the stack's hardware address.
func (s *Stack) LocalMAC() MAC { return s.cfg.MAC }

// ConfigSource reports whether the active address came from DHCP.
func (s *Stack) ConfigSource() ConfigSource { return s.src }

func (s *Stack) ticks() uint64 {
	if s.clock == nil {
		return 0
	}

	return s.clock.Ticks()
}

// nextHop implements spec §4.8's routing decision: direct if the
// destination is ours, is on-link, or no gateway is configured;
// otherwise via the gateway. Counters track both branches.
func (s *Stack) nextHop(dst IPv4) IPv4 {
	onLink := dst.And(s.cfg.Netmask) == s.cfg.IPv4.And(s.cfg.Netmask)

	if dst == s.cfg.IPv4 || onLink || s.cfg.Gateway.IsZero() {
		s.Counters.RouteDirect++

		return dst
	}

	s.Counters.RouteGateway++

	return s.cfg.Gateway
}

// RxFrame demuxes one incoming Ethernet frame (spec §4.8 frame
// demux): verify destination MAC, dispatch by ethertype.
func (s *Stack) RxFrame(frame []byte) {
	if len(frame) < EthHeaderLen {
		s.Counters.DroppedFrames++

		return
	}

	var dst MAC

	copy(dst[:], frame[0:6])

	if dst != s.cfg.MAC && dst != Broadcast {
		s.Counters.DroppedFrames++

		return
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[EthHeaderLen:]

	copy(s.lastSenderMAC[:], frame[6:12])

	switch etherType {
	case EtherTypeARP:
		s.handleARP(payload)
	case EtherTypeIPv4:
		s.handleIPv4(payload)
	default:
		s.Counters.DroppedFrames++
	}
}

// sendEthernet wraps payload in an Ethernet header addressed to dstMAC
// and hands it to the link.
func (s *Stack) sendEthernet(dstMAC MAC, etherType uint16, payload []byte) error {
	if len(payload)+EthHeaderLen > MTU+EthHeaderLen {
		return ErrFrameTooLarge
	}

	frame := make([]byte, EthHeaderLen+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], s.cfg.MAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[EthHeaderLen:], payload)

	if s.link == nil {
		return ErrNotReady
	}

	return s.link.SendFrame(frame)
}

// checksum16 computes the IP/ICMP/UDP/TCP ones-complement checksum
// over b (spec §6 wire protocols), folding in an optional
// pseudo-header prefix.
func checksum16(parts ...[]byte) uint16 {
	var sum uint32

	for _, b := range parts {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}

		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}

	return ^uint16(sum)
}
