package netstack

import "encoding/binary"

const (
	udpHeaderLen   = 8
	udpMailboxCap  = 512
	echoPort       = 7777
	dhcpServerPort = 67
	dhcpClientPort = 68
)

// udpMailbox is the one-slot mailbox overwritten by every new
// datagram (spec §4.8); udp_recv consumes it.
type udpMailbox struct {
	srcIP    IPv4
	srcPort  uint16
	dstPort  uint16
	data     [udpMailboxCap]byte
	dataLen  int
	valid    bool
}

// udpPreview is the diagnostics-only record of the most recent
// datagram's first 64 bytes.
type udpPreview struct {
	srcIP   IPv4
	srcPort uint16
	dstPort uint16
	first   [64]byte
	firstN  int
	valid   bool
}

func (s *Stack) handleUDP(src IPv4, p []byte) {
	if len(p) < udpHeaderLen {
		return
	}

	srcPort := binary.BigEndian.Uint16(p[0:2])
	dstPort := binary.BigEndian.Uint16(p[2:4])
	length := binary.BigEndian.Uint16(p[4:6])

	if int(length) > len(p) || length < udpHeaderLen {
		return
	}

	payload := p[udpHeaderLen:length]

	s.udpPreview.srcIP = src
	s.udpPreview.srcPort = srcPort
	s.udpPreview.dstPort = dstPort
	n := copy(s.udpPreview.first[:], payload)
	s.udpPreview.firstN = n
	s.udpPreview.valid = true

	if srcPort == dhcpServerPort && dstPort == dhcpClientPort {
		s.handleDHCP(payload)

		return
	}

	if dstPort == echoPort {
		_ = s.UdpSend(src, srcPort, dstPort, payload, nil)

		return
	}

	s.udpMailbox.srcIP = src
	s.udpMailbox.srcPort = srcPort
	s.udpMailbox.dstPort = dstPort
	s.udpMailbox.dataLen = copy(s.udpMailbox.data[:], payload)
	s.udpMailbox.valid = true
}

// UdpRecv drains the one-slot mailbox, if a datagram has arrived.
func (s *Stack) UdpRecv() (srcIP IPv4, srcPort, dstPort uint16, data []byte, ok bool) {
	if !s.udpMailbox.valid {
		return IPv4{}, 0, 0, nil, false
	}

	s.udpMailbox.valid = false
	data = append([]byte(nil), s.udpMailbox.data[:s.udpMailbox.dataLen]...)

	return s.udpMailbox.srcIP, s.udpMailbox.srcPort, s.udpMailbox.dstPort, data, true
}

// UdpSend implements spec §4.8 udp_send: MTU check, resolve next-hop
// MAC, build a UDP header (checksum left zero, acceptable for IPv4),
// emit via ipv4_send.
func (s *Stack) UdpSend(dstIP IPv4, dstPort, srcPort uint16, payload []byte, poll func()) error {
	if len(payload) > udpMailboxCap {
		return ErrUdpPayloadTooLarge
	}

	if udpHeaderLen+len(payload)+IPv4HeaderLen > MTU {
		return ErrFrameTooLarge
	}

	b := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)))
	binary.BigEndian.PutUint16(b[6:8], 0) // checksum left zero
	copy(b[udpHeaderLen:], payload)

	return s.sendIPv4(dstIP, ProtoUDP, b, poll)
}
