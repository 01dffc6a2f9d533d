package netstack

import "encoding/binary"

const (
	icmpEchoRequest = 8
	icmpEchoReply   = 0

	icmpHeaderLen  = 8
	icmpPayloadLen = 14

	pingBudget = 300
)

// pendingPing tracks the single outstanding ping (spec §4.8).
type pendingPing struct {
	active     bool
	identifier uint16
	sequence   uint16
	target     IPv4
	sentTick   uint64
	replyTick  uint64
	nextSeq    uint16
}

// handleIPv4 validates and demuxes an IPv4 packet (spec §4.8): learn
// the sender, drop packets not addressed to us or broadcast, dispatch
// by protocol.
func (s *Stack) handleIPv4(p []byte) {
	if len(p) < IPv4HeaderLen {
		s.Counters.DroppedFrames++

		return
	}

	version := p[0] >> 4
	ihl := int(p[0]&0x0f) * 4

	if version != 4 || ihl < IPv4HeaderLen || len(p) < ihl {
		s.Counters.DroppedFrames++

		return
	}

	totalLen := int(binary.BigEndian.Uint16(p[2:4]))
	if totalLen > len(p) {
		s.Counters.DroppedFrames++

		return
	}

	if checksum16(p[:ihl]) != 0 {
		s.Counters.DroppedFrames++

		return
	}

	var srcIP, dstIP IPv4

	copy(srcIP[:], p[12:16])
	copy(dstIP[:], p[16:20])

	s.arp.learn(srcIP, s.lastSenderMAC)

	broadcast := dstIP == IPv4{255, 255, 255, 255}
	if dstIP != s.cfg.IPv4 && !broadcast {
		return
	}

	proto := p[9]
	payload := p[ihl:totalLen]

	switch proto {
	case ProtoICMP:
		s.handleICMP(srcIP, payload)
	case ProtoUDP:
		s.handleUDP(srcIP, payload)
	case ProtoTCP:
		s.handleTCP(srcIP, payload)
	}
}

// buildIPv4 wraps payload in an IPv4 header addressed to dstIP with
// the given protocol, checksum computed over the header.
func (s *Stack) buildIPv4(proto byte, dstIP IPv4, payload []byte) []byte {
	totalLen := IPv4HeaderLen + len(payload)
	b := make([]byte, totalLen)

	b[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(b[2:4], uint16(totalLen))
	b[8] = 64 // TTL
	b[9] = proto
	copy(b[12:16], s.cfg.IPv4[:])
	copy(b[16:20], dstIP[:])

	sum := checksum16(b[:IPv4HeaderLen])
	binary.BigEndian.PutUint16(b[10:12], sum)

	copy(b[IPv4HeaderLen:], payload)

	return b
}

func (s *Stack) sendIPv4(dstIP IPv4, proto byte, payload []byte, poll func()) error {
	mac, err := s.Resolve(s.nextHop(dstIP), poll)
	if err != nil {
		return err
	}

	return s.sendEthernet(mac, EtherTypeIPv4, s.buildIPv4(proto, dstIP, payload))
}

func (s *Stack) handleICMP(src IPv4, p []byte) {
	if len(p) < icmpHeaderLen {
		return
	}

	icmpType := p[0]

	switch icmpType {
	case icmpEchoRequest:
		reply := make([]byte, len(p))
		copy(reply, p)
		reply[0] = icmpEchoReply
		reply[1] = 0
		reply[2], reply[3] = 0, 0
		sum := checksum16(reply)
		binary.BigEndian.PutUint16(reply[2:4], sum)

		_ = s.sendIPv4(src, ProtoICMP, reply, nil)
	case icmpEchoReply:
		if !s.pendingPing.active {
			return
		}

		id := binary.BigEndian.Uint16(p[4:6])
		seq := binary.BigEndian.Uint16(p[6:8])

		if id == s.pendingPing.identifier && seq == s.pendingPing.sequence && src == s.pendingPing.target {
			s.pendingPing.replyTick = s.ticks()
			s.pendingPing.active = false
		}
	}
}

// Ping implements spec §4.8 ping(target): build an echo request,
// resolve the next hop, send, then block-poll up to 300 ticks.
func (s *Stack) Ping(target IPv4, poll func()) (uint64, error) {
	s.pendingPing.nextSeq++

	id := uint16(0xbeef)
	seq := s.pendingPing.nextSeq

	payload := make([]byte, icmpHeaderLen+icmpPayloadLen)
	payload[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(payload[4:6], id)
	binary.BigEndian.PutUint16(payload[6:8], seq)

	sum := checksum16(payload)
	binary.BigEndian.PutUint16(payload[2:4], sum)

	start := s.ticks()

	s.pendingPing = pendingPing{active: true, identifier: id, sequence: seq, target: target, sentTick: start, nextSeq: seq}

	if err := s.sendIPv4(target, ProtoICMP, payload, poll); err != nil {
		s.pendingPing.active = false

		return 0, err
	}

	for s.ticks()-start < pingBudget {
		if poll != nil {
			poll()
		}

		if !s.pendingPing.active {
			return s.pendingPing.replyTick - start, nil
		}
	}

	s.pendingPing.active = false

	return 0, ErrIoTimeout
}
