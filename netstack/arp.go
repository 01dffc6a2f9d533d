package netstack

import "encoding/binary"

const arpCacheSize = 8

const (
	arpOpRequest = 1
	arpOpReply   = 2

	arpHeaderLen = 28
)

type arpEntry struct {
	ip    IPv4
	mac   MAC
	valid bool
}

// arpCache is an eight-entry cache evicted LRU-by-slot: when full,
// slot 0 is always the one replaced, whatever its age (spec §4.8).
type arpCache struct {
	entries [arpCacheSize]arpEntry
}

func (c *arpCache) init() {}

func (c *arpCache) lookup(ip IPv4) (MAC, bool) {
	for _, e := range c.entries {
		if e.valid && e.ip == ip {
			return e.mac, true
		}
	}

	return MAC{}, false
}

// learn records or refreshes a sender's IP/MAC pairing (spec §4.8:
// "learn on every valid sender-IP/MAC seen"). Eviction reports whether
// a populated slot 0 was overwritten to learn this pair.
func (c *arpCache) learn(ip IPv4, mac MAC) (evicted bool) {
	for i, e := range c.entries {
		if e.valid && e.ip == ip {
			c.entries[i].mac = mac

			return false
		}
	}

	for i, e := range c.entries {
		if !e.valid {
			c.entries[i] = arpEntry{ip: ip, mac: mac, valid: true}

			return false
		}
	}

	evicted = c.entries[0].valid
	c.entries[0] = arpEntry{ip: ip, mac: mac, valid: true}

	return evicted
}

// handleARP validates an incoming ARP packet, learns the sender, and
// replies to requests addressed to us (spec §4.8).
func (s *Stack) handleARP(p []byte) {
	if len(p) < arpHeaderLen {
		s.Counters.DroppedFrames++

		return
	}

	htype := binary.BigEndian.Uint16(p[0:2])
	ptype := binary.BigEndian.Uint16(p[2:4])
	hlen := p[4]
	plen := p[5]
	opcode := binary.BigEndian.Uint16(p[6:8])

	if htype != 1 || ptype != 0x0800 || hlen != 6 || plen != 4 {
		s.Counters.DroppedFrames++

		return
	}

	var senderMAC MAC

	copy(senderMAC[:], p[8:14])

	var senderIP, targetIP IPv4

	copy(senderIP[:], p[14:18])
	copy(targetIP[:], p[24:28])

	if s.arp.learn(senderIP, senderMAC) {
		s.Counters.ArpEvictions++
	}

	if opcode == arpOpRequest && targetIP == s.cfg.IPv4 {
		s.sendARPReply(senderMAC, senderIP)
	}
}

func (s *Stack) buildARP(opcode uint16, dstMAC MAC, dstIP IPv4) []byte {
	b := make([]byte, arpHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], 1)
	binary.BigEndian.PutUint16(b[2:4], 0x0800)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], opcode)
	copy(b[8:14], s.cfg.MAC[:])
	copy(b[14:18], s.cfg.IPv4[:])
	copy(b[18:24], dstMAC[:])
	copy(b[24:28], dstIP[:])

	return b
}

func (s *Stack) sendARPReply(dstMAC MAC, dstIP IPv4) {
	_ = s.sendEthernet(dstMAC, EtherTypeARP, s.buildARP(arpOpReply, dstMAC, dstIP))
}

func (s *Stack) sendARPRequest(targetIP IPv4) {
	_ = s.sendEthernet(Broadcast, EtherTypeARP, s.buildARP(arpOpRequest, MAC{}, targetIP))
}

// arpResolveBudget is the tick budget for Resolve (spec §5: ARP 200).
const arpResolveBudget = 200

// Resolve implements spec §4.8's resolve(ip): identity for our own
// address, a cache hit, or a broadcast request polled for up to 200
// ticks, calling poll each iteration so other protocol state machines
// keep progressing while we wait.
func (s *Stack) Resolve(ip IPv4, poll func()) (MAC, error) {
	if ip == s.cfg.IPv4 {
		return s.cfg.MAC, nil
	}

	if mac, ok := s.arp.lookup(ip); ok {
		return mac, nil
	}

	s.sendARPRequest(ip)

	start := s.ticks()

	for s.ticks()-start < arpResolveBudget {
		if poll != nil {
			poll()
		}

		if mac, ok := s.arp.lookup(ip); ok {
			return mac, nil
		}
	}

	return MAC{}, ErrArpTimeout
}
