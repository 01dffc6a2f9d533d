package netstack

import "encoding/binary"

// dhcpPhase tracks which BOOTP exchange the client is waiting on.
type dhcpPhase int

const (
	dhcpIdle dhcpPhase = iota
	dhcpDiscoverSent
	dhcpRequestSent
	dhcpBound
)

const (
	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpMsgDiscover = 1
	dhcpMsgOffer    = 2
	dhcpMsgRequest  = 3
	dhcpMsgAck      = 5

	dhcpBudgetPerPhase = 400

	bootpLen = 236
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

type dhcpState struct {
	phase    dhcpPhase
	xid      uint32
	offerYi  IPv4
	offerMask IPv4
	offerGw  IPv4
	offerDNS IPv4
	serverID IPv4
	bound    bool
}

func (s *Stack) dhcpXID() uint32 {
	tick := uint32(s.ticks())
	macTail := uint32(s.cfg.MAC[5]) | uint32(s.cfg.MAC[4])<<8

	return tick ^ macTail ^ 0x5a5a5a5a
}

// buildDHCP renders a minimal BOOTP/DHCP packet of the given message
// type (spec §6: magic-cookie 99,130,83,99, options inline, terminated
// by 0xFF).
func (s *Stack) buildDHCP(msgType byte, xid uint32, serverID IPv4, requestedIP IPv4) []byte {
	b := make([]byte, bootpLen)
	b[0] = byte(dhcpOpRequest)
	b[1] = 1 // htype ethernet
	b[2] = 6 // hlen
	binary.BigEndian.PutUint32(b[4:8], xid)
	copy(b[28:34], s.cfg.MAC[:])
	copy(b[236-4:236], dhcpMagicCookie[:])

	opts := []byte{53, 1, msgType}
	opts = append(opts, 55, 4, 1, 3, 6, 15) // parameter request list: mask, router, dns, domain

	if msgType == dhcpMsgRequest {
		opts = append(opts, 50, 4, requestedIP[0], requestedIP[1], requestedIP[2], requestedIP[3])
		opts = append(opts, 54, 4, serverID[0], serverID[1], serverID[2], serverID[3])
	}

	opts = append(opts, 0xFF)

	return append(b, opts...)
}

// StartDHCP kicks off the discover/offer/request/ack exchange (spec
// §4.8 DHCP). Each phase waits up to 400 ticks; on failure it reverts
// to the static lease already active.
func (s *Stack) StartDHCP(poll func()) error {
	s.dhcp = dhcpState{phase: dhcpDiscoverSent, xid: s.dhcpXID()}
	s.Counters.DHCPAttempts++

	pkt := s.buildDHCP(dhcpMsgDiscover, s.dhcp.xid, IPv4{}, IPv4{})
	if err := s.UdpSend(IPv4{255, 255, 255, 255}, dhcpServerPort, dhcpClientPort, pkt, poll); err != nil {
		return err
	}

	if !s.waitForPhase(dhcpRequestSent, poll) {
		return ErrIoTimeout
	}

	if !s.waitForPhase(dhcpBound, poll) {
		return ErrIoTimeout
	}

	s.cfg.IPv4 = s.dhcp.offerYi
	s.cfg.Netmask = s.dhcp.offerMask
	s.cfg.Gateway = s.dhcp.offerGw
	s.cfg.DNSServer = s.dhcp.offerDNS
	s.src = ConfigDHCP

	return nil
}

func (s *Stack) waitForPhase(target dhcpPhase, poll func()) bool {
	start := s.ticks()

	for s.ticks()-start < dhcpBudgetPerPhase {
		if poll != nil {
			poll()
		}

		if s.dhcp.phase == target || (target == dhcpBound && s.dhcp.bound) {
			return true
		}
	}

	return false
}

// handleDHCP processes a server->client datagram against the current
// phase (spec §4.8).
func (s *Stack) handleDHCP(payload []byte) {
	if len(payload) < bootpLen+3 {
		return
	}

	xid := binary.BigEndian.Uint32(payload[4:8])
	if xid != s.dhcp.xid {
		return
	}

	var yiaddr IPv4

	copy(yiaddr[:], payload[16:20])

	// buildDHCP writes the magic cookie into the last 4 bytes of the
	// bootpLen-sized fixed header, so options start right at bootpLen,
	// not after a separately-appended cookie.
	opts := payload[bootpLen:]

	msgType, mask, gw, dns, serverID := parseDHCPOptions(opts)

	switch s.dhcp.phase {
	case dhcpDiscoverSent:
		if msgType == dhcpMsgOffer {
			s.dhcp.offerYi = yiaddr
			s.dhcp.offerMask = mask
			s.dhcp.offerGw = gw
			s.dhcp.offerDNS = dns
			s.dhcp.serverID = serverID
			s.dhcp.phase = dhcpRequestSent

			pkt := s.buildDHCP(dhcpMsgRequest, s.dhcp.xid, serverID, yiaddr)
			_ = s.UdpSend(IPv4{255, 255, 255, 255}, dhcpServerPort, dhcpClientPort, pkt, nil)
		}
	case dhcpRequestSent:
		if msgType == dhcpMsgAck {
			s.dhcp.bound = true
			s.dhcp.phase = dhcpBound
		}
	}
}

func parseDHCPOptions(opts []byte) (msgType byte, mask, gw, dns, serverID IPv4) {
	i := 0
	for i < len(opts) {
		code := opts[i]
		if code == 0xFF {
			break
		}

		if code == 0 {
			i++

			continue
		}

		if i+1 >= len(opts) {
			break
		}

		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}

		val := opts[i+2 : i+2+length]

		switch code {
		case 53:
			if length >= 1 {
				msgType = val[0]
			}
		case 1:
			if length >= 4 {
				copy(mask[:], val)
			}
		case 3:
			if length >= 4 {
				copy(gw[:], val)
			}
		case 6:
			if length >= 4 {
				copy(dns[:], val)
			}
		case 54:
			if length >= 4 {
				copy(serverID[:], val)
			}
		}

		i += 2 + length
	}

	return msgType, mask, gw, dns, serverID
}
