package netstack

import "encoding/binary"

// tcpState is the one-shot client's state machine (spec §4.8):
//
//	IDLE -> SYN_SENT --(SYN|ACK)--> ESTABLISHED
//	                 --(RST)------> CLOSED
//	ESTABLISHED --(data)--> ESTABLISHED (accumulate + ACK)
//	ESTABLISHED --(FIN)---> CLOSING (ACK peer FIN)
//	CLOSING -> CLOSED (finished=true)
type tcpState int

const (
	tcpIdle tcpState = iota
	tcpSynSent
	tcpEstablished
	tcpClosing
	tcpClosed
)

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagACK = 0x10

	tcpHeaderLen = 20

	tcpResponseCap = 2048
	tcpConnectBudget = 300
)

// tcpConn is the single outstanding connection this stack supports.
type tcpConn struct {
	state      tcpState
	dstMAC     MAC
	remoteIP   IPv4
	remotePort uint16
	localPort  uint16

	seqNext uint32
	ackNext uint32

	sentRequest bool
	finished    bool
	statusCode  int
	response    []byte
}

func (s *Stack) tcpPseudoHeader(dstIP IPv4, tcpLen int) []byte {
	b := make([]byte, 12)
	copy(b[0:4], s.cfg.IPv4[:])
	copy(b[4:8], dstIP[:])
	b[9] = ProtoTCP
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))

	return b
}

func (s *Stack) buildTCP(dstIP IPv4, flags byte, seq, ack uint32, payload []byte) []byte {
	b := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], s.tcp.localPort)
	binary.BigEndian.PutUint16(b[2:4], s.tcp.remotePort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = (tcpHeaderLen / 4) << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], 65535) // window
	copy(b[tcpHeaderLen:], payload)

	sum := checksum16(s.tcpPseudoHeader(dstIP, len(b)), b)
	binary.BigEndian.PutUint16(b[16:18], sum)

	return b
}

// Connect opens the one outstanding connection: send SYN, poll up to
// 300 ticks for SYN|ACK.
func (s *Stack) Connect(remoteIP IPv4, remotePort uint16, localPort uint16, poll func()) error {
	s.tcp = tcpConn{
		state:      tcpSynSent,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		localPort:  localPort,
		seqNext:    1,
	}

	seg := s.buildTCP(remoteIP, tcpFlagSYN, 0, 0, nil)
	if err := s.sendIPv4(remoteIP, ProtoTCP, seg, poll); err != nil {
		s.tcp.state = tcpClosed

		return err
	}

	start := s.ticks()

	for s.ticks()-start < tcpConnectBudget {
		if poll != nil {
			poll()
		}

		if s.tcp.state == tcpEstablished {
			return nil
		}

		if s.tcp.state == tcpClosed {
			return ErrNotFound
		}
	}

	s.tcp.state = tcpClosed

	return ErrIoTimeout
}

// SendRequest writes payload (e.g. an HTTP request line) once the
// connection is established.
func (s *Stack) SendRequest(payload []byte) error {
	if s.tcp.state != tcpEstablished {
		return ErrNotReady
	}

	seg := s.buildTCP(s.tcp.remoteIP, tcpFlagACK, s.tcp.seqNext, s.tcp.ackNext, payload)
	s.tcp.seqNext += uint32(len(payload))
	s.tcp.sentRequest = true

	return s.sendIPv4(s.tcp.remoteIP, ProtoTCP, seg, nil)
}

// Response returns the accumulated bytes, whether the exchange has
// finished, and the parsed HTTP status code (0 if not yet seen).
func (s *Stack) Response() (data []byte, finished bool, statusCode int) {
	return s.tcp.response, s.tcp.finished, s.tcp.statusCode
}

func (s *Stack) handleTCP(src IPv4, p []byte) {
	if len(p) < tcpHeaderLen || src != s.tcp.remoteIP {
		return
	}

	seq := binary.BigEndian.Uint32(p[4:8])
	flags := p[13]
	dataOff := int(p[12]>>4) * 4

	if flags&tcpFlagRST != 0 {
		s.tcp.state = tcpClosed
		s.tcp.finished = true

		return
	}

	switch s.tcp.state {
	case tcpSynSent:
		if flags&tcpFlagSYN != 0 && flags&tcpFlagACK != 0 {
			s.tcp.ackNext = seq + 1 // wraps in u32, matching wrapping_add semantics
			s.tcp.state = tcpEstablished

			ack := s.buildTCP(src, tcpFlagACK, s.tcp.seqNext, s.tcp.ackNext, nil)
			_ = s.sendIPv4(src, ProtoTCP, ack, nil)
		}
	case tcpEstablished:
		payload := p[dataOff:]

		if seq == s.tcp.ackNext && len(payload) > 0 {
			room := tcpResponseCap - len(s.tcp.response)
			if room > 0 {
				n := len(payload)
				if n > room {
					n = room
				}

				s.tcp.response = append(s.tcp.response, payload[:n]...)
				s.parseStatus()
			}

			s.tcp.ackNext += uint32(len(payload))

			ack := s.buildTCP(src, tcpFlagACK, s.tcp.seqNext, s.tcp.ackNext, nil)
			_ = s.sendIPv4(src, ProtoTCP, ack, nil)
		}

		if flags&tcpFlagFIN != 0 {
			s.tcp.ackNext++
			s.tcp.state = tcpClosing

			ack := s.buildTCP(src, tcpFlagACK, s.tcp.seqNext, s.tcp.ackNext, nil)
			_ = s.sendIPv4(src, ProtoTCP, ack, nil)
			s.tcp.state = tcpClosed
			s.tcp.finished = true
		}
	}
}

// parseStatus extracts the first decimal triple after "HTTP/" and a
// space, per spec §4.8 ("HTTP/1.1 200 ...").
func (s *Stack) parseStatus() {
	if s.tcp.statusCode != 0 {
		return
	}

	const marker = "HTTP/"

	idx := indexOf(s.tcp.response, marker)
	if idx < 0 {
		return
	}

	rest := s.tcp.response[idx+len(marker):]

	sp := indexByte(rest, ' ')
	if sp < 0 || sp+4 > len(rest) {
		return
	}

	digits := rest[sp+1 : sp+4]
	if digits[0] < '0' || digits[0] > '9' || digits[1] < '0' || digits[1] > '9' || digits[2] < '0' || digits[2] > '9' {
		return
	}

	s.tcp.statusCode = int(digits[0]-'0')*100 + int(digits[1]-'0')*10 + int(digits[2]-'0')
}

func indexOf(b []byte, s string) int {
	for i := 0; i+len(s) <= len(b); i++ {
		if string(b[i:i+len(s)]) == s {
			return i
		}
	}

	return -1
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}

	return -1
}
