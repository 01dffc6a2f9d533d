package netstack

import "github.com/miekg/dns"

const (
	dnsServerPort  = 53
	dnsLocalPort   = 50000
	dnsQueryBudget = 300
)

// dnsQuery tracks the single in-flight A-query (spec §4.8 DNS).
type dnsQuery struct {
	inFlight bool
	id       uint16
	name     string
	result   IPv4
}

// Resolve1 implements spec §4.8's single in-flight A-query resolver:
// emit a minimal DNS packet to UDP 53 and parse the response by
// walking answers for the first A record. The wire packet itself is
// built and parsed with miekg/dns's Msg codec rather than a
// hand-rolled byte walker.
func (s *Stack) Resolve1(name string, poll func()) (IPv4, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	wire, err := msg.Pack()
	if err != nil {
		return IPv4{}, err
	}

	s.dns = dnsQuery{inFlight: true, id: msg.Id, name: name}
	s.Counters.DNSAttempts++

	if err := s.UdpSend(s.cfg.DNSServer, dnsServerPort, dnsLocalPort, wire, poll); err != nil {
		s.dns.inFlight = false

		return IPv4{}, err
	}

	start := s.ticks()

	for s.ticks()-start < dnsQueryBudget {
		if poll != nil {
			poll()
		}

		if srcIP, srcPort, _, data, ok := s.UdpRecv(); ok && srcPort == dnsServerPort && srcIP == s.cfg.DNSServer {
			if ip, handled := s.handleDNSResponse(data); handled {
				return ip, nil
			}
		}

		if !s.dns.inFlight {
			return s.dns.result, nil
		}
	}

	s.dns.inFlight = false

	return IPv4{}, ErrIoTimeout
}

// handleDNSResponse parses one candidate reply; returns (ip, true)
// only if it matches the in-flight query and carries an A record.
func (s *Stack) handleDNSResponse(data []byte) (IPv4, bool) {
	if !s.dns.inFlight {
		return IPv4{}, false
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(data); err != nil || resp.Id != s.dns.id {
		return IPv4{}, false
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok && a.Hdr.Class == dns.ClassINET {
			var ip IPv4

			v4 := a.A.To4()
			if v4 == nil {
				continue
			}

			copy(ip[:], v4)
			s.dns.result = ip
			s.dns.inFlight = false

			return ip, true
		}
	}

	return IPv4{}, false
}
