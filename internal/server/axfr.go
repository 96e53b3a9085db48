package server

import (
	"github.com/nodeglade/dnscore/internal/dns"
)

// Zone-transfer packetization limits. A packet never exceeds one TCP frame
// (65,535 octets); by convention each carries at most 100 records and aims
// below a soft byte ceiling so TSIG records and framing always fit.
const (
	axfrMaxRecordsPerPacket = 100
	axfrSoftByteCeiling     = 32000
)

// splitZoneTransfer splits a zone-transfer response whose answer section is
// too large for a single TCP message into a sequence of packets, each
// carrying a slice of the answers in order. The first packet keeps the
// question section; continuation packets carry answers only, matching how
// transfer clients reassemble the stream. reserve is subtracted from the
// byte budget of every packet (TSIG record space).
func splitZoneTransfer(resp dns.Packet, reserve int) []dns.Packet {
	budget := axfrSoftByteCeiling - reserve
	if budget < dns.DefaultUDPPayloadSize {
		budget = dns.DefaultUDPPayloadSize
	}

	var packets []dns.Packet
	answers := resp.Answers
	first := true
	for len(answers) > 0 {
		pkt := dns.Packet{Header: resp.Header}
		if first {
			pkt.Questions = resp.Questions
		}

		n := 0
		size := baseSize(pkt)
		for n < len(answers) && n < axfrMaxRecordsPerPacket {
			rrWire, err := answers[n].Marshal()
			if err != nil {
				break
			}
			if size+len(rrWire) > budget && n > 0 {
				break
			}
			size += len(rrWire)
			n++
		}
		if n == 0 {
			// A single record larger than the soft ceiling still has to
			// go somewhere; emit it alone and let the hard frame limit
			// catch the truly impossible case.
			n = 1
		}

		pkt.Answers = answers[:n]
		answers = answers[n:]
		packets = append(packets, pkt)
		first = false
	}

	if len(packets) == 0 {
		packets = []dns.Packet{resp}
	}
	return packets
}

// baseSize estimates the encoded size of a packet's header and questions.
func baseSize(p dns.Packet) int {
	size := dns.HeaderSize
	for _, q := range p.Questions {
		size += len(q.Name) + 2 + 4
	}
	return size
}
