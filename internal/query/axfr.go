package query

import (
	"context"
	"fmt"
	"net"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/transport"
)

// continueZoneTransfer reads additional TCP messages following first (the
// already-parsed initial response to an AXFR/IXFR query) until the stream
// signals completion:
//
//	Continuation is in progress iff the last answer record of the current
//	message is NOT an SOA; the first message must begin with an SOA; the
//	final message ends with an SOA. If the first message is a single SOA
//	response indicating IXFR-falls-back-to-AXFR, the stream continues as
//	AXFR.
func (c *Client) continueZoneTransfer(ctx context.Context, ep transport.Endpoint, conn net.Conn, first dns.Packet) ([]dns.Record, error) {
	if len(first.Answers) == 0 {
		return nil, fmt.Errorf("query: zone transfer response has no answers")
	}
	if dns.RecordType(first.Answers[0].Type) != dns.TypeSOA {
		return nil, fmt.Errorf("query: zone transfer response must begin with an SOA")
	}

	merged := append([]dns.Record(nil), first.Answers...)

	// A first message that is just the leading SOA (the IXFR
	// falls-back-to-AXFR shape) keeps the stream open; from here it
	// continues exactly like an AXFR.
	if lastIsSOA(first.Answers) && len(first.Answers) > 1 {
		return merged, nil
	}

	for {
		msgBytes, err := transport.ReadFramed(conn)
		if err != nil {
			return nil, fmt.Errorf("query: zone transfer continuation read: %w", err)
		}
		pkt, err := dns.ParsePacket(msgBytes)
		if err != nil {
			return nil, fmt.Errorf("query: zone transfer continuation parse: %w", err)
		}
		if len(pkt.Answers) == 0 {
			return nil, fmt.Errorf("query: zone transfer continuation message has no answers")
		}
		merged = append(merged, pkt.Answers...)
		if lastIsSOA(pkt.Answers) {
			return merged, nil
		}
	}
}

func lastIsSOA(answers []dns.Record) bool {
	if len(answers) == 0 {
		return false
	}
	return dns.RecordType(answers[len(answers)-1].Type) == dns.TypeSOA
}
