package server

import (
	"github.com/nodeglade/dnscore/internal/dns"
)

// udpResponseBudget computes the maximum UDP reply size for a request/
// response pair: max(512, requester's OPT payload size) when both sides
// carry an OPT record, plain 512 otherwise. A malformed OPT that still
// parsed as "EDNS present" never enlarges the budget beyond what its class
// field actually advertised, and the advertised size is clamped to a sane
// ceiling.
func udpResponseBudget(req, resp dns.Packet) int {
	reqOPT := dns.ExtractOPT(req.Additionals)
	respOPT := dns.ExtractOPT(resp.Additionals)
	if reqOPT == nil || respOPT == nil {
		return dns.DefaultUDPPayloadSize
	}
	size := int(reqOPT.UDPPayloadSize)
	if size < dns.DefaultUDPPayloadSize {
		return dns.DefaultUDPPayloadSize
	}
	if size > dns.EDNSMaxUDPPayloadSize {
		return dns.EDNSMaxUDPPayloadSize
	}
	return size
}

// truncateToBudget shrinks a response packet until its encoded form fits
// maxSize octets, dropping records in this order:
//
//  1. Every additional record except the OPT record (no TC bit for this)
//  2. Authority records, from the tail; sets TC
//  3. Answer records, from the tail; sets TC
//  4. Questions, from the tail; sets TC
//
// The packet is returned unchanged when it already fits.
func truncateToBudget(resp dns.Packet, maxSize int) dns.Packet {
	if maxSize <= 0 {
		maxSize = dns.DefaultUDPPayloadSize
	}
	if fitsBudget(resp, maxSize) {
		return resp
	}

	out := resp
	// Step 1: drop additionals, keeping only the OPT record. Dropping
	// additionals alone does not require TC.
	kept := make([]dns.Record, 0, 1)
	for _, rr := range out.Additionals {
		if dns.RecordType(rr.Type) == dns.TypeOPT {
			kept = append(kept, rr)
		}
	}
	out.Additionals = kept
	if fitsBudget(out, maxSize) {
		return out
	}

	// Steps 2-4: drop from the tail of each section in turn, marking TC.
	out.Header.SetTC(true)
	out.Authorities = append([]dns.Record(nil), out.Authorities...)
	for len(out.Authorities) > 0 {
		out.Authorities = out.Authorities[:len(out.Authorities)-1]
		if fitsBudget(out, maxSize) {
			return out
		}
	}
	out.Answers = append([]dns.Record(nil), out.Answers...)
	for len(out.Answers) > 0 {
		out.Answers = out.Answers[:len(out.Answers)-1]
		if fitsBudget(out, maxSize) {
			return out
		}
	}
	out.Questions = append([]dns.Question(nil), out.Questions...)
	for len(out.Questions) > 0 {
		out.Questions = out.Questions[:len(out.Questions)-1]
		if fitsBudget(out, maxSize) {
			return out
		}
	}
	return out
}

// fitsBudget reports whether the packet's compressed encoding fits maxSize.
func fitsBudget(p dns.Packet, maxSize int) bool {
	b, err := p.MarshalCompressed()
	if err != nil {
		return false
	}
	return len(b) <= maxSize
}
