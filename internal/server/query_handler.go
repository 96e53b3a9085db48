// Package server implements DNS protocol servers for UDP, TCP, and TLS.
//
// Goroutine Model:
//
// The server spawns multiple goroutines for handling incoming queries:
//   - UDPServer: 1 receiver + N workers per CPU core
//   - TCPServer/TLSServer: 1 listener per CPU core + 1 handler per active connection
//
// All goroutines are coordinated through a shared context:
//   - Context is cancelled on shutdown signal (SIGINT/SIGTERM)
//   - All goroutines check context regularly and exit cleanly
//   - No long-lived blocking operations without context awareness
//
// Error Handling:
//
// Errors are wrapped with context using fmt.Errorf("...: %w", err) throughout.
// Handler failures never crash a connection: they surface through the
// ExceptionThrown hook and a SERVFAIL reply.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/tsig"
)

// Handler is the user query hook: given a parsed request it produces the
// response packet. The dispatcher owns transaction-ID preservation, TSIG
// signing, and transport shaping; the handler only decides the answer.
type Handler interface {
	HandleQuery(ctx context.Context, req dns.Packet, remote net.Addr, transport string) (dns.Packet, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, req dns.Packet, remote net.Addr, transport string) (dns.Packet, error)

// HandleQuery implements Handler.
func (f HandlerFunc) HandleQuery(ctx context.Context, req dns.Packet, remote net.Addr, transport string) (dns.Packet, error) {
	return f(ctx, req, remote, transport)
}

// Hooks are the optional server event callbacks. Every field may be nil.
type Hooks struct {
	// ClientConnected runs once per accepted stream connection; returning
	// false refuses the connection before any message is read.
	ClientConnected func(remote net.Addr, transport string) bool
	// InvalidSignedMessage runs when a TSIG-bearing request fails
	// verification, before the signed failure reply is sent.
	InvalidSignedMessage func(req dns.Packet, remote net.Addr, verr error)
	// ExceptionThrown runs when the user handler returns an error or
	// panics; the client still receives a SERVFAIL reply.
	ExceptionThrown func(err error)
}

// QueryHandler parses requests, runs TSIG verification, dispatches to the
// user Handler, and shapes the reply for the transport it arrived on.
type QueryHandler struct {
	Logger  *slog.Logger  // Optional logger for debug output
	Handler Handler       // User query hook
	Hooks   Hooks         // Optional event hooks
	Keys    tsig.Verifier // nil holds no keys: signed requests get a BADKEY reply
	Stats   *DNSStats     // Optional statistics collector
	Timeout time.Duration // Maximum time for the user handler (default: 4s)
}

// HandleResult contains the outcome of query processing.
type HandleResult struct {
	// Responses holds the serialized reply messages in send order. It has
	// one element for ordinary queries; a signed multi-packet zone
	// transfer produces several (TCP-like transports only).
	Responses [][]byte
	// CloseConn is set after a TSIG-signed request was processed on a
	// stream transport: the connection must not carry further queries.
	CloseConn bool
	// Source names where the response came from, for logging.
	Source string
}

// maxStreamMessageSize is the largest message one TCP/TLS frame can carry.
const maxStreamMessageSize = 65535

// signedRequest carries the verified TSIG state of an incoming request
// through response construction.
type signedRequest struct {
	key    tsig.Key
	reqMAC []byte
	origID uint16
}

// Handle processes one DNS request and produces the reply message(s).
//
// Processing steps:
//  1. Parse the raw request bytes (bounds-checked)
//  2. Verify the TSIG record, when present; failures produce the
//     protocol-mandated failure replies instead of reaching the handler
//  3. Dispatch to the user handler with a timeout
//  4. Sign, truncate (UDP) or split (zone transfer over TCP), and encode
func (h *QueryHandler) Handle(ctx context.Context, transport string, remote net.Addr, reqBytes []byte) HandleResult {
	if h.Stats != nil {
		h.Stats.RecordQuery(transport)
	}

	parsed, err := dns.ParseRequestBounded(reqBytes)
	if err != nil {
		return h.handleParseError(reqBytes)
	}

	signed, failure := h.verifyTSIG(parsed, remote, reqBytes)
	if failure != nil {
		if h.Stats != nil {
			h.Stats.RecordError()
		}
		return HandleResult{Responses: [][]byte{failure}, CloseConn: true, Source: "tsig-failure"}
	}

	resp := h.dispatchWithTimeout(ctx, parsed, remote, transport)

	// The reply must echo the request's transaction ID regardless of what
	// the handler put in its packet.
	resp.Header.ID = parsed.Header.ID

	out, source := h.shapeResponse(transport, parsed, resp, signed)
	if h.Stats != nil {
		switch dns.RCodeFromFlags(resp.Header.Flags) {
		case dns.RCodeNXDomain:
			h.Stats.RecordNXDOMAIN()
		case dns.RCodeServFail, dns.RCodeFormErr, dns.RCodeRefused:
			h.Stats.RecordError()
		}
	}

	h.logRequest(ctx, transport, remote, parsed, len(reqBytes), source)
	return HandleResult{Responses: out, CloseConn: signed != nil, Source: source}
}

// handleParseError attempts to build an error response from a malformed request.
// Returns FORMERR if the header/question could be extracted, or nil if not.
func (h *QueryHandler) handleParseError(reqBytes []byte) HandleResult {
	if h.Stats != nil {
		h.Stats.RecordError()
	}
	resp := tryBuildErrorFromRaw(reqBytes, uint16(dns.RCodeFormErr))
	if resp == nil {
		return HandleResult{Source: "parse-error"}
	}
	return HandleResult{Responses: [][]byte{resp}, Source: "formerr"}
}

// verifyTSIG checks an incoming request's TSIG record, when one is present
// and a key store is configured. On failure it returns the serialized
// failure reply the protocol mandates; on success it returns the signing
// state needed to sign the response. (nil, nil) means the request was not
// signed and processing continues unauthenticated.
func (h *QueryHandler) verifyTSIG(req dns.Packet, remote net.Addr, reqBytes []byte) (*signedRequest, []byte) {
	tsigIdx := -1
	for i, rr := range req.Additionals {
		if dns.RecordType(rr.Type) == dns.TypeTSIG {
			tsigIdx = i
			break
		}
	}
	if tsigIdx == -1 {
		return nil, nil
	}
	last := req.Additionals[len(req.Additionals)-1]
	if h.Keys == nil {
		// Signed request against a server holding no keys: unknown key.
		alg := ""
		if data, ok := last.Data.(dns.TSIGData); ok {
			alg = data.AlgorithmName
		}
		return nil, h.buildTSIGFailure(req, tsig.Key{Name: last.Name, Algorithm: alg}, dns.RCodeBadKey, nil)
	}
	if tsigIdx != len(req.Additionals)-1 || dns.RecordType(last.Type) != dns.TypeTSIG {
		// TSIG anywhere but last is a FORMERR, replied without a TSIG option.
		h.notifyInvalidSigned(req, remote, tsig.ErrFormat)
		return nil, h.buildUnsignedFailure(req, dns.RCodeFormErr)
	}

	tsigData, ok := last.Data.(dns.TSIGData)
	if !ok {
		h.notifyInvalidSigned(req, remote, tsig.ErrFormat)
		return nil, h.buildUnsignedFailure(req, dns.RCodeFormErr)
	}

	rdataStart, err := dns.OffsetOfLastAdditional(reqBytes)
	if err != nil {
		h.notifyInvalidSigned(req, remote, err)
		return nil, h.buildUnsignedFailure(req, dns.RCodeFormErr)
	}

	verr := tsig.Verify(reqBytes, rdataStart, tsigData, last.Name, h.Keys, nil)
	if verr == nil {
		key, _ := h.Keys.Lookup(last.Name)
		return &signedRequest{key: key, reqMAC: tsigData.MAC, origID: req.Header.ID}, nil
	}

	h.notifyInvalidSigned(req, remote, verr)
	switch {
	case errors.Is(verr, tsig.ErrFormat):
		return nil, h.buildUnsignedFailure(req, dns.RCodeFormErr)
	case errors.Is(verr, tsig.ErrBadKey), errors.Is(verr, tsig.ErrBadAlg):
		return nil, h.buildTSIGFailure(req, tsig.Key{Name: last.Name, Algorithm: tsigData.AlgorithmName}, dns.RCodeBadKey, nil)
	case errors.Is(verr, tsig.ErrBadTime):
		key, _ := h.Keys.Lookup(last.Name)
		now := uint64(time.Now().Unix())
		other := make([]byte, 6)
		binary.BigEndian.PutUint16(other[0:2], uint16(now>>32))
		binary.BigEndian.PutUint32(other[2:6], uint32(now))
		return nil, h.buildSignedTSIGFailure(req, key, tsigData, dns.RCodeBadTime, other)
	default: // BadSig and anything else that leaves the record well-formed
		return nil, h.buildTSIGFailure(req, tsig.Key{Name: last.Name, Algorithm: tsigData.AlgorithmName}, dns.RCodeBadSig, nil)
	}
}

func (h *QueryHandler) notifyInvalidSigned(req dns.Packet, remote net.Addr, verr error) {
	if h.Hooks.InvalidSignedMessage != nil {
		h.Hooks.InvalidSignedMessage(req, remote, verr)
	}
}

// buildUnsignedFailure is the FORMERR path of the failure table: the reply
// carries no TSIG option at all.
func (h *QueryHandler) buildUnsignedFailure(req dns.Packet, rcode dns.RCode) []byte {
	b, err := dns.BuildErrorResponse(stripTSIG(req), uint16(rcode)).Marshal()
	if err != nil {
		return nil
	}
	return b
}

// buildTSIGFailure builds the BADKEY/BADSIG shape: RCODE NotAuth, a TSIG
// additional record carrying the error code, and no MAC.
func (h *QueryHandler) buildTSIGFailure(req dns.Packet, key tsig.Key, tsigErr dns.RCode, otherData []byte) []byte {
	resp := dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeNotAuth))
	msg, err := resp.Marshal()
	if err != nil {
		return nil
	}
	data := dns.TSIGData{
		AlgorithmName: dns.NormalizeName(key.Algorithm),
		TimeSigned:    uint64(time.Now().Unix()),
		Fudge:         uint16(tsig.DefaultFudge.Seconds()),
		OriginalID:    req.Header.ID,
		Error:         uint16(tsigErr),
		OtherData:     otherData,
	}
	out, err := appendTSIGRecord(msg, key.Name, data)
	if err != nil {
		return msg
	}
	return out
}

// buildSignedTSIGFailure builds the BADTIME shape: like buildTSIGFailure
// but signed with the (known) key, request MAC folded in, and other-data
// carrying the server's 48-bit current time.
func (h *QueryHandler) buildSignedTSIGFailure(req dns.Packet, key tsig.Key, reqTSIG dns.TSIGData, tsigErr dns.RCode, otherData []byte) []byte {
	resp := dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeNotAuth))
	msg, err := resp.Marshal()
	if err != nil {
		return nil
	}
	data, _, err := tsig.Sign(msg, req.Header.ID, key, tsig.SignOptions{
		PriorMAC:  reqTSIG.MAC,
		Error:     tsigErr,
		OtherData: otherData,
	})
	if err != nil {
		return h.buildTSIGFailure(req, key, tsigErr, otherData)
	}
	out, err := appendTSIGRecord(msg, key.Name, data)
	if err != nil {
		return msg
	}
	return out
}

// stripTSIG removes a trailing TSIG record from the request's additional
// section so replies do not echo it back as a normal record.
func stripTSIG(req dns.Packet) dns.Packet {
	n := len(req.Additionals)
	if n > 0 && dns.RecordType(req.Additionals[n-1].Type) == dns.TypeTSIG {
		req.Additionals = req.Additionals[:n-1]
	}
	return req
}

// dispatchWithTimeout runs the user handler with a timeout, translating
// panics and errors into SERVFAIL.
//
// Goroutine lifecycle: Spawned per query and exits when the handler returns
// (success, error or panic). On timeout or context cancellation the
// dispatcher stops waiting and answers SERVFAIL; the buffered result channel
// lets a late handler still finish without blocking.
func (h *QueryHandler) dispatchWithTimeout(ctx context.Context, req dns.Packet, remote net.Addr, transport string) dns.Packet {
	if h.Handler == nil {
		return dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeRefused))
	}

	type outcome struct {
		resp dns.Packet
		err  error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- outcome{err: fmt.Errorf("server: handler panic: %v", r)}
			}
		}()
		resp, err := h.Handler.HandleQuery(ctx, stripTSIG(req), remote, transport)
		resCh <- outcome{resp: resp, err: err}
	}()

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeServFail))
	case <-timer.C:
		return dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeServFail))
	case r := <-resCh:
		if r.err != nil {
			if h.Hooks.ExceptionThrown != nil {
				h.Hooks.ExceptionThrown(r.err)
			}
			return dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeServFail))
		}
		return r.resp
	}
}

// shapeResponse encodes resp for the transport: UDP responses shrink to the
// EDNS-negotiated budget, TCP responses that exceed one frame split into a
// zone-transfer packet sequence (or collapse to SERVFAIL when splitting is
// not allowed). TSIG signing happens after shaping so the MAC covers the
// exact bytes sent.
func (h *QueryHandler) shapeResponse(transport string, req, resp dns.Packet, signed *signedRequest) ([][]byte, string) {
	if transport == "udp" {
		budget := udpResponseBudget(req, resp)
		if signed != nil {
			budget -= tsigWireOverhead(signed.key)
		}
		shrunk := truncateToBudget(resp, budget)
		msg, err := h.encodeSigned(shrunk, signed)
		if err != nil {
			return nil, "encode-error"
		}
		return [][]byte{msg}, "handler"
	}

	// Stream transports.
	probe, err := resp.MarshalCompressed()
	if err != nil {
		return nil, "encode-error"
	}
	overhead := 0
	if signed != nil {
		overhead = tsigWireOverhead(signed.key)
	}
	if len(probe)+overhead <= maxStreamMessageSize {
		msg, err := h.encodeSigned(resp, signed)
		if err != nil {
			return nil, "encode-error"
		}
		return [][]byte{msg}, "handler"
	}

	if !isZoneTransferResponse(req) {
		fail, err := dns.BuildErrorResponse(stripTSIG(req), uint16(dns.RCodeServFail)).Marshal()
		if err != nil {
			return nil, "encode-error"
		}
		return [][]byte{fail}, "too-large"
	}

	packets := splitZoneTransfer(resp, overhead)
	out := make([][]byte, 0, len(packets))
	var priorMAC []byte
	if signed != nil {
		priorMAC = signed.reqMAC
	}
	for i, pkt := range packets {
		msg, mac, err := h.encodeSignedChained(pkt, signed, priorMAC, i > 0)
		if err != nil {
			return nil, "encode-error"
		}
		out = append(out, msg)
		priorMAC = mac
	}
	return out, "zone-transfer"
}

func (h *QueryHandler) encodeSigned(resp dns.Packet, signed *signedRequest) ([]byte, error) {
	msg, _, err := h.encodeSignedChained(resp, signed, nil, false)
	return msg, err
}

// encodeSignedChained serializes resp and, for a signed exchange, appends a
// TSIG record whose MAC chains from priorMAC (the request MAC for the first
// packet, the previous packet's MAC afterwards).
func (h *QueryHandler) encodeSignedChained(resp dns.Packet, signed *signedRequest, priorMAC []byte, abbreviated bool) ([]byte, []byte, error) {
	msg, err := resp.MarshalCompressed()
	if err != nil {
		return nil, nil, err
	}
	if signed == nil {
		return msg, nil, nil
	}
	if priorMAC == nil {
		priorMAC = signed.reqMAC
	}
	data, mac, err := tsig.Sign(msg, signed.origID, signed.key, tsig.SignOptions{
		PriorMAC:    priorMAC,
		Abbreviated: abbreviated,
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := appendTSIGRecord(msg, signed.key.Name, data)
	if err != nil {
		return nil, nil, err
	}
	return out, mac, nil
}

// appendTSIGRecord appends a TSIG additional record to an encoded message
// and bumps ARCOUNT.
func appendTSIGRecord(msg []byte, keyName string, data dns.TSIGData) ([]byte, error) {
	rec := dns.Record{Name: dns.NormalizeName(keyName), Type: uint16(dns.TypeTSIG), Class: 255, TTL: 0, Data: data}
	wire, err := rec.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(msg)+len(wire))
	copy(out, msg)
	copy(out[len(msg):], wire)
	ar := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], ar+1)
	return out, nil
}

// tsigWireOverhead estimates the encoded size of the TSIG record that will
// be appended after shaping, so truncation leaves room for it.
func tsigWireOverhead(key tsig.Key) int {
	// owner name + fixed RR header + algorithm name + time/fudge/maclen +
	// a full-size MAC + origID/error/otherlen. SHA-512 gives the largest
	// MAC (64 bytes); overestimating only costs a few answer bytes.
	return len(key.Name) + 2 + 10 + len(key.Algorithm) + 2 + 10 + 64 + 6
}

// isZoneTransferResponse reports whether the request asked for AXFR/IXFR,
// which is what licenses a multi-packet response.
func isZoneTransferResponse(req dns.Packet) bool {
	if len(req.Questions) == 0 {
		return false
	}
	t := dns.RecordType(req.Questions[0].Type)
	return t == dns.TypeAXFR || t == dns.TypeIXFR
}

// logRequest logs DNS request details at debug level.
func (h *QueryHandler) logRequest(ctx context.Context, transport string, remote net.Addr, parsed dns.Packet, reqLen int, source string) {
	if h.Logger == nil || !h.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	qname := "<no-question>"
	qtype := -1
	if len(parsed.Questions) > 0 {
		qname = parsed.Questions[0].Name
		qtype = int(parsed.Questions[0].Type)
	}
	src := ""
	if remote != nil {
		src = remote.String()
	}
	h.Logger.DebugContext(
		ctx,
		"dns request",
		"transport", transport,
		"src", src,
		"id", int(parsed.Header.ID),
		"qname", qname,
		"qtype", qtype,
		"bytes", reqLen,
		"source", source,
	)
}

// tryBuildErrorFromRaw attempts to construct an error response from raw bytes.
// This is used when request parsing fails but we can still extract enough
// information (transaction ID, question) to build a valid error response.
//
// Returns nil if even the header cannot be parsed.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	// Try to include the question in the error response
	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = make([]dns.Question, 1)
			questions[0] = q
		}
	}

	p := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
