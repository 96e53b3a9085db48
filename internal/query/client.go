// Package query implements the client-side DNS query engine: a per-call
// state machine over an ordered endpoint list with UDP/TCP escalation,
// question validation, TSIG request signing and response verification, and
// zone-transfer continuation.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/transport"
	"github.com/nodeglade/dnscore/internal/tsig"
)

// Client defaults.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultIdleTimeout = 5 * time.Second
)

// Config controls a Client's behavior. Zero-value fields fall back to the
// documented defaults in NewClient.
type Config struct {
	Servers                []transport.Server
	Timeout                time.Duration
	ResponseValidation     bool
	CaseRandomization0x20  bool
	ReuseTCP               bool
	IdleTimeout            time.Duration
	UDPDisabled            bool
	Logger                 *slog.Logger
}

// Client issues DNS queries against a configured set of upstream servers.
type Client struct {
	cfg       Config
	endpoints []transport.Endpoint
	pool      *transport.ReusePool
	logger    *slog.Logger
}

// NewClient resolves cfg.Servers to an ordered endpoint list and
// returns a ready-to-use Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoints, err := transport.ResolveEndpoints(cfg.Servers)
	if err != nil {
		return nil, fmt.Errorf("query: resolve endpoints: %w", err)
	}

	c := &Client{cfg: cfg, endpoints: endpoints, logger: logger}
	if cfg.ReuseTCP {
		c.pool = transport.NewReusePool(cfg.IdleTimeout)
	}
	return c, nil
}

// Close releases any pooled reusable connections.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// SignOptions configures TSIG signing of an outgoing query and verification
// of the response.
type SignOptions struct {
	Key tsig.Key
}

// Result is a single completed query: the parsed response and its answers
// (already merged across any zone-transfer continuation messages).
type Result struct {
	Packet  dns.Packet
	Answers []dns.Record // merged answers, equals Packet.Answers outside AXFR/IXFR
}

var (
	// ErrNoResponse indicates every endpoint was tried and none produced
	// an acceptable response.
	ErrNoResponse = errors.New("query: no endpoint returned an acceptable response")
	// ErrParallelForbidsZoneTransfer indicates QueryParallel was called
	// with an AXFR/IXFR question, which parallel mode cannot carry.
	ErrParallelForbidsZoneTransfer = errors.New("query: parallel mode forbids zone-transfer queries")
)

func isZoneTransfer(qtype uint16) bool {
	return dns.RecordType(qtype) == dns.TypeAXFR || dns.RecordType(qtype) == dns.TypeIXFR
}

// Query runs the endpoint state machine for a single question,
// returning the first acceptable response.
func (c *Client) Query(ctx context.Context, q dns.Question, opts ...SignOptions) (*Result, error) {
	var signOpts *SignOptions
	if len(opts) > 0 {
		signOpts = &opts[0]
	}

	queryName := q.Name
	if c.cfg.CaseRandomization0x20 {
		randomized, err := randomizeCase(q.Name)
		if err != nil {
			return nil, fmt.Errorf("query: randomize case: %w", err)
		}
		queryName = randomized
	}
	q.Name = queryName

	zoneTransfer := isZoneTransfer(q.Type)

	var lastErr error
	for i, ep := range c.endpoints {
		isLastEndpoint := i == len(c.endpoints)-1

		txid, err := nextTransactionID()
		if err != nil {
			return nil, fmt.Errorf("query: generate transaction id: %w", err)
		}

		reqBytes, reqMAC, err := buildQuery(txid, q, signOpts)
		if err != nil {
			return nil, fmt.Errorf("query: build request: %w", err)
		}

		useTCP := zoneTransfer || c.cfg.UDPDisabled || len(reqBytes) > dns.EDNSMaxUDPPayloadSize

		var respBytes []byte
		var tcpConn net.Conn
		if useTCP {
			respBytes, tcpConn, err = c.sendTCP(ctx, ep, reqBytes)
		} else {
			respBytes, err = transport.SendUDP(ctx, ep, reqBytes, c.cfg.Timeout)
		}
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := dns.ParsePacket(respBytes)
		if err != nil {
			lastErr = err
			continue
		}

		if signOpts != nil {
			if verr := c.verifyResponse(respBytes, resp, signOpts.Key, reqMAC); verr != nil {
				lastErr = verr
				continue
			}
		}

		if c.cfg.ResponseValidation && !questionsMatch(q.Name, q.Type, q.Class, respBytes, resp, c.cfg.CaseRandomization0x20) {
			lastErr = fmt.Errorf("query: response question mismatch from %s", ep)
			continue
		}

		if dns.RCode(resp.Header.RCode()) == dns.RCodeServFail && !isLastEndpoint {
			lastErr = fmt.Errorf("query: server failure from %s", ep)
			continue
		}

		if !useTCP && resp.Header.TC() {
			respBytes, tcpConn, err = c.sendTCP(ctx, ep, reqBytes)
			if err != nil {
				lastErr = err
				continue
			}
			resp, err = dns.ParsePacket(respBytes)
			if err != nil {
				lastErr = err
				continue
			}
		}

		if zoneTransfer {
			merged, err := c.continueZoneTransfer(ctx, ep, tcpConn, resp)
			if err != nil {
				lastErr = err
				c.closeOrDiscard(ep, tcpConn, false)
				continue
			}
			c.closeOrDiscard(ep, tcpConn, true)
			return &Result{Packet: resp, Answers: merged}, nil
		}

		if tcpConn != nil {
			c.closeOrDiscard(ep, tcpConn, true)
		}
		return &Result{Packet: resp, Answers: resp.Answers}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, lastErr)
	}
	return nil, ErrNoResponse
}

// sendTCP sends over a pooled connection when reuse is enabled, falling
// back to a fresh dial on any liveness failure.
func (c *Client) sendTCP(ctx context.Context, ep transport.Endpoint, reqBytes []byte) ([]byte, net.Conn, error) {
	key := ep.String()

	if c.pool != nil {
		if conn, ok := c.pool.Take(key); ok {
			resp, err := c.sendOnConn(conn, reqBytes)
			if err == nil {
				return resp, conn, nil
			}
			c.pool.Discard(conn)
		}
	}

	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.sendOnConn(conn, reqBytes)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return resp, conn, nil
}

func (c *Client) dial(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
	if ep.TLS != nil {
		return transport.DialTLS(ctx, ep, c.cfg.Timeout)
	}
	return transport.DialTCP(ctx, ep, c.cfg.Timeout)
}

func (c *Client) sendOnConn(conn net.Conn, reqBytes []byte) ([]byte, error) {
	return transport.SendTCPConn(conn, reqBytes, c.cfg.Timeout)
}

// closeOrDiscard either returns conn to the reuse pool (when healthy=true
// and reuse is enabled) or closes it outright.
func (c *Client) closeOrDiscard(ep transport.Endpoint, conn net.Conn, healthy bool) {
	if conn == nil {
		return
	}
	if healthy && c.pool != nil {
		c.pool.Return(ep.String(), conn)
		return
	}
	_ = conn.Close()
}

// buildQuery encodes a single-question query message, optionally appending
// a TSIG record signed with signOpts.Key. The returned MAC (nil when
// unsigned) is the prefix the server folds into its response signature, so
// response verification needs it back.
func buildQuery(id uint16, q dns.Question, signOpts *SignOptions) ([]byte, []byte, error) {
	h := dns.Header{ID: id}
	h.SetRD(true)
	pkt := dns.Packet{Header: h, Questions: []dns.Question{q}}

	msg, err := pkt.MarshalCompressed()
	if err != nil {
		return nil, nil, err
	}
	if signOpts == nil {
		return msg, nil, nil
	}

	tsigData, mac, err := tsig.Sign(msg, id, signOpts.Key, tsig.SignOptions{})
	if err != nil {
		return nil, nil, err
	}
	signed, err := appendTSIG(msg, signOpts.Key.Name, tsigData)
	if err != nil {
		return nil, nil, err
	}
	return signed, mac, nil
}

// appendTSIG appends a TSIG additional record to msg and increments ARCOUNT.
func appendTSIG(msg []byte, keyName string, data dns.TSIGData) ([]byte, error) {
	full, err := (dns.Record{Name: keyName, Type: uint16(dns.TypeTSIG), Class: 255, TTL: 0, Data: data}).Marshal()
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(msg)+len(full))
	copy(out, msg)
	copy(out[len(msg):], full)

	arCount := int(out[10])<<8 | int(out[11])
	arCount++
	out[10] = byte(arCount >> 8)
	out[11] = byte(arCount)
	return out, nil
}

// singleKeyVerifier adapts one known Key to the tsig.Verifier interface for
// client-side response verification, where the key used to sign the
// request is also the one the response must be signed with.
type singleKeyVerifier struct{ key tsig.Key }

func (v singleKeyVerifier) Lookup(name string) (tsig.Key, bool) {
	if !namesEqual(name, v.key.Name) {
		return tsig.Key{}, false
	}
	return v.key, true
}

func namesEqual(a, b string) bool { return dns.NormalizeName(a) == dns.NormalizeName(b) }

// verifyResponse checks a TSIG-bearing response against signOpts.Key. The
// response must carry the TSIG record as its last additional record, and
// its MAC covers the request's MAC as a length-prefixed prefix.
func (c *Client) verifyResponse(respBytes []byte, resp dns.Packet, key tsig.Key, reqMAC []byte) error {
	if len(resp.Additionals) == 0 {
		return tsig.ErrNoTSIG
	}
	last := resp.Additionals[len(resp.Additionals)-1]
	if dns.RecordType(last.Type) != dns.TypeTSIG {
		return tsig.ErrNoTSIG
	}
	tsigData, ok := last.Data.(dns.TSIGData)
	if !ok {
		return tsig.ErrNoTSIG
	}

	rdataStart, err := dns.OffsetOfLastAdditional(respBytes)
	if err != nil {
		return err
	}
	return tsig.Verify(respBytes, rdataStart, tsigData, last.Name, singleKeyVerifier{key}, reqMAC)
}
