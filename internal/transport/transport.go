// Package transport implements the client-side network I/O for DNS queries:
// UDP datagrams, TCP length-prefixed streams, TLS-wrapped streams with SPKI
// pinning, multicast endpoint expansion, and an optional reusable-connection
// pool.
//
// This mirrors internal/server's split between transport acceptance and
// protocol dispatch, just facing the other direction: here the caller is
// the one dialing out, not accepting.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nodeglade/dnscore/internal/pool"
)

// MaxUDPMessageSize is the buffer size for UDP reception.
const MaxUDPMessageSize = 65535

// maxTCPMessageSize bounds a single length-prefixed TCP/TLS message.
const maxTCPMessageSize = 65535

var lenBufPool = pool.New(func() *[]byte {
	buf := make([]byte, 2)
	return &buf
})

// Pin is a pinned SPKI public-key hash a TLS peer certificate must match.
type Pin struct {
	Digest string // hash algorithm name, currently only "sha256" is supported
	Hash   []byte // raw (not base64) digest of the certificate's SubjectPublicKeyInfo
}

// TLSConfig configures DNS-over-TLS authentication for an Endpoint.
type TLSConfig struct {
	AuthName   string // expected server name (SNI + certificate subject)
	Pinsets    []Pin  // if non-empty, the peer cert must match one of these pins
	MinVersion uint16 // crypto/tls minimum version; zero means tls.VersionTLS12
}

// Endpoint is one concrete network destination a query may be sent to:
// a resolved address plus the transport options that apply to it.
type Endpoint struct {
	Addr          *net.UDPAddr // resolved server address
	TLS           *TLSConfig   // non-nil enables DNS-over-TLS for this endpoint
	Multicast     bool         // true if Addr is a multicast group address
	LocalIfaceIP  net.IP       // local interface to bind when Multicast is true
}

// String returns the endpoint's address, or "<nil>" when Addr is unset.
func (e Endpoint) String() string {
	if e.Addr == nil {
		return "<nil>"
	}
	return e.Addr.String()
}

// ErrShortRead indicates a TCP/TLS peer closed the connection before
// delivering the number of bytes its own length prefix promised. This is
// a fatal error for the endpoint, not a retry signal.
var ErrShortRead = errors.New("transport: short read on length-prefixed message")

// SendUDP sends msg as a single datagram to ep and waits up to timeout for
// one reply datagram. For a multicast endpoint, the socket binds the given
// local interface address and returns the first valid response received.
func SendUDP(ctx context.Context, ep Endpoint, msg []byte, timeout time.Duration) ([]byte, error) {
	var laddr *net.UDPAddr
	if ep.Multicast && ep.LocalIfaceIP != nil {
		laddr = &net.UDPAddr{IP: ep.LocalIfaceIP}
	}

	conn, err := net.DialUDP("udp", laddr, ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: udp dial %s: %w", ep.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("transport: udp write %s: %w", ep.Addr, err)
	}

	buf := make([]byte, MaxUDPMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("transport: udp read %s: %w", ep.Addr, err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// DialTCP connects to ep over TCP with a connect timeout. The caller owns
// the returned connection (close it, or hand it to a ReusePool).
func DialTCP(ctx context.Context, ep Endpoint, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", ep.Addr, err)
	}
	return conn, nil
}

// DialTLS connects to ep over TCP and performs a TLS handshake, validating
// the server name and, if a pinset is configured, the peer's SPKI hash. On
// any authentication failure the connection is closed and the endpoint
// should be abandoned rather than retried.
func DialTLS(ctx context.Context, ep Endpoint, timeout time.Duration) (net.Conn, error) {
	if ep.TLS == nil {
		return nil, errors.New("transport: DialTLS requires a TLSConfig")
	}
	tcp, err := DialTCP(ctx, ep, timeout)
	if err != nil {
		return nil, err
	}

	minVersion := ep.TLS.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	cfg := &tls.Config{
		ServerName:         ep.TLS.AuthName,
		MinVersion:         minVersion,
		InsecureSkipVerify: len(ep.TLS.Pinsets) > 0, // pin verification replaces chain validation
	}
	if len(ep.TLS.Pinsets) > 0 {
		pins := ep.TLS.Pinsets
		authName := ep.TLS.AuthName
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if err := verifyPins(rawCerts, pins); err != nil {
				return err
			}
			if authName == "" {
				return nil
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("transport: parse peer certificate: %w", err)
			}
			return leaf.VerifyHostname(authName)
		}
	}

	tlsConn := tls.Client(tcp, cfg)
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("transport: tls handshake %s: %w", ep.Addr, err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// verifyPins checks that the leaf certificate's SPKI hash matches one of
// the configured pins. Only "sha256" pins are supported.
func verifyPins(rawCerts [][]byte, pins []Pin) error {
	if len(rawCerts) == 0 {
		return errors.New("transport: no peer certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("transport: parse peer certificate: %w", err)
	}
	sum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	for _, p := range pins {
		if p.Digest != "sha256" {
			continue
		}
		if len(p.Hash) == len(sum) && string(p.Hash) == string(sum[:]) {
			return nil
		}
	}
	return errors.New("transport: peer certificate matched no pinned public key")
}

// SendTCPConn writes msg length-prefixed to conn and reads one
// length-prefixed reply. A short read (peer closes mid-message) is
// reported as ErrShortRead and the caller should abandon the connection.
func SendTCPConn(conn net.Conn, msg []byte, timeout time.Duration) ([]byte, error) {
	if len(msg) > maxTCPMessageSize {
		return nil, fmt.Errorf("transport: message too large for tcp framing (%d bytes)", len(msg))
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := WriteFramed(conn, msg); err != nil {
		return nil, err
	}
	return ReadFramed(conn)
}

// WriteFramed writes a 16-bit big-endian length prefix followed by msg.
func WriteFramed(w io.Writer, msg []byte) error {
	lenBufPtr := lenBufPool.Get()
	defer lenBufPool.Put(lenBufPtr)
	lenBuf := *lenBufPtr
	binary.BigEndian.PutUint16(lenBuf, uint16(len(msg)))

	if bw, ok := w.(net.Conn); ok {
		bufs := net.Buffers{lenBuf, msg}
		_, err := bufs.WriteTo(bw)
		return err
	}
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ReadFramed reads one 16-bit length-prefixed message from r. A clean EOF
// before the length prefix is returned as io.EOF; a partial length or body
// read is reported as ErrShortRead.
func ReadFramed(r io.Reader) ([]byte, error) {
	lenBufPtr := lenBufPool.Get()
	lenBuf := *lenBufPtr
	_, err := io.ReadFull(r, lenBuf)
	msgLen := binary.BigEndian.Uint16(lenBuf)
	lenBufPool.Put(lenBufPtr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return msg, nil
}
