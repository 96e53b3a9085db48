// Package tsig implements RFC 8945 Transaction SIGnatures: keyed-HMAC
// authentication of DNS messages between a client and server that share a
// secret out of band.
//
// Canonical wire form, not the parsed model, is authoritative here: both
// Sign and Verify operate on the exact bytes that were (or will be) sent on
// the wire, the same way the dns package's own codec treats []byte as the
// ground truth and Packet as a derived view.
package tsig

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
)

// Well-known TSIG algorithm names (RFC 8945 §6).
const (
	AlgHMACMD5        = "hmac-md5.sig-alg.reg.int"
	AlgHMACSHA1       = "hmac-sha1"
	AlgHMACSHA256     = "hmac-sha256"
	AlgHMACSHA256_128 = "hmac-sha256-128"
	AlgHMACSHA384     = "hmac-sha384"
	AlgHMACSHA512     = "hmac-sha512"
)

var (
	// ErrBadKey indicates the message names a key this verifier does not hold.
	ErrBadKey = errors.New("tsig: unknown key")
	// ErrBadSig indicates the MAC did not match.
	ErrBadSig = errors.New("tsig: signature verification failed")
	// ErrBadTime indicates the signing time falls outside the fudge window.
	ErrBadTime = errors.New("tsig: time outside fudge window")
	// ErrBadAlg indicates the key's algorithm is unsupported.
	ErrBadAlg = errors.New("tsig: unsupported algorithm")
	// ErrFormat indicates the TSIG record itself is malformed (MAC length
	// outside the bounds RFC 8945 §4.3 allows for the algorithm).
	ErrFormat = errors.New("tsig: malformed TSIG record")
	// ErrNoTSIG indicates the message carried no TSIG record to verify.
	ErrNoTSIG = errors.New("tsig: no TSIG record present")
)

// Key is a shared secret bound to a name and an HMAC algorithm.
type Key struct {
	Name      string // key name, compared case-insensitively
	Algorithm string // one of the Alg* constants
	Secret    []byte // raw shared secret, never base64 here
}

// baseAlgorithm strips a well-known truncation suffix ("-128", "-192",
// "-256") from alg, returning the underlying algorithm name and the
// requested truncation size in bytes (0 if alg names no truncation).
func baseAlgorithm(alg string) (string, int) {
	for _, suffix := range []string{"-128", "-192", "-256"} {
		if strings.HasSuffix(alg, suffix) && alg != AlgHMACSHA256_128 {
			bits, err := strconv.Atoi(suffix[1:])
			if err == nil {
				return strings.TrimSuffix(alg, suffix), bits / 8
			}
		}
	}
	return alg, 0
}

// newHash resolves alg to its HMAC constructor and full (untruncated) MAC
// size. AlgHMACSHA256_128 is a named RFC 4635 truncation and is resolved
// directly; any other "-128/-192/-256" suffix is handled generically by
// the truncation bounds in Verify.
func newHash(alg string) (func() hash.Hash, int, error) {
	base, _ := baseAlgorithm(alg)
	switch base {
	case AlgHMACMD5:
		return md5.New, md5.Size, nil
	case AlgHMACSHA1:
		return sha1.New, sha1.Size, nil
	case AlgHMACSHA256:
		return sha256.New, sha256.Size, nil
	case AlgHMACSHA256_128:
		return sha256.New, 16, nil
	case AlgHMACSHA384:
		return sha512.New384, sha512.Size384, nil
	case AlgHMACSHA512:
		return sha512.New, sha512.Size, nil
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrBadAlg, alg)
	}
}

// DefaultFudge is the default allowed clock skew (RFC 8945 §5.2.3 recommends 300s).
const DefaultFudge = 300 * time.Second

// Verifier looks up keys by name for incoming messages. KeyRing, loaded from
// internal/config's tsig_keys section by server.LoadKeyRing, implements it.
type Verifier interface {
	Lookup(name string) (Key, bool)
}

// SignOptions controls Sign's canonical-buffer construction.
type SignOptions struct {
	// Fudge is the allowed clock skew; zero means DefaultFudge.
	Fudge time.Duration
	// TimeSigned overrides the wall-clock signing time; zero means time.Now().
	TimeSigned time.Time
	// PriorMAC is the MAC of the previous message in a TSIG-chained TCP
	// stream (RFC 8945 §5.3.1), required on every packet of a signed
	// multi-message response after the first.
	PriorMAC []byte
	// Error and OtherData populate the TSIG error trailer (used when a
	// server signs a BADKEY/BADSIG/BADTIME failure response, RFC 8945 §5.3).
	Error     dns.RCode
	OtherData []byte
	// Abbreviated selects the RFC 8945 §5.3.1 reduced canonical form used
	// for the second and later messages of a signed multi-message TCP
	// response: only time signed and fudge are folded in, not the full
	// TSIG variable block.
	Abbreviated bool
}

// Sign computes a TSIG MAC over msg (the exact wire bytes that were or will
// be sent, NOT including any TSIG record already appended) and returns the
// TSIGData RDATA to append as an additional record, plus the raw MAC that a
// subsequent chained message must fold in as PriorMAC.
func Sign(msg []byte, requestID uint16, key Key, opts SignOptions) (dns.TSIGData, []byte, error) {
	newFn, macSize, err := newHash(key.Algorithm)
	if err != nil {
		return dns.TSIGData{}, nil, err
	}

	fudge := opts.Fudge
	if fudge <= 0 {
		fudge = DefaultFudge
	}
	when := opts.TimeSigned
	if when.IsZero() {
		when = time.Now()
	}
	timeSigned := uint64(when.Unix())

	var buf []byte
	if opts.Abbreviated {
		buf = abbreviatedBuffer(msg, timeSigned, uint16(fudge.Seconds()), opts.PriorMAC)
	} else {
		buf = canonicalBuffer(msg, requestID, key.Name, key.Algorithm, timeSigned, uint16(fudge.Seconds()), opts.Error, opts.OtherData, opts.PriorMAC)
	}

	mac := hmac.New(newFn, key.Secret)
	mac.Write(buf)
	sum := mac.Sum(nil)[:macSize]

	return dns.TSIGData{
		AlgorithmName: key.Algorithm,
		TimeSigned:    timeSigned,
		Fudge:         uint16(fudge.Seconds()),
		MAC:           sum,
		OriginalID:    requestID,
		Error:         uint16(opts.Error),
		OtherData:     opts.OtherData,
	}, sum, nil
}

// Verify checks a received message's TSIG record against the key store.
// msg must be the complete message exactly as received, including the TSIG
// record; rdataStart is the byte offset where the TSIG record begins (so the
// canonical buffer can be reconstructed from the bytes that preceded it).
func Verify(msg []byte, rdataStart int, tsigRR dns.TSIGData, owner string, verifier Verifier, priorMAC []byte) error {
	return verify(msg, rdataStart, tsigRR, owner, verifier, priorMAC, false)
}

// VerifyChained verifies a continuation packet of a signed multi-message
// TCP stream, where the peer computed the MAC over the abbreviated form
// (prior MAC + message + time signed + fudge).
func VerifyChained(msg []byte, rdataStart int, tsigRR dns.TSIGData, owner string, verifier Verifier, priorMAC []byte) error {
	return verify(msg, rdataStart, tsigRR, owner, verifier, priorMAC, true)
}

func verify(msg []byte, rdataStart int, tsigRR dns.TSIGData, owner string, verifier Verifier, priorMAC []byte, abbreviated bool) error {
	key, ok := verifier.Lookup(owner)
	if !ok {
		return ErrBadKey
	}
	if key.Algorithm != tsigRR.AlgorithmName {
		return ErrBadAlg
	}
	newFn, fullSize, err := newHash(key.Algorithm)
	if err != nil {
		return err
	}
	macSize := fullSize
	if len(tsigRR.MAC) > fullSize {
		return fmt.Errorf("%w: MAC length %d exceeds algorithm output %d", ErrFormat, len(tsigRR.MAC), fullSize)
	}
	if len(tsigRR.MAC) < fullSize {
		// A short MAC is only valid as an explicitly permitted truncation
		// (RFC 8945 §5.2.2.1: refuse below 10 bytes or below half the
		// algorithm's output, regardless of the algorithm name).
		if len(tsigRR.MAC) < 10 || len(tsigRR.MAC) < fullSize/2 {
			return fmt.Errorf("%w: MAC length %d too short for %q", ErrFormat, len(tsigRR.MAC), key.Algorithm)
		}
		macSize = len(tsigRR.MAC)
	}

	stripped := make([]byte, rdataStart)
	copy(stripped, msg[:rdataStart])
	binary.BigEndian.PutUint16(stripped[10:12], arCountMinusOne(msg))
	binary.BigEndian.PutUint16(stripped[0:2], tsigRR.OriginalID)

	var buf []byte
	if abbreviated {
		buf = abbreviatedBuffer(stripped, tsigRR.TimeSigned, tsigRR.Fudge, priorMAC)
	} else {
		buf = canonicalBuffer(stripped, tsigRR.OriginalID, key.Name, key.Algorithm, tsigRR.TimeSigned, tsigRR.Fudge, dns.RCode(tsigRR.Error), tsigRR.OtherData, priorMAC)
	}

	mac := hmac.New(newFn, key.Secret)
	mac.Write(buf)
	expected := mac.Sum(nil)[:macSize]
	if !hmac.Equal(expected, tsigRR.MAC) {
		return ErrBadSig
	}

	now := time.Now().Unix()
	signed := int64(tsigRR.TimeSigned)
	fudge := int64(tsigRR.Fudge)
	if now < signed-fudge || now > signed+fudge {
		return ErrBadTime
	}
	return nil
}

// abbreviatedBuffer is the RFC 8945 §5.3.1 reduced form for continuation
// packets of a chained TCP stream: prior MAC (length-prefixed), message
// bytes, then only time signed and fudge.
func abbreviatedBuffer(msg []byte, timeSigned uint64, fudge uint16, priorMAC []byte) []byte {
	var buf []byte
	if len(priorMAC) > 0 {
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(priorMAC)))
		buf = append(buf, lenBuf...)
		buf = append(buf, priorMAC...)
	}
	buf = append(buf, msg...)

	timeBuf := make([]byte, 8)
	binary.BigEndian.PutUint16(timeBuf[0:2], uint16(timeSigned>>32))
	binary.BigEndian.PutUint32(timeBuf[2:6], uint32(timeSigned))
	binary.BigEndian.PutUint16(timeBuf[6:8], fudge)
	return append(buf, timeBuf...)
}

// KeyRing is a static key store keyed by the normalized key name. It is the
// simplest Verifier: the server loads it once from configuration.
type KeyRing map[string]Key

// NewKeyRing indexes keys by their normalized name.
func NewKeyRing(keys []Key) KeyRing {
	r := make(KeyRing, len(keys))
	for _, k := range keys {
		r[dns.NormalizeName(k.Name)] = k
	}
	return r
}

// Lookup implements Verifier.
func (r KeyRing) Lookup(name string) (Key, bool) {
	k, ok := r[dns.NormalizeName(name)]
	return k, ok
}

// Names returns the key names in the ring, for diagnostics surfaces that
// must never expose the secrets themselves.
func (r KeyRing) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}

func arCountMinusOne(msg []byte) uint16 {
	ar := binary.BigEndian.Uint16(msg[10:12])
	if ar == 0 {
		return 0
	}
	return ar - 1
}

// canonicalBuffer builds the data HMAC'd over, per RFC 8945 §4.2:
//
//	prior MAC (length-prefixed) when continuing a chained TCP stream +
//	DNS message (original ID substituted in, without the TSIG RR) +
//	NAME (key name, uncompressed, lowercase) + CLASS (ANY) + TTL (0) +
//	Algorithm Name (uncompressed, lowercase) +
//	time signed (48-bit) + fudge (16-bit) +
//	error (16-bit) + other len (16-bit) + other data (always present here;
//	abbreviatedBuffer builds the shorter form).
func canonicalBuffer(msgWithOriginalID []byte, _ uint16, keyName, alg string, timeSigned uint64, fudge uint16, tsigErr dns.RCode, otherData []byte, priorMAC []byte) []byte {
	var buf []byte

	if len(priorMAC) > 0 {
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(priorMAC)))
		buf = append(buf, lenBuf...)
		buf = append(buf, priorMAC...)
	}

	buf = append(buf, msgWithOriginalID...)

	nameWire, _ := dns.EncodeName(dns.NormalizeName(keyName))
	buf = append(buf, nameWire...)

	classTTL := make([]byte, 6)
	binary.BigEndian.PutUint16(classTTL[0:2], 255) // CLASS = ANY
	buf = append(buf, classTTL...)                 // TTL = 0

	algWire, _ := dns.EncodeName(dns.NormalizeName(alg))
	buf = append(buf, algWire...)

	timeBuf := make([]byte, 8)
	binary.BigEndian.PutUint16(timeBuf[0:2], uint16(timeSigned>>32))
	binary.BigEndian.PutUint32(timeBuf[2:6], uint32(timeSigned))
	binary.BigEndian.PutUint16(timeBuf[6:8], fudge)
	buf = append(buf, timeBuf...)

	tail := make([]byte, 4)
	binary.BigEndian.PutUint16(tail[0:2], uint16(tsigErr))
	binary.BigEndian.PutUint16(tail[2:4], uint16(len(otherData)))
	buf = append(buf, tail...)
	buf = append(buf, otherData...)

	return buf
}
