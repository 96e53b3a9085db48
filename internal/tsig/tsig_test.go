package tsig

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret
}

func testMessage(t *testing.T, id uint16) []byte {
	t.Helper()
	p := dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

// appendSigned appends the TSIG record to msg and bumps ARCOUNT, returning
// the full signed wire message and the offset where the record begins.
func appendSigned(t *testing.T, msg []byte, keyName string, data dns.TSIGData) ([]byte, int) {
	t.Helper()
	rec := dns.Record{Name: dns.NormalizeName(keyName), Type: uint16(dns.TypeTSIG), Class: 255, TTL: 0, Data: data}
	wire, err := rec.Marshal()
	require.NoError(t, err)

	out := append(append([]byte(nil), msg...), wire...)
	ar := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], ar+1)
	return out, len(msg)
}

func signAndAppend(t *testing.T, msg []byte, id uint16, key Key, opts SignOptions) ([]byte, int, []byte) {
	t.Helper()
	data, mac, err := Sign(msg, id, key, opts)
	require.NoError(t, err)
	signed, start := appendSigned(t, msg, key.Name, data)
	return signed, start, mac
}

func extractTSIG(t *testing.T, signed []byte) (dns.TSIGData, string) {
	t.Helper()
	p, err := dns.ParsePacket(signed)
	require.NoError(t, err)
	require.NotEmpty(t, p.Additionals)
	last := p.Additionals[len(p.Additionals)-1]
	require.Equal(t, dns.TypeTSIG, dns.RecordType(last.Type))
	data, ok := last.Data.(dns.TSIGData)
	require.True(t, ok)
	return data, last.Name
}

func TestSignVerifyRoundTrip_AllAlgorithms(t *testing.T) {
	algorithms := []string{
		AlgHMACMD5,
		AlgHMACSHA1,
		AlgHMACSHA256,
		AlgHMACSHA256_128,
		AlgHMACSHA384,
		AlgHMACSHA512,
	}

	for _, alg := range algorithms {
		t.Run(alg, func(t *testing.T) {
			key := Key{Name: "k1.example", Algorithm: alg, Secret: testSecret()}
			ring := NewKeyRing([]Key{key})

			msg := testMessage(t, 0x1234)
			signed, start, _ := signAndAppend(t, msg, 0x1234, key, SignOptions{})
			data, owner := extractTSIG(t, signed)

			assert.NoError(t, Verify(signed, start, data, owner, ring, nil))
		})
	}
}

func TestVerify_WrongKeyFails(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	other := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: []byte("a-completely-different-secret-32")}

	msg := testMessage(t, 0x1234)
	signed, start, _ := signAndAppend(t, msg, 0x1234, key, SignOptions{})
	data, owner := extractTSIG(t, signed)

	assert.ErrorIs(t, Verify(signed, start, data, owner, NewKeyRing([]Key{other}), nil), ErrBadSig)
}

func TestVerify_TamperedMessageFails(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	msg := testMessage(t, 0x1234)
	signed, start, _ := signAndAppend(t, msg, 0x1234, key, SignOptions{})
	data, owner := extractTSIG(t, signed)

	// Every flipped byte of the signed body must break the MAC.
	for _, pos := range []int{dns.HeaderSize, dns.HeaderSize + 3, start - 1} {
		tampered := append([]byte(nil), signed...)
		tampered[pos] ^= 0x01
		assert.ErrorIs(t, Verify(tampered, start, data, owner, ring, nil), ErrBadSig, "byte %d", pos)
	}
}

func TestVerify_UnknownKey(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{{Name: "other.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}})

	msg := testMessage(t, 1)
	signed, start, _ := signAndAppend(t, msg, 1, key, SignOptions{})
	data, owner := extractTSIG(t, signed)

	assert.ErrorIs(t, Verify(signed, start, data, owner, ring, nil), ErrBadKey)
}

func TestVerify_AlgorithmMismatch(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{{Name: "k1.example", Algorithm: AlgHMACSHA512, Secret: testSecret()}})

	msg := testMessage(t, 1)
	signed, start, _ := signAndAppend(t, msg, 1, key, SignOptions{})
	data, owner := extractTSIG(t, signed)

	assert.ErrorIs(t, Verify(signed, start, data, owner, ring, nil), ErrBadAlg)
}

func TestVerify_TimeOutsideFudge(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	msg := testMessage(t, 1)
	signed, start, _ := signAndAppend(t, msg, 1, key, SignOptions{
		TimeSigned: time.Now().Add(-time.Hour),
		Fudge:      DefaultFudge,
	})
	data, owner := extractTSIG(t, signed)

	assert.ErrorIs(t, Verify(signed, start, data, owner, ring, nil), ErrBadTime)
}

func TestVerify_MACLengthBounds(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	msg := testMessage(t, 1)
	data, _, err := Sign(msg, 1, key, SignOptions{})
	require.NoError(t, err)

	// Longer than the algorithm output.
	long := data
	long.MAC = append(append([]byte(nil), data.MAC...), 0xFF)
	signed, start := appendSigned(t, msg, key.Name, long)
	got, owner := extractTSIG(t, signed)
	assert.ErrorIs(t, Verify(signed, start, got, owner, ring, nil), ErrFormat)

	// Shorter than both 10 bytes and half the algorithm output.
	short := data
	short.MAC = data.MAC[:8]
	signed, start = appendSigned(t, msg, key.Name, short)
	got, owner = extractTSIG(t, signed)
	assert.ErrorIs(t, Verify(signed, start, got, owner, ring, nil), ErrFormat)
}

func TestVerify_TruncatedMACAccepted(t *testing.T) {
	// hmac-sha256-128 is a named truncation: 16-byte MACs that prefix-match
	// the full digest verify cleanly.
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256_128, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	msg := testMessage(t, 7)
	signed, start, mac := signAndAppend(t, msg, 7, key, SignOptions{})
	require.Len(t, mac, 16)
	data, owner := extractTSIG(t, signed)

	assert.NoError(t, Verify(signed, start, data, owner, ring, nil))
}

func TestSignVerify_RequestMACPrefix(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	reqMAC := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	msg := testMessage(t, 2)
	signed, start, _ := signAndAppend(t, msg, 2, key, SignOptions{PriorMAC: reqMAC})
	data, owner := extractTSIG(t, signed)

	assert.NoError(t, Verify(signed, start, data, owner, ring, reqMAC))
	assert.ErrorIs(t, Verify(signed, start, data, owner, ring, nil), ErrBadSig,
		"verification without the request MAC must fail")
}

func TestSignVerify_ChainedAbbreviated(t *testing.T) {
	key := Key{Name: "k1.example", Algorithm: AlgHMACSHA256, Secret: testSecret()}
	ring := NewKeyRing([]Key{key})

	// First packet: full variables, request MAC as prefix.
	reqMAC := make([]byte, 32)
	first := testMessage(t, 3)
	signedFirst, startFirst, macFirst := signAndAppend(t, first, 3, key, SignOptions{PriorMAC: reqMAC})
	dataFirst, owner := extractTSIG(t, signedFirst)
	require.NoError(t, Verify(signedFirst, startFirst, dataFirst, owner, ring, reqMAC))

	// Continuation packet: abbreviated variables, chained from the first.
	second := testMessage(t, 3)
	signedSecond, startSecond, _ := signAndAppend(t, second, 3, key, SignOptions{PriorMAC: macFirst, Abbreviated: true})
	dataSecond, owner := extractTSIG(t, signedSecond)

	assert.NoError(t, VerifyChained(signedSecond, startSecond, dataSecond, owner, ring, macFirst))
	assert.ErrorIs(t, Verify(signedSecond, startSecond, dataSecond, owner, ring, macFirst), ErrBadSig,
		"a chained packet does not verify under the full canonical form")
}
