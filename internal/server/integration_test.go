package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/query"
	"github.com/nodeglade/dnscore/internal/transport"
	"github.com/nodeglade/dnscore/internal/tsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startUDP runs a UDPServer on an ephemeral localhost port and returns the
// bound port.
func startUDP(t *testing.T, h *QueryHandler) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err, "listen udp failed")
	port := conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	srv := &UDPServer{Handler: h, WorkersPerSocket: 8}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.RunOnConn(ctx, conn) }()
	t.Cleanup(func() {
		_ = srv.Stop(2 * time.Second)
		cancel()
		<-errCh
	})
	return port
}

// startTCP runs a TCPServer on the given localhost port.
func startTCP(t *testing.T, h *QueryHandler, port int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := &TCPServer{Handler: h}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, net.JoinHostPort("127.0.0.1", itoa(port))) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	// Give the listeners a beat to come up.
	time.Sleep(50 * time.Millisecond)
}

func newTestClient(t *testing.T, port int, mutate func(*query.Config)) *query.Client {
	t.Helper()
	cfg := query.Config{
		Servers:            []transport.Server{{Host: "127.0.0.1", Port: port}},
		Timeout:            2 * time.Second,
		ResponseValidation: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := query.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// A client query for one A record returns NOERROR, the echoed question, and
// the configured address.
func TestEndToEnd_ARecordQuery(t *testing.T) {
	h := &QueryHandler{
		Handler: &staticHandler{answers: []dns.Record{
			{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 3600, Data: []byte{93, 184, 216, 34}},
		}},
		Timeout: 2 * time.Second,
	}
	port := startUDP(t, h)
	c := newTestClient(t, port, nil)

	res, err := c.Query(context.Background(), dns.Question{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)})
	require.NoError(t, err)

	assert.Equal(t, dns.RCodeNoError, res.Packet.Header.RCode())
	require.Len(t, res.Packet.Questions, 1)
	assert.Equal(t, "example.com", res.Packet.Questions[0].Name)
	require.Len(t, res.Answers, 1)
	ip, ok := res.Answers[0].IPv4()
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", ip)
}

// A 50-record response without EDNS truncates over UDP (TC=1, ≤512 octets);
// the client transparently re-issues over TCP and receives every answer.
func TestEndToEnd_TruncationThenTCPRetry(t *testing.T) {
	answers := make([]dns.Record, 0, 50)
	for range 50 {
		answers = append(answers, dns.Record{
			Name: "bulk.example.com", Type: uint16(dns.TypeTXT), Class: uint16(dns.ClassIN), TTL: 60,
			Data: []byte{15, 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x'},
		})
	}
	h := &QueryHandler{Handler: &staticHandler{answers: answers}, Timeout: 2 * time.Second}
	port := startUDP(t, h)
	startTCP(t, h, port)
	c := newTestClient(t, port, nil)

	res, err := c.Query(context.Background(), dns.Question{Name: "bulk.example.com", Type: uint16(dns.TypeTXT), Class: uint16(dns.ClassIN)})
	require.NoError(t, err)

	assert.False(t, res.Packet.Header.TC(), "final response must be the complete TCP one")
	assert.Len(t, res.Answers, 50, "TCP retry must deliver every answer")
}

// A TSIG-signed query round-trips: the server verifies the request, signs
// the response, and the client's verification accepts it.
func TestEndToEnd_TSIGSignedExchange(t *testing.T) {
	key := testKey()
	h := &QueryHandler{
		Handler: &staticHandler{answers: []dns.Record{
			{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 300, Data: []byte{192, 0, 2, 7}},
		}},
		Keys:    tsig.NewKeyRing([]tsig.Key{key}),
		Timeout: 2 * time.Second,
	}
	port := startUDP(t, h)
	c := newTestClient(t, port, nil)

	res, err := c.Query(context.Background(),
		dns.Question{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)},
		query.SignOptions{Key: key})
	require.NoError(t, err, "verification of the signed response must succeed")
	require.Len(t, res.Answers, 1)
}

// A signed query under the wrong key never reaches the handler and the
// client rejects the unauthenticated failure reply.
func TestEndToEnd_TSIGWrongKeyRejected(t *testing.T) {
	serverKey := testKey()
	wrongKey := tsig.Key{Name: serverKey.Name, Algorithm: serverKey.Algorithm, Secret: []byte("completely-different-secret--32b")}

	hs := &staticHandler{answers: []dns.Record{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 300, Data: []byte{192, 0, 2, 7}}}}
	h := &QueryHandler{Handler: hs, Keys: tsig.NewKeyRing([]tsig.Key{serverKey}), Timeout: 2 * time.Second}
	port := startUDP(t, h)
	c := newTestClient(t, port, nil)

	_, err := c.Query(context.Background(),
		dns.Question{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)},
		query.SignOptions{Key: wrongKey})
	assert.Error(t, err, "client must reject a response it cannot authenticate")
	assert.Equal(t, 0, hs.callCount, "handler must never see the forged request")
}

// An AXFR response split across multiple TCP messages reassembles in order
// on the client.
func TestEndToEnd_AXFRContinuation(t *testing.T) {
	soa := dns.Record{Name: "zone.example", Type: uint16(dns.TypeSOA), Class: uint16(dns.ClassIN), TTL: 300, Data: dns.SOAData{
		MName: "ns1.zone.example", RName: "hostmaster.zone.example", Serial: 11, Refresh: 2, Retry: 3, Expire: 4, Minimum: 5,
	}}
	answers := []dns.Record{soa}
	blob := make([]byte, 1500)
	for range 120 {
		answers = append(answers, dns.Record{Name: "zone.example", Type: 4242, Class: uint16(dns.ClassIN), TTL: 60, Data: blob})
	}
	answers = append(answers, soa)

	h := &QueryHandler{Handler: &staticHandler{answers: answers}, Timeout: 5 * time.Second}
	// AXFR runs over TCP only; bind an ephemeral UDP socket just to pick
	// a free port for the TCP listeners.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	_ = probe.Close()
	startTCP(t, h, port)

	c := newTestClient(t, port, nil)

	res, err := c.Query(context.Background(), dns.Question{Name: "zone.example", Type: uint16(dns.TypeAXFR), Class: uint16(dns.ClassIN)})
	require.NoError(t, err)

	require.Len(t, res.Answers, len(answers), "reassembled stream must carry every record in order")
	assert.Equal(t, dns.TypeSOA, dns.RecordType(res.Answers[0].Type))
	assert.Equal(t, dns.TypeSOA, dns.RecordType(res.Answers[len(res.Answers)-1].Type))
}
