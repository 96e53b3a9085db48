package server

import (
	"testing"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txtRecord(name string) dns.Record {
	return dns.Record{
		Name: name, Type: uint16(dns.TypeTXT), Class: 1, TTL: 60,
		Data: []byte{15, '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e'},
	}
}

func optRecord(size uint16) dns.Record {
	return dns.Record{Name: "", Type: uint16(dns.TypeOPT), Class: size, TTL: 0, Data: []byte{}}
}

func buildBulkResponse(answers, authorities, additionals int) dns.Packet {
	p := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.QRFlag},
		Questions: []dns.Question{{Name: "bulk.example.com", Type: uint16(dns.TypeTXT), Class: uint16(dns.ClassIN)}},
	}
	for range answers {
		p.Answers = append(p.Answers, txtRecord("bulk.example.com"))
	}
	for range authorities {
		p.Authorities = append(p.Authorities, dns.Record{Name: "example.com", Type: uint16(dns.TypeNS), Class: 1, TTL: 60, Data: "ns1.example.com"})
	}
	for range additionals {
		p.Additionals = append(p.Additionals, txtRecord("extra.example.com"))
	}
	return p
}

func TestTruncateToBudget_FitsUnchanged(t *testing.T) {
	resp := buildBulkResponse(1, 0, 0)
	out := truncateToBudget(resp, 4096)

	assert.False(t, out.Header.TC())
	assert.Len(t, out.Answers, 1)
	assert.Len(t, out.Questions, 1)
}

func TestTruncateToBudget_DropsAdditionalsFirstWithoutTC(t *testing.T) {
	// Small answer section, bloated additionals: dropping the additionals
	// alone must bring it under budget, and that drop does not set TC.
	resp := buildBulkResponse(2, 0, 30)
	resp.Additionals = append(resp.Additionals, optRecord(4096))

	out := truncateToBudget(resp, 300)
	b, err := out.MarshalCompressed()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), 300)
	assert.False(t, out.Header.TC(), "dropping only additionals must not set TC")
	assert.Len(t, out.Answers, 2)

	// The OPT record survives the additional purge.
	require.Len(t, out.Additionals, 1)
	assert.Equal(t, dns.TypeOPT, dns.RecordType(out.Additionals[0].Type))
}

func TestTruncateToBudget_DropsAuthorityThenAnswerTail(t *testing.T) {
	resp := buildBulkResponse(30, 10, 5)

	out := truncateToBudget(resp, dns.DefaultUDPPayloadSize)
	b, err := out.MarshalCompressed()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), dns.DefaultUDPPayloadSize)
	assert.True(t, out.Header.TC(), "TC must be set once authority/answer records drop")
	assert.Empty(t, out.Authorities, "authority tail drops before answers")
	assert.Less(t, len(out.Answers), 30)
	assert.Len(t, out.Questions, 1, "question survives while answers still fit")
}

func TestTruncateToBudget_KeepsAnswersThatFit(t *testing.T) {
	resp := buildBulkResponse(50, 0, 0)

	out := truncateToBudget(resp, dns.DefaultUDPPayloadSize)
	b, err := out.MarshalCompressed()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), dns.DefaultUDPPayloadSize)
	assert.True(t, out.Header.TC())
	assert.NotEmpty(t, out.Answers, "partial answer set should remain, not an empty message")
}

func TestTruncateToBudget_InputUnmodified(t *testing.T) {
	resp := buildBulkResponse(30, 5, 5)
	_ = truncateToBudget(resp, dns.DefaultUDPPayloadSize)

	assert.Len(t, resp.Answers, 30, "caller's packet must not be mutated")
	assert.Len(t, resp.Authorities, 5)
	assert.Len(t, resp.Additionals, 5)
	assert.False(t, resp.Header.TC())
}

func TestUDPResponseBudget(t *testing.T) {
	plainReq := buildBulkResponse(0, 0, 0)
	plainResp := buildBulkResponse(1, 0, 0)

	ednsReq := buildBulkResponse(0, 0, 0)
	ednsReq.Additionals = append(ednsReq.Additionals, optRecord(4096))
	ednsResp := buildBulkResponse(1, 0, 0)
	ednsResp.Additionals = append(ednsResp.Additionals, optRecord(1232))

	tests := []struct {
		name string
		req  dns.Packet
		resp dns.Packet
		want int
	}{
		{"no EDNS anywhere", plainReq, plainResp, dns.DefaultUDPPayloadSize},
		{"EDNS request only", ednsReq, plainResp, dns.DefaultUDPPayloadSize},
		{"EDNS response only", plainReq, ednsResp, dns.DefaultUDPPayloadSize},
		{"both sides EDNS", ednsReq, ednsResp, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, udpResponseBudget(tt.req, tt.resp))
		})
	}
}

func TestUDPResponseBudget_ClampsSmallAndHugeAdvertisements(t *testing.T) {
	small := buildBulkResponse(0, 0, 0)
	small.Additionals = append(small.Additionals, optRecord(100))
	resp := buildBulkResponse(1, 0, 0)
	resp.Additionals = append(resp.Additionals, optRecord(1232))

	assert.Equal(t, dns.DefaultUDPPayloadSize, udpResponseBudget(small, resp),
		"advertisements below 512 are raised to 512")

	huge := buildBulkResponse(0, 0, 0)
	huge.Additionals = append(huge.Additionals, optRecord(65535))
	assert.Equal(t, dns.EDNSMaxUDPPayloadSize, udpResponseBudget(huge, resp),
		"advertisements above the practical ceiling are clamped")
}
