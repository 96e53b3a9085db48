package query

import (
	"context"
	"sync"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/transport"
)

// QueryParallel sends a single UDP datagram to every configured endpoint
// concurrently and collects whatever responses arrive before the query
// timeout elapses. Parallel mode only makes sense for UDP datagrams and
// refuses zone-transfer queries.
func (c *Client) QueryParallel(ctx context.Context, q dns.Question) ([]*Result, error) {
	if isZoneTransfer(q.Type) {
		return nil, ErrParallelForbidsZoneTransfer
	}

	queryName := q.Name
	if c.cfg.CaseRandomization0x20 {
		randomized, err := randomizeCase(q.Name)
		if err != nil {
			return nil, err
		}
		queryName = randomized
	}
	q.Name = queryName

	txid, err := nextTransactionID()
	if err != nil {
		return nil, err
	}
	reqBytes, _, err := buildQuery(txid, q, nil)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(c.endpoints))
	var wg sync.WaitGroup
	for i, ep := range c.endpoints {
		wg.Add(1)
		go func(i int, ep transport.Endpoint) {
			defer wg.Done()
			respBytes, err := transport.SendUDP(ctx, ep, reqBytes, c.cfg.Timeout)
			if err != nil {
				return
			}
			resp, err := dns.ParsePacket(respBytes)
			if err != nil {
				return
			}
			if c.cfg.ResponseValidation && !questionsMatch(q.Name, q.Type, q.Class, respBytes, resp, c.cfg.CaseRandomization0x20) {
				return
			}
			results[i] = &Result{Packet: resp, Answers: resp.Answers}
		}(i, ep)
	}
	wg.Wait()

	out := make([]*Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
