package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/query"
)

// ClientResolver backs the evaluator with the library's own query engine,
// so SPF rides the same endpoint failover, validation, and transport rules
// as every other lookup.
type ClientResolver struct {
	Client *query.Client
}

var _ Resolver = (*ClientResolver)(nil)

func (r *ClientResolver) query(ctx context.Context, name string, qtype dns.RecordType) ([]dns.Record, error) {
	res, err := r.Client.Query(ctx, dns.Question{
		Name:  dns.NormalizeName(name),
		Type:  uint16(qtype),
		Class: uint16(dns.ClassIN),
	})
	if err != nil {
		return nil, err
	}
	switch res.Packet.Header.RCode() {
	case dns.RCodeNoError:
	case dns.RCodeNXDomain:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		return nil, fmt.Errorf("spf: lookup %s returned rcode %d", name, res.Packet.Header.RCode())
	}
	if len(res.Answers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return res.Answers, nil
}

// LookupTXT implements Resolver.
func (r *ClientResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range answers {
		if dns.RecordType(rr.Type) != dns.TypeTXT {
			continue
		}
		raw, ok := rr.Data.([]byte)
		if !ok {
			continue
		}
		txt := &dns.TXTRecord{Raw: raw}
		out = append(out, strings.Join(txt.Strings(), ""))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

// LookupIP implements Resolver: both address families, merged.
func (r *ClientResolver) LookupIP(ctx context.Context, name string) ([]net.IP, error) {
	var out []net.IP
	var lastErr error
	for _, qtype := range []dns.RecordType{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range answers {
			if b, ok := rr.Data.([]byte); ok && (len(b) == 4 || len(b) == 16) {
				out = append(out, net.IP(b))
			}
		}
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

// LookupMX implements Resolver, returning target hosts in preference order.
func (r *ClientResolver) LookupMX(ctx context.Context, name string) ([]string, error) {
	answers, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	type mx struct {
		pref uint16
		host string
	}
	var mxs []mx
	for _, rr := range answers {
		if data, ok := rr.Data.(dns.MXData); ok {
			mxs = append(mxs, mx{pref: data.Preference, host: data.Exchange})
		}
	}
	// Insertion sort: MX sets are tiny.
	for i := 1; i < len(mxs); i++ {
		for j := i; j > 0 && mxs[j].pref < mxs[j-1].pref; j-- {
			mxs[j], mxs[j-1] = mxs[j-1], mxs[j]
		}
	}
	out := make([]string, 0, len(mxs))
	for _, m := range mxs {
		out = append(out, m.host)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

// LookupAddr implements Resolver via a PTR query on the reverse name.
func (r *ClientResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	reverse, err := reverseName(ip)
	if err != nil {
		return nil, err
	}
	answers, err := r.query(ctx, reverse, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range answers {
		if s, ok := rr.Data.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reverse)
	}
	return out, nil
}

// reverseName builds the in-addr.arpa / ip6.arpa owner name for ip.
func reverseName(ip net.IP) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", v4[3], v4[2], v4[1], v4[0]), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return "", fmt.Errorf("spf: invalid IP %v", ip)
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(v6)*4 + len("ip6.arpa"))
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteByte(hexDigits[v6[i]&0x0F])
		b.WriteByte('.')
		b.WriteByte(hexDigits[v6[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString("ip6.arpa")
	return b.String(), nil
}

// NetResolver adapts the standard library resolver, for callers that want
// SPF evaluation against the host's configured DNS instead of explicit
// upstream servers.
type NetResolver struct {
	R *net.Resolver // nil means net.DefaultResolver
}

var _ Resolver = (*NetResolver)(nil)

func (n *NetResolver) resolver() *net.Resolver {
	if n.R != nil {
		return n.R
	}
	return net.DefaultResolver
}

func mapNetError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, dnsErr.Name)
	}
	return err
}

// LookupTXT implements Resolver.
func (n *NetResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	out, err := n.resolver().LookupTXT(ctx, name)
	if err != nil {
		return nil, mapNetError(err)
	}
	return out, nil
}

// LookupIP implements Resolver.
func (n *NetResolver) LookupIP(ctx context.Context, name string) ([]net.IP, error) {
	addrs, err := n.resolver().LookupIPAddr(ctx, name)
	if err != nil {
		return nil, mapNetError(err)
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.IP)
	}
	return out, nil
}

// LookupMX implements Resolver.
func (n *NetResolver) LookupMX(ctx context.Context, name string) ([]string, error) {
	mxs, err := n.resolver().LookupMX(ctx, name)
	if err != nil {
		return nil, mapNetError(err)
	}
	out := make([]string, 0, len(mxs))
	for _, m := range mxs {
		out = append(out, strings.TrimSuffix(m.Host, "."))
	}
	return out, nil
}

// LookupAddr implements Resolver.
func (n *NetResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	names, err := n.resolver().LookupAddr(ctx, ip.String())
	if err != nil {
		return nil, mapNetError(err)
	}
	return names, nil
}
