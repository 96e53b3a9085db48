// Command dnsquery is a small dig-like client over the query engine:
// endpoint failover, UDP with TCP escalation, optional TSIG signing, 0x20
// case randomization, and zone transfers.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/query"
	"github.com/nodeglade/dnscore/internal/transport"
	"github.com/nodeglade/dnscore/internal/tsig"
)

func main() {
	var (
		server    = flag.String("server", "8.8.8.8:53", "DNS server HOST:PORT")
		name      = flag.String("name", "example.com", "Query name")
		qtype     = flag.Int("qtype", 1, "Query type (numeric, A=1, AXFR=252)")
		timeout   = flag.Duration("timeout", 2*time.Second, "Per-endpoint timeout")
		noVerify  = flag.Bool("no-validate", false, "Disable response question validation")
		dns0x20   = flag.Bool("0x20", false, "Randomize query name letter case")
		tcpOnly   = flag.Bool("tcp", false, "Force TCP")
		tsigName  = flag.String("tsig-name", "", "TSIG key name")
		tsigAlg   = flag.String("tsig-alg", tsig.AlgHMACSHA256, "TSIG algorithm")
		tsigB64   = flag.String("tsig-secret", "", "TSIG shared secret (base64)")
		quiet     = flag.Bool("quiet", false, "Suppress output (exit status indicates success)")
	)
	flag.Parse()

	res, err := runQuery(*server, *name, uint16(*qtype), *timeout, *noVerify, *dns0x20, *tcpOnly, *tsigName, *tsigAlg, *tsigB64)
	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "dnsquery error: %v\n", err)
		}
		os.Exit(1)
	}
	if *quiet {
		return
	}

	p := res.Packet
	fmt.Printf("id=%d rcode=%d answers=%d authorities=%d additionals=%d\n",
		p.Header.ID,
		dns.RCodeFromFlags(p.Header.Flags),
		len(res.Answers),
		len(p.Authorities),
		len(p.Additionals),
	)

	rows := make([]string, 0, len(res.Answers))
	for _, rr := range res.Answers {
		rows = append(rows, formatRR(rr))
	}
	sort.Strings(rows)
	for _, s := range rows {
		fmt.Println(s)
	}
}

func runQuery(server, name string, qtype uint16, timeout time.Duration, noVerify, dns0x20, tcpOnly bool, tsigName, tsigAlg, tsigB64 string) (*query.Result, error) {
	host, portStr, err := net.SplitHostPort(server)
	port := 53
	if err == nil {
		fmt.Sscanf(portStr, "%d", &port)
	} else {
		host = server
	}

	c, err := query.NewClient(query.Config{
		Servers:               []transport.Server{{Host: host, Port: port}},
		Timeout:               timeout,
		ResponseValidation:    !noVerify,
		CaseRandomization0x20: dns0x20,
		UDPDisabled:           tcpOnly,
	})
	if err != nil {
		return nil, err
	}
	defer c.Close()

	q := dns.Question{Name: strings.TrimSuffix(name, "."), Type: qtype, Class: uint16(dns.ClassIN)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*3)
	defer cancel()

	if tsigName != "" {
		secret, err := base64.StdEncoding.DecodeString(tsigB64)
		if err != nil {
			return nil, fmt.Errorf("bad tsig secret: %w", err)
		}
		return c.Query(ctx, q, query.SignOptions{Key: tsig.Key{Name: tsigName, Algorithm: tsigAlg, Secret: secret}})
	}
	return c.Query(ctx, q)
}

func formatRR(rr dns.Record) string {
	name := rr.Name
	if name == "" {
		name = "."
	}
	switch dns.RecordType(rr.Type) {
	case dns.TypeA:
		if b, ok := rr.Data.([]byte); ok && len(b) == 4 {
			return fmt.Sprintf("%s %d IN A %d.%d.%d.%d", name, rr.TTL, b[0], b[1], b[2], b[3])
		}
	case dns.TypeAAAA:
		if b, ok := rr.Data.([]byte); ok && len(b) == 16 {
			ip := net.IP(b)
			return fmt.Sprintf("%s %d IN AAAA %s", name, rr.TTL, ip.String())
		}
	case dns.TypeCNAME:
		if s, ok := rr.Data.(string); ok {
			return fmt.Sprintf("%s %d IN CNAME %s", name, rr.TTL, s)
		}
	case dns.TypeNS:
		if s, ok := rr.Data.(string); ok {
			return fmt.Sprintf("%s %d IN NS %s", name, rr.TTL, s)
		}
	case dns.TypePTR:
		if s, ok := rr.Data.(string); ok {
			return fmt.Sprintf("%s %d IN PTR %s", name, rr.TTL, s)
		}
	case dns.TypeMX:
		if mx, ok := rr.Data.(dns.MXData); ok {
			return fmt.Sprintf("%s %d IN MX %d %s", name, rr.TTL, mx.Preference, mx.Exchange)
		}
	case dns.TypeSOA:
		if soa, ok := rr.Data.(dns.SOAData); ok {
			return fmt.Sprintf("%s %d IN SOA %s %s %d", name, rr.TTL, soa.MName, soa.RName, soa.Serial)
		}
	case dns.TypeTXT:
		if b, ok := rr.Data.([]byte); ok {
			txt := dns.TXTRecord{Raw: b}
			return fmt.Sprintf("%s %d IN TXT %q", name, rr.TTL, strings.Join(txt.Strings(), ""))
		}
	}
	return fmt.Sprintf("%s %d IN TYPE%d (unparsed)", name, rr.TTL, rr.Type)
}
