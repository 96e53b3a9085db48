package spf

import (
	"context"
	"errors"
	"net"
	"strings"
)

// maxNameChecks bounds the MX hosts and PTR names examined per mechanism.
const maxNameChecks = 10

// evaluation is the mutable state of one CheckHost call, shared across
// include/redirect recursion so the lookup budget is global.
type evaluation struct {
	checker *Checker
	ip      net.IP
	sender  string
	helo    string

	budget int
	spent  int

	// validatedDomain caches the %{p} PTR validation result.
	validatedDomain string
	validatedDone   bool
}

// errBudget is an internal sentinel: the lookup budget is exhausted and
// the evaluation must collapse to PermError without further queries.
var errBudget = errors.New("spf: lookup budget exceeded")

// spend accounts one DNS query against the budget.
func (ev *evaluation) spend() error {
	if ev.spent >= ev.budget {
		return errBudget
	}
	ev.spent++
	return nil
}

// checkHost is the recursive core. depth guards runaway include loops that
// somehow dodge the lookup budget.
func (ev *evaluation) checkHost(ctx context.Context, domain string, depth int) (Result, string) {
	if depth > 40 {
		return PermError, ""
	}

	rec, result, ok := ev.fetchRecord(ctx, domain)
	if !ok {
		return result, ""
	}

	mc := ev.macroContext(domain)

	for _, m := range rec.mechanisms {
		matched, merr := ev.matchMechanism(ctx, m, domain, mc, depth)
		if merr != nil {
			return collapse(merr), ""
		}
		if matched {
			res := m.qual.result()
			if res == Fail && rec.exp != "" {
				return Fail, ev.explanation(ctx, rec.exp, mc)
			}
			return res, ""
		}
	}

	if rec.redirect != "" {
		target, err := ev.expand(ctx, rec.redirect, mc, false)
		if err != nil {
			return PermError, ""
		}
		res, explanation := ev.checkHost(ctx, target, depth+1)
		if res == None {
			// A redirect to a domain without a record is a broken policy.
			return PermError, ""
		}
		return res, explanation
	}

	return Neutral, ""
}

// fetchRecord acquires and parses the domain's policy record. ok=false
// means evaluation ends immediately with the returned result.
func (ev *evaluation) fetchRecord(ctx context.Context, domain string) (record, Result, bool) {
	if err := ev.spend(); err != nil {
		return record{}, PermError, false
	}
	txts, err := ev.checker.Resolver.LookupTXT(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return record{}, None, false
		}
		return record{}, TempError, false
	}

	var matched []string
	for _, txt := range txts {
		fields := strings.Fields(txt)
		if len(fields) == 0 {
			continue
		}
		if matchesScope(fields[0], ev.checker.Scope) {
			matched = append(matched, txt)
		}
	}
	switch len(matched) {
	case 0:
		return record{}, None, false
	case 1:
	default:
		// More than one record for the scope is unusable.
		return record{}, PermError, false
	}

	rec, err := parseRecord(strings.Fields(matched[0])[1:])
	if err != nil {
		return record{}, PermError, false
	}
	return rec, None, true
}

// collapse maps internal errors onto the SPF result lattice.
func collapse(err error) Result {
	switch {
	case errors.Is(err, errBudget), errors.Is(err, errPermanent):
		return PermError
	case errors.Is(err, ErrNotFound):
		// Should have been handled as a non-match; treat as broken policy.
		return PermError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return TempError
	default:
		return TempError
	}
}

var errPermanent = errors.New("spf: permanent evaluation error")

// expand expands a domain-spec (or, with exp set, an explanation string).
// When the pattern references the %{p} macro, the PTR-validated domain is
// resolved first so the expansion never falls back to "unknown" while a
// validating PTR record exists. The resolution is lazy: patterns without
// %{p} spend no lookups on it.
func (ev *evaluation) expand(ctx context.Context, pattern string, mc macroContext, exp bool) (string, error) {
	if strings.Contains(pattern, "%{p") || strings.Contains(pattern, "%{P") {
		mc.validated = ev.validatedPTRDomain(ctx, mc.domain)
	}
	return expandMacros(pattern, mc, exp)
}

// matchMechanism computes one mechanism's match predicate. A returned
// error aborts the whole evaluation (budget, DNS failure, bad macro).
func (ev *evaluation) matchMechanism(ctx context.Context, m mechanism, domain string, mc macroContext, depth int) (bool, error) {
	switch m.kind {
	case mechAll:
		return true, nil

	case mechIP4:
		return cidrMatch(ev.ip, m.domain, false)

	case mechIP6:
		return cidrMatch(ev.ip, m.domain, true)

	case mechA:
		target, err := ev.targetName(ctx, m, domain, mc)
		if err != nil {
			return false, err
		}
		return ev.ipInDomain(ctx, target, m)

	case mechMX:
		target, err := ev.targetName(ctx, m, domain, mc)
		if err != nil {
			return false, err
		}
		if err := ev.spend(); err != nil {
			return false, err
		}
		hosts, err := ev.checker.Resolver.LookupMX(ctx, target)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if len(hosts) > maxNameChecks {
			hosts = hosts[:maxNameChecks]
		}
		for _, host := range hosts {
			matched, err := ev.ipInDomain(ctx, host, m)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil

	case mechPTR:
		target := domain
		if m.domain != "" {
			t, err := ev.expand(ctx, m.domain, mc, false)
			if err != nil {
				return false, errPermanent
			}
			target = t
		}
		return ev.ptrMatch(ctx, target)

	case mechExists:
		target, err := ev.expand(ctx, m.domain, mc, false)
		if err != nil {
			return false, errPermanent
		}
		if err := ev.spend(); err != nil {
			return false, err
		}
		ips, err := ev.checker.Resolver.LookupIP(ctx, target)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return len(ips) > 0, nil

	case mechInclude:
		target, err := ev.expand(ctx, m.domain, mc, false)
		if err != nil {
			return false, errPermanent
		}
		res, _ := ev.checkHost(ctx, target, depth+1)
		switch res {
		case Pass:
			return true, nil
		case Fail, SoftFail, Neutral:
			return false, nil
		case TempError:
			return false, context.DeadlineExceeded
		default: // PermError, None
			return false, errPermanent
		}
	}
	return false, errPermanent
}

// targetName resolves the a/mx mechanism's effective domain.
func (ev *evaluation) targetName(ctx context.Context, m mechanism, domain string, mc macroContext) (string, error) {
	if m.domain == "" {
		return domain, nil
	}
	t, err := ev.expand(ctx, m.domain, mc, false)
	if err != nil {
		return "", errPermanent
	}
	return t, nil
}

// ipInDomain reports whether the client IP equals (or falls in the
// mechanism's prefix around) any A/AAAA address of name.
func (ev *evaluation) ipInDomain(ctx context.Context, name string, m mechanism) (bool, error) {
	if err := ev.spend(); err != nil {
		return false, err
	}
	addrs, err := ev.checker.Resolver.LookupIP(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	clientV4 := ev.ip.To4() != nil
	for _, addr := range addrs {
		addrV4 := addr.To4() != nil
		if addrV4 != clientV4 {
			continue
		}
		prefix := m.ip4Len
		bits := 32
		if !clientV4 {
			prefix = m.ip6Len
			bits = 128
		}
		if prefix < 0 {
			prefix = bits
		}
		mask := net.CIDRMask(prefix, bits)
		if mask == nil {
			continue
		}
		if ev.ip.Mask(mask).Equal(addr.Mask(mask)) {
			return true, nil
		}
	}
	return false, nil
}

// ptrMatch implements the ptr mechanism: some PTR name of the client IP
// must validate forward to the client IP and sit at or under target.
func (ev *evaluation) ptrMatch(ctx context.Context, target string) (bool, error) {
	if err := ev.spend(); err != nil {
		return false, err
	}
	names, err := ev.checker.Resolver.LookupAddr(ctx, ev.ip)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(names) > maxNameChecks {
		names = names[:maxNameChecks]
	}

	for _, name := range names {
		if err := ev.spend(); err != nil {
			return false, err
		}
		addrs, err := ev.checker.Resolver.LookupIP(ctx, strings.TrimSuffix(name, "."))
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.Equal(ev.ip) {
				if subdomainOf(name, target) {
					return true, nil
				}
				break
			}
		}
	}
	return false, nil
}

// validatedPTRDomain resolves the %{p} macro value: a PTR name of the
// client IP that validates forward, preferring one at or under domain.
// The result is cached for the whole evaluation.
func (ev *evaluation) validatedPTRDomain(ctx context.Context, domain string) string {
	if ev.validatedDone {
		return ev.validatedDomain
	}
	ev.validatedDone = true
	ev.validatedDomain = "unknown"

	if ev.spend() != nil {
		return ev.validatedDomain
	}
	names, err := ev.checker.Resolver.LookupAddr(ctx, ev.ip)
	if err != nil || len(names) == 0 {
		return ev.validatedDomain
	}
	if len(names) > maxNameChecks {
		names = names[:maxNameChecks]
	}

	fallback := ""
	for _, name := range names {
		if ev.spend() != nil {
			break
		}
		addrs, err := ev.checker.Resolver.LookupIP(ctx, strings.TrimSuffix(name, "."))
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.Equal(ev.ip) {
				clean := strings.TrimSuffix(name, ".")
				if subdomainOf(clean, domain) {
					ev.validatedDomain = clean
					return ev.validatedDomain
				}
				if fallback == "" {
					fallback = clean
				}
				break
			}
		}
	}
	if fallback != "" {
		ev.validatedDomain = fallback
	}
	return ev.validatedDomain
}

// macroContext builds the expansion context for the current domain.
func (ev *evaluation) macroContext(domain string) macroContext {
	local, oDom, _ := strings.Cut(ev.sender, "@")
	return macroContext{
		sender: ev.sender,
		local:  local,
		oDom:   oDom,
		domain: domain,
		ip:     ev.ip,
		helo:   ev.helo,
	}
}

// explanation fetches and expands the exp= text for a Fail result.
// Explanation lookups ride outside the mechanism budget: a Fail is already
// decided, and a missing explanation must not change it.
func (ev *evaluation) explanation(ctx context.Context, expDomain string, mc macroContext) string {
	target, err := ev.expand(ctx, expDomain, mc, false)
	if err != nil {
		return ""
	}
	txts, err := ev.checker.Resolver.LookupTXT(ctx, target)
	if err != nil || len(txts) != 1 {
		return ""
	}
	out, err := ev.expand(ctx, txts[0], mc, true)
	if err != nil {
		return ""
	}
	return out
}

// cidrMatch implements ip4:/ip6: containment; a family mismatch between
// the mechanism and the client address is a non-match, never an error.
func cidrMatch(ip net.IP, literal string, v6 bool) (bool, error) {
	addr := literal
	if !strings.Contains(literal, "/") {
		if v6 {
			addr = literal + "/128"
		} else {
			addr = literal + "/32"
		}
	}
	_, ipnet, err := net.ParseCIDR(addr)
	if err != nil {
		return false, errPermanent
	}

	// ip6: with an IPv4 literal (or vice versa) is a syntax error.
	netV4 := ipnet.IP.To4() != nil
	if netV4 == v6 {
		return false, errPermanent
	}
	clientV4 := ip.To4() != nil
	if clientV4 != netV4 {
		return false, nil
	}
	return ipnet.Contains(ip), nil
}
