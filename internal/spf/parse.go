package spf

import (
	"fmt"
	"strconv"
	"strings"
)

// qualifier is the result a matching mechanism yields.
type qualifier byte

const (
	qPass     qualifier = '+'
	qFail     qualifier = '-'
	qSoftFail qualifier = '~'
	qNeutral  qualifier = '?'
)

func (q qualifier) result() Result {
	switch q {
	case qFail:
		return Fail
	case qSoftFail:
		return SoftFail
	case qNeutral:
		return Neutral
	default:
		return Pass
	}
}

// mechKind enumerates the RFC 7208 §5 mechanisms.
type mechKind int

const (
	mechAll mechKind = iota
	mechInclude
	mechA
	mechMX
	mechPTR
	mechIP4
	mechIP6
	mechExists
)

// mechanism is one parsed matching clause.
type mechanism struct {
	qual   qualifier
	kind   mechKind
	domain string // domain-spec, possibly with macros; empty means <domain>
	ip4Len int    // v4 prefix length, -1 when absent
	ip6Len int    // v6 prefix length, -1 when absent
}

// record is one parsed SPF policy.
type record struct {
	mechanisms []mechanism
	redirect   string // redirect= target, empty when absent
	exp        string // exp= target, empty when absent
}

// recordPrefix returns the version tag that selects records for a scope.
func recordPrefix(scope Scope) string {
	if scope == ScopeSPF {
		return "v=spf1"
	}
	return "spf2.0"
}

// matchesScope reports whether the record's version tag covers the scope.
func matchesScope(version string, scope Scope) bool {
	version = strings.ToLower(version)
	if scope == ScopeSPF {
		return version == "v=spf1"
	}
	// Sender-ID tags look like spf2.0/pra, spf2.0/mfrom, spf2.0/mfrom,pra.
	tag, scopes, ok := strings.Cut(version, "/")
	if tag != "spf2.0" {
		return false
	}
	if !ok {
		return false
	}
	want := "mfrom"
	if scope == ScopeSenderIDPRA {
		want = "pra"
	}
	for _, s := range strings.Split(scopes, ",") {
		if s == want {
			return true
		}
	}
	return false
}

// parseRecord parses the terms of an SPF record body (everything after the
// version tag). A syntax violation, or more than one redirect=/exp=
// modifier, is a permanent error.
func parseRecord(terms []string) (record, error) {
	var rec record
	for _, term := range terms {
		if term == "" {
			continue
		}
		if name, value, ok := cutModifier(term); ok {
			switch strings.ToLower(name) {
			case "redirect":
				if rec.redirect != "" {
					return record{}, fmt.Errorf("spf: duplicate redirect modifier")
				}
				if value == "" {
					return record{}, fmt.Errorf("spf: redirect requires a domain")
				}
				rec.redirect = value
			case "exp":
				if rec.exp != "" {
					return record{}, fmt.Errorf("spf: duplicate exp modifier")
				}
				if value == "" {
					return record{}, fmt.Errorf("spf: exp requires a domain")
				}
				rec.exp = value
			default:
				// Unknown modifiers are ignored, but their name must be
				// syntactically a name (letter followed by alphanumerics).
				if !validModifierName(name) {
					return record{}, fmt.Errorf("spf: malformed term %q", term)
				}
			}
			continue
		}

		m, err := parseMechanism(term)
		if err != nil {
			return record{}, err
		}
		rec.mechanisms = append(rec.mechanisms, m)
	}
	return rec, nil
}

// cutModifier splits name=value terms. Mechanisms use ":" or bare names,
// so a "=" before any ":" marks a modifier.
func cutModifier(term string) (string, string, bool) {
	eq := strings.IndexByte(term, '=')
	if eq < 0 {
		return "", "", false
	}
	colon := strings.IndexByte(term, ':')
	if colon >= 0 && colon < eq {
		return "", "", false
	}
	return term[:eq], term[eq+1:], true
}

func validModifierName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func parseMechanism(term string) (mechanism, error) {
	m := mechanism{qual: qPass, ip4Len: -1, ip6Len: -1}

	switch term[0] {
	case '+', '-', '~', '?':
		m.qual = qualifier(term[0])
		term = term[1:]
	}
	if term == "" {
		return mechanism{}, fmt.Errorf("spf: empty mechanism")
	}

	name := term
	arg := ""
	if i := strings.IndexByte(term, ':'); i >= 0 {
		name, arg = term[:i], term[i+1:]
	} else if i := strings.IndexByte(term, '/'); i >= 0 {
		// a/24 form: prefix without an explicit domain. The leading slash
		// stays so splitDualCIDR sees an empty domain part.
		name, arg = term[:i], term[i:]
	}

	switch strings.ToLower(name) {
	case "all":
		if arg != "" {
			return mechanism{}, fmt.Errorf("spf: all takes no argument")
		}
		m.kind = mechAll
		return m, nil
	case "include":
		if arg == "" {
			return mechanism{}, fmt.Errorf("spf: include requires a domain")
		}
		m.kind = mechInclude
		m.domain = arg
		return m, nil
	case "exists":
		if arg == "" {
			return mechanism{}, fmt.Errorf("spf: exists requires a domain")
		}
		m.kind = mechExists
		m.domain = arg
		return m, nil
	case "ip4":
		if arg == "" {
			return mechanism{}, fmt.Errorf("spf: ip4 requires an address")
		}
		m.kind = mechIP4
		m.domain = arg // address literal, never macro-expanded
		return m, nil
	case "ip6":
		if arg == "" {
			return mechanism{}, fmt.Errorf("spf: ip6 requires an address")
		}
		m.kind = mechIP6
		m.domain = arg
		return m, nil
	case "a":
		m.kind = mechA
	case "mx":
		m.kind = mechMX
	case "ptr":
		m.kind = mechPTR
		m.domain = arg
		return m, nil
	default:
		return mechanism{}, fmt.Errorf("spf: unknown mechanism %q", name)
	}

	// a and mx share the [:domain][/v4][//v6] tail.
	domain, v4, v6, err := splitDualCIDR(arg)
	if err != nil {
		return mechanism{}, err
	}
	m.domain = domain
	m.ip4Len = v4
	m.ip6Len = v6
	return m, nil
}

// splitDualCIDR splits "domain/24//64" into its parts. Missing prefixes
// return -1.
func splitDualCIDR(arg string) (string, int, int, error) {
	v4, v6 := -1, -1

	if i := strings.Index(arg, "//"); i >= 0 {
		n, err := parsePrefixLen(arg[i+2:], 128)
		if err != nil {
			return "", 0, 0, err
		}
		v6 = n
		arg = arg[:i]
	}
	if i := strings.IndexByte(arg, '/'); i >= 0 {
		n, err := parsePrefixLen(arg[i+1:], 32)
		if err != nil {
			return "", 0, 0, err
		}
		v4 = n
		arg = arg[:i]
	}
	return arg, v4, v6, nil
}

func parsePrefixLen(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, fmt.Errorf("spf: invalid CIDR prefix length %q", s)
	}
	return n, nil
}
