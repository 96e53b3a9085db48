package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// macroContext carries the values macro letters expand to (RFC 7208 §7.2).
type macroContext struct {
	sender string // s: full mailbox
	local  string // l: local part of sender
	oDom   string // o: domain part of sender
	domain string // d: current evaluation domain
	ip     net.IP // i, c, v
	helo   string // h
	// validated holds the PTR-validated domain for %{p}; resolved lazily
	// by the evaluator and "unknown" when unresolvable.
	validated string
	recv      string // r: receiving host, "unknown" when unset
}

// expandMacros expands an RFC 7208 §7 domain-spec. exp selects the
// exp-only letters (c, r, t) and space escapes; outside an explanation
// they are still accepted, matching the reference evaluator's leniency.
func expandMacros(pattern string, mc macroContext, exp bool) (string, error) {
	var b strings.Builder
	b.Grow(len(pattern))

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		i++
		if i >= len(pattern) {
			return "", fmt.Errorf("spf: trailing %% in macro string")
		}
		switch pattern[i] {
		case '%':
			b.WriteByte('%')
		case '_':
			b.WriteByte(' ')
		case '-':
			b.WriteString("%20")
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("spf: unterminated macro")
			}
			expanded, err := expandOneMacro(pattern[i+1:i+end], mc, exp)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i += end
		default:
			return "", fmt.Errorf("spf: invalid macro escape %%%c", pattern[i])
		}
	}
	return b.String(), nil
}

// expandOneMacro expands the inside of one %{...} block: a letter,
// optional digit count, optional 'r' reversal, optional delimiter set.
func expandOneMacro(body string, mc macroContext, _ bool) (string, error) {
	if body == "" {
		return "", fmt.Errorf("spf: empty macro")
	}
	letter := body[0]
	rest := body[1:]

	upper := letter >= 'A' && letter <= 'Z'
	if upper {
		letter += 'a' - 'A'
	}

	value, err := macroValue(letter, mc)
	if err != nil {
		return "", err
	}

	// <digits>, 'r', and a delimiter set, in that order.
	digits := 0
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		d, _ := strconv.Atoi(string(rest[0]))
		digits = digits*10 + d
		rest = rest[1:]
	}
	reverse := false
	if len(rest) > 0 && (rest[0] == 'r' || rest[0] == 'R') {
		reverse = true
		rest = rest[1:]
	}
	delims := "."
	if len(rest) > 0 {
		for _, c := range rest {
			if !strings.ContainsRune(".-+,/_=", c) {
				return "", fmt.Errorf("spf: invalid macro delimiter %q", c)
			}
		}
		delims = rest
	}

	parts := splitAny(value, delims)
	if reverse {
		for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
			parts[l], parts[r] = parts[r], parts[l]
		}
	}
	if digits > 0 && digits < len(parts) {
		parts = parts[len(parts)-digits:]
	}
	out := strings.Join(parts, ".")

	if upper {
		// Uppercase letters URL-escape the expansion.
		out = urlEscape(out)
	}
	return out, nil
}

func macroValue(letter byte, mc macroContext) (string, error) {
	switch letter {
	case 's':
		return mc.sender, nil
	case 'l':
		return mc.local, nil
	case 'o':
		return mc.oDom, nil
	case 'd':
		return mc.domain, nil
	case 'i':
		return macroAddr(mc.ip), nil
	case 'p':
		if mc.validated == "" {
			return "unknown", nil
		}
		return mc.validated, nil
	case 'v':
		if mc.ip.To4() != nil {
			return "in-addr", nil
		}
		return "ip6", nil
	case 'h':
		if mc.helo == "" {
			return "unknown", nil
		}
		return mc.helo, nil
	case 'c':
		// Canonical textual form from the standard address printer.
		return mc.ip.String(), nil
	case 'r':
		if mc.recv == "" {
			return "unknown", nil
		}
		return mc.recv, nil
	case 't':
		return strconv.FormatInt(time.Now().Unix(), 10), nil
	default:
		return "", fmt.Errorf("spf: unknown macro letter %q", letter)
	}
}

// macroAddr renders an address for %{i}: dotted quad for IPv4,
// dot-separated nibbles for IPv6.
func macroAddr(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return "unknown"
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(v6) * 4)
	for i, octet := range v6 {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteByte(hexDigits[octet>>4])
		b.WriteByte('.')
		b.WriteByte(hexDigits[octet&0x0F])
	}
	return b.String()
}

// splitAny splits s on any rune of delims, dropping empty components.
func splitAny(s, delims string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
}

// urlEscape percent-encodes everything outside the URL "unreserved" set.
func urlEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
