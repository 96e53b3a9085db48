// Package spf implements Sender Policy Framework evaluation (RFC 7208)
// with Sender-ID scopes (RFC 4406): a recursive mechanism/modifier state
// machine over DNS TXT policy records, bounded by a hard DNS-lookup budget
// and driven through a pluggable resolver.
//
// Every failure path collapses into one of the seven SPF results; the
// evaluator itself never returns a Go error to its caller.
package spf

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
)

// Result is the outcome of an SPF evaluation.
type Result int

const (
	// None means no SPF record was published for the domain.
	None Result = iota
	// Neutral means the domain makes no assertion about the client.
	Neutral
	// Pass means the client is authorized to send for the domain.
	Pass
	// Fail means the client is not authorized.
	Fail
	// SoftFail means the client is probably not authorized.
	SoftFail
	// TempError means evaluation hit a transient DNS failure.
	TempError
	// PermError means the published record is unusable (syntax error,
	// lookup budget exceeded, duplicate modifiers).
	PermError
)

// String returns the RFC 7208 result name.
func (r Result) String() string {
	switch r {
	case None:
		return "none"
	case Neutral:
		return "neutral"
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case SoftFail:
		return "softfail"
	case TempError:
		return "temperror"
	case PermError:
		return "permerror"
	default:
		return "unknown"
	}
}

// Scope selects which policy records the evaluator reads.
type Scope int

const (
	// ScopeSPF evaluates classic "v=spf1" records (RFC 7208).
	ScopeSPF Scope = iota
	// ScopeSenderIDMFrom evaluates "spf2.0" records covering mfrom.
	ScopeSenderIDMFrom
	// ScopeSenderIDPRA evaluates "spf2.0" records covering pra.
	ScopeSenderIDPRA
)

// ErrNotFound is returned by Resolver implementations when a name does not
// exist (NXDOMAIN) or exists with no records of the requested type. The
// evaluator treats it as a non-match, never as a temporary error.
var ErrNotFound = errors.New("spf: no such record")

// Resolver is the DNS surface the evaluator depends on. Implementations
// must return ErrNotFound (possibly wrapped) for negative answers; any
// other error is treated as a transient resolution failure.
type Resolver interface {
	// LookupTXT returns the TXT strings of name, each already joined
	// across its character-string chunks.
	LookupTXT(ctx context.Context, name string) ([]string, error)
	// LookupIP returns all A and AAAA addresses of name.
	LookupIP(ctx context.Context, name string) ([]net.IP, error)
	// LookupMX returns the MX target hosts of name in preference order.
	LookupMX(ctx context.Context, name string) ([]string, error)
	// LookupAddr returns the PTR names of ip.
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
}

// DefaultMaxLookups is the evaluation-wide DNS query budget.
const DefaultMaxLookups = 20

// Checker evaluates SPF policies.
type Checker struct {
	Resolver   Resolver
	MaxLookups int          // 0 means DefaultMaxLookups
	Scope      Scope        // which record family to read
	Logger     *slog.Logger // optional
}

// Outcome is one completed evaluation.
type Outcome struct {
	Result Result
	// Explanation is the macro-expanded exp= text, set only for Fail
	// results whose record published one.
	Explanation string
	// Lookups is the number of DNS queries the evaluation spent.
	Lookups int
}

// CheckHost evaluates the policy of domain for a client ip.
//
// sender is the full mail-from mailbox (or the HELO name when the MAIL
// FROM is empty); helo is the HELO/EHLO hostname. Cancellation and
// timeouts arrive through ctx and surface as TempError.
func (c *Checker) CheckHost(ctx context.Context, ip net.IP, domain, sender, helo string) Outcome {
	budget := c.MaxLookups
	if budget <= 0 {
		budget = DefaultMaxLookups
	}

	if sender == "" {
		sender = "postmaster@" + helo
	}
	if !strings.Contains(sender, "@") {
		sender = "postmaster@" + sender
	}

	ev := &evaluation{
		checker: c,
		ip:      ip,
		sender:  sender,
		helo:    helo,
		budget:  budget,
	}
	result, explanation := ev.checkHost(ctx, domain, 0)
	return Outcome{Result: result, Explanation: explanation, Lookups: ev.spent}
}

// subdomainOf reports whether name equals base or ends with a label
// sequence equal to base, comparing ASCII case-insensitively.
func subdomainOf(name, base string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	base = strings.ToLower(strings.TrimSuffix(base, "."))
	if name == base {
		return true
	}
	return strings.HasSuffix(name, "."+base)
}
