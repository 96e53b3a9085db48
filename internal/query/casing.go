package query

import (
	"crypto/rand"

	"github.com/nodeglade/dnscore/internal/dns"
)

// randomizeCase returns a copy of name with each ASCII letter's case chosen
// at random, implementing 0x20 case randomization. Non-letter bytes (dots,
// digits, hyphens) are left unchanged.
func randomizeCase(name string) (string, error) {
	buf := []byte(name)
	mask := make([]byte, len(buf))
	if _, err := rand.Read(mask); err != nil {
		return "", err
	}
	for i, c := range buf {
		if c >= 'a' && c <= 'z' {
			if mask[i]&1 == 1 {
				buf[i] = c - ('a' - 'A')
			}
		} else if c >= 'A' && c <= 'Z' {
			if mask[i]&1 == 1 {
				buf[i] = c + ('a' - 'A')
			}
		}
	}
	return string(buf), nil
}

// rawQuestionName decodes the first question's owner name directly from
// the wire bytes, preserving letter case. ParseQuestion (and therefore
// Packet.Questions[i].Name) normalizes to lowercase for ordinary
// case-insensitive comparison, which destroys the information 0x20
// validation needs: the exact case the peer echoed back.
func rawQuestionName(msg []byte) (string, error) {
	off := dns.HeaderSize
	return dns.DecodeName(msg, &off)
}

// questionsMatch reports whether the response's first question matches the
// query: class/type equal, and name equal either
// case-insensitively (default) or byte-for-byte against the exact
// randomized case that was sent (when 0x20 is enabled).
func questionsMatch(sentName string, sentType, sentClass uint16, respRaw []byte, resp dns.Packet, caseRandomized bool) bool {
	if len(resp.Questions) == 0 {
		return false
	}
	rq := resp.Questions[0]
	if rq.Type != sentType || rq.Class != sentClass {
		return false
	}
	if !caseRandomized {
		return dns.NormalizeName(rq.Name) == dns.NormalizeName(sentName)
	}
	raw, err := rawQuestionName(respRaw)
	if err != nil {
		return false
	}
	return dns.NormalizeName(raw) == dns.NormalizeName(sentName) && raw == sentName
}
