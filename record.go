package dnsresolver

import (
	"strings"

	"github.com/miekg/dns"
)

// Question identifies a single thing to resolve: a name, a record type
// (which may be dns.TypeANY to mean "all records of any type", the spec's
// WILDCARD), and a class (almost always dns.ClassINET).
//
// Name is always fully qualified (trailing dot); NewQuestion canonicalizes
// it.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// NewQuestion returns a Question with a canonicalized (fully qualified,
// lower-cased) name.
func NewQuestion(name string, qtype, class uint16) Question {
	return Question{
		Name:  dns.CanonicalName(name),
		Type:  qtype,
		Class: class,
	}
}

func (q Question) String() string {
	return q.Name + " " + dns.ClassToString[q.Class] + " " + dns.TypeToString[q.Type]
}

func (q Question) toWire() dns.Question {
	return dns.Question{Name: q.Name, Qtype: q.Type, Qclass: q.Class}
}

func fromWireQuestion(wq dns.Question) Question {
	return Question{Name: dns.CanonicalName(wq.Name), Type: wq.Qtype, Class: wq.Qclass}
}

func ownerEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// isSuffixFor reports whether name is equal to suffix or ends in
// "."+suffix, case-insensitively. A suffix grant or NS record for
// "a.example." thus authorizes or answers for "a.example." and
// "*.a.example.".
//
// Ported from is_suffix_for in gskdnsclient.c.
func isSuffixFor(name, suffix string) bool {
	name = strings.ToLower(name)
	suffix = strings.ToLower(suffix)

	if len(suffix) > len(name) {
		return false
	}

	rest := name[len(name)-len(suffix):]
	if rest != suffix {
		return false
	}

	prefixLen := len(name) - len(suffix)
	if prefixLen == 0 {
		return true
	}

	return name[prefixLen-1] == '.'
}

// cnameLookup resolves a single hop of a CNAME chain: given a name, it
// returns the CNAME target cached for it, if any.
type cnameLookup func(name string) (target string, ok bool)

// isOrIsCNAMEFor reports whether owner is askName, or is the canonical name
// reached by following askName's CNAME chain in cache.
//
// Ported from is_or_is_cname_for in gskdnsclient.c.
func isOrIsCNAMEFor(owner, askName string, lookup cnameLookup) bool {
	seen := map[string]bool{}
	name := askName
	for name != "" {
		if ownerEqual(owner, name) {
			return true
		}
		key := strings.ToLower(name)
		if seen[key] {
			return false
		}
		seen[key] = true

		target, ok := lookup(name)
		if !ok {
			return false
		}
		name = target
	}
	return false
}

// cnameChain returns askName and every name reached by following its
// CNAME chain in cache, in walk order. Used where a check must hold for
// any hop of the chain rather than just testing membership of one name
// (e.g. an NS record's relevance to a question whose name has already
// been partly resolved through one or more CNAMEs).
func cnameChain(askName string, lookup cnameLookup) []string {
	seen := map[string]bool{}
	var chain []string
	name := askName
	for name != "" {
		key := strings.ToLower(name)
		if seen[key] {
			break
		}
		seen[key] = true
		chain = append(chain, name)

		target, ok := lookup(name)
		if !ok {
			break
		}
		name = target
	}
	return chain
}
