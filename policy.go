package dnsresolver

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
)

// RoundTripPolicy determines the socket-level deadline for a single outbound
// query, independent of the engine's retry/backoff cadence (spec §4.4.2
// step 6 governs when the next attempt fires; RoundTripPolicy governs how
// long the engine waits on any one attempt before giving up on that
// specific message).
//
// qtype is the type of the question being asked, nameServerAddress the
// "ip:port" of the server being queried. A non-positive duration means no
// deadline.
type RoundTripPolicy func(qtype uint16, domainName string, nameServerAddress string) (timeout time.Duration)

// DefaultRoundTripPolicy assumes low latency to addresses in PrivateNets
// (used by the end-to-end tests, which talk to loopback-bound servers) and
// gives those 100ms; everything else gets 1s.
func DefaultRoundTripPolicy() RoundTripPolicy {
	return defaultRoundTripPolicy
}

func defaultRoundTripPolicy(qtype uint16, domainName string, nameServerAddress string) time.Duration {
	ipStr, _, err := net.SplitHostPort(nameServerAddress)
	if err != nil {
		return time.Second
	}
	ip := net.ParseIP(ipStr)

	for _, n := range PrivateNets {
		if n.Contains(ip) {
			return 100 * time.Millisecond
		}
	}

	return time.Second
}

// PrivateNets is consulted by DefaultRoundTripPolicy to pick a low timeout
// for nearby destination addresses.
var PrivateNets = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("127.0.0.0/8"),
	mustParseCIDR("169.254.0.0/16"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.0.0.0/24"),
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("198.18.0.0/15"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("233.252.0.0/24"),
	mustParseCIDR("::1/128"),
	mustParseCIDR("2001:db8::/32"),
	mustParseCIDR("fd00::/8"),
	mustParseCIDR("fe80::/10"),
}

func mustParseCIDR(cidr string) *net.IPNet {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return n
}

// CachePolicy overrides the TTL a record is kept for beyond what the wire
// response advertised. Returning ok=false leaves the wire TTL untouched.
type CachePolicy func(rr dns.RR) (ttl time.Duration, ok bool)

// DefaultCachePolicy stretches the TTL of NS delegation records for public
// suffixes (".com", ".co.uk", ...; see https://publicsuffix.org/) to at
// least an hour, since those delegations are effectively static, and leaves
// every other record at its advertised TTL.
func DefaultCachePolicy() CachePolicy {
	return defaultCachePolicy
}

const publicSuffixMinTTL = time.Hour

func defaultCachePolicy(rr dns.RR) (time.Duration, bool) {
	ns, ok := rr.(*dns.NS)
	if !ok {
		return 0, false
	}
	if !isPublicSuffix(ns.Header().Name) {
		return 0, false
	}
	wire := time.Duration(ns.Header().Ttl) * time.Second
	if wire >= publicSuffixMinTTL {
		return 0, false
	}
	return publicSuffixMinTTL, true
}

func isPublicSuffix(fqdn string) bool {
	name := strings.TrimSuffix(fqdn, ".")
	s, _ := publicsuffix.PublicSuffix(name)
	return s == name
}

// ObeyResponderAdvice returns a CachePolicy that never overrides the wire
// TTL, for callers that want DefaultCachePolicy's public-suffix stretching
// disabled.
func ObeyResponderAdvice() CachePolicy {
	return func(dns.RR) (time.Duration, bool) { return 0, false }
}
