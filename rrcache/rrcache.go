// Package rrcache implements the resource-record cache consulted and
// populated by the query engine (spec §3 RRCache, §4.1).
//
// A Cache maps (owner, type, class) to the records known for that tuple, a
// parallel negative-answer table remembering tuples known not to exist, and
// a lock count per record so the engine can pin records it has handed out
// to a Task until that Task releases them, even past TTL expiry.
package rrcache

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultMaxBytes and DefaultMaxRecords are the spec's default resource
// bounds (§5).
const (
	DefaultMaxBytes   = 128 * 1024
	DefaultMaxRecords = 2048
)

type key struct {
	owner string // lower-cased, fully qualified
	qtype uint16
	class uint16
}

func newKey(owner string, qtype, class uint16) key {
	return key{owner: strings.ToLower(owner), qtype: qtype, class: class}
}

// Handle identifies one record stored in the cache. It is returned by
// Insert and passed back to Lock/Unlock; it stays valid even after the
// record has logically expired, as long as it remains locked.
type Handle struct {
	k       key
	arrival uint64
}

type entry struct {
	rr       dns.RR
	expires  time.Time
	locks    int
	arrival  uint64
	authored bool // inserted as authoritative
}

func (e *entry) approxBytes() int {
	return len(e.rr.String())
}

// Cache is a resource-record cache. The zero value is not usable; use New.
// A Cache is safe for concurrent use, though the spec's engine only ever
// touches one from its single drive-loop goroutine.
type Cache struct {
	mu sync.Mutex

	maxBytes   int
	maxRecords int

	records  map[key][]*entry
	negative map[key]time.Time

	totalBytes int
	nextArrive uint64

	rand *rand.Rand
}

// New returns an empty Cache. A maxBytes or maxRecords of 0 selects the
// package defaults.
func New(maxBytes, maxRecords int) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Cache{
		maxBytes:   maxBytes,
		maxRecords: maxRecords,
		records:    map[key][]*entry{},
		negative:   map[key]time.Time{},
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Insert copies rr into the cache, keyed by its owner/type/class, and
// returns a Handle for it. If an equivalent record (same owner, type,
// class, and rdata) already exists, its TTL is refreshed instead of adding
// a duplicate; an authoritative insertion always overrides a
// non-authoritative one for the same record.
func (c *Cache) Insert(rr dns.RR, authoritative bool, now time.Time) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr := rr.Header()
	k := newKey(hdr.Name, hdr.Rrtype, hdr.Class)
	expires := now.Add(time.Duration(hdr.Ttl) * time.Second)

	for _, e := range c.records[k] {
		if dns.IsDuplicate(e.rr, rr) {
			if authoritative || !e.authored {
				e.expires = expires
				e.authored = e.authored || authoritative
			} else if expires.After(e.expires) {
				e.expires = expires
			}
			return Handle{k: k, arrival: e.arrival}
		}
	}

	c.nextArrive++
	e := &entry{
		rr:       dns.Copy(rr),
		expires:  expires,
		arrival:  c.nextArrive,
		authored: authoritative,
	}
	c.records[k] = append(c.records[k], e)
	c.totalBytes += e.approxBytes()

	c.evict()

	return Handle{k: k, arrival: e.arrival}
}

// InsertNegative records that (name, qtype, class) does not exist until
// now+ttl.
func (c *Cache) InsertNegative(name string, qtype, class uint16, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, qtype, class)
	exp := now.Add(ttl)
	if cur, ok := c.negative[k]; !ok || exp.After(cur) {
		c.negative[k] = exp
	}
}

// IsNegative reports whether a fresh negative entry applies to (name,
// qtype, class).
func (c *Cache) IsNegative(name string, qtype, class uint16, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, qtype, class)
	exp, ok := c.negative[k]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(c.negative, k)
		return false
	}
	return true
}

// LookupOne returns one unexpired record for (name, qtype, class), or nil
// if none exists. Ties among multiple unexpired A/AAAA records are broken
// by uniform random choice (round-robin), matching common caching resolver
// behavior; other types return the earliest-arrived match.
func (c *Cache) LookupOne(name string, qtype, class uint16, now time.Time) (dns.RR, Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, qtype, class)
	var candidates []*entry
	for _, e := range c.records[k] {
		if now.Before(e.expires) || e.locks > 0 {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, Handle{}, false
	}

	var chosen *entry
	if (qtype == dns.TypeA || qtype == dns.TypeAAAA) && len(candidates) > 1 {
		chosen = candidates[c.rand.Intn(len(candidates))]
	} else {
		chosen = candidates[0]
		for _, e := range candidates[1:] {
			if e.arrival < chosen.arrival {
				chosen = e
			}
		}
	}

	return dns.Copy(chosen.rr), Handle{k: k, arrival: chosen.arrival}, true
}

// LookupList returns every record for (name, qtype, class) regardless of
// expiration; the caller is responsible for filtering by TTL. This backs
// wildcard/list queries (spec §4.1).
func (c *Cache) LookupList(name string, qtype, class uint16) []dns.RR {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, qtype, class)
	out := make([]dns.RR, 0, len(c.records[k]))
	for _, e := range c.records[k] {
		out = append(out, dns.Copy(e.rr))
	}
	return out
}

// LookupAny returns every fresh-or-locked record for name/class regardless
// of type, for WILDCARD questions (spec §3 Question, query_type may be
// WILDCARD). Unlike the other Lookup* methods this scans every type bucket
// for the owner, since the cache is keyed by (owner, type, class).
func (c *Cache) LookupAny(name string, class uint16, now time.Time) ([]dns.RR, []Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner := strings.ToLower(dns.Fqdn(name))
	var rrs []dns.RR
	var handles []Handle
	for k, es := range c.records {
		if k.owner != owner || k.class != class {
			continue
		}
		for _, e := range es {
			if now.Before(e.expires) || e.locks > 0 {
				rrs = append(rrs, dns.Copy(e.rr))
				handles = append(handles, Handle{k: k, arrival: e.arrival})
			}
		}
	}
	return rrs, handles
}

// CNAME returns the canonical target cached for name, if a CNAME record for
// it exists (expired or not locked entries are still consulted here,
// matching the C source's unconditional ttl=0 cname lookup).
func (c *Cache) CNAME(name string, class uint16) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, dns.TypeCNAME, class)
	for _, e := range c.records[k] {
		if cn, ok := e.rr.(*dns.CNAME); ok {
			return cn.Target, true
		}
	}
	return "", false
}

// GetNSAddr finds an NS record for name and, if an A record exists for the
// NS host, returns both the host name and a usable address.
func (c *Cache) GetNSAddr(name string, now time.Time) (nsHost string, addr string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := newKey(name, dns.TypeNS, dns.ClassINET)
	for _, e := range c.records[k] {
		if !now.Before(e.expires) && e.locks == 0 {
			continue
		}
		ns, isNS := e.rr.(*dns.NS)
		if !isNS {
			continue
		}
		ak := newKey(ns.Ns, dns.TypeA, dns.ClassINET)
		for _, ae := range c.records[ak] {
			if !now.Before(ae.expires) && ae.locks == 0 {
				continue
			}
			if a, ok := ae.rr.(*dns.A); ok {
				return ns.Ns, a.A.String(), true
			}
		}
		return ns.Ns, "", true
	}
	return "", "", false
}

func (c *Cache) find(h Handle) *entry {
	for _, e := range c.records[h.k] {
		if e.arrival == h.arrival {
			return e
		}
	}
	return nil
}

// Lock increments h's reference count, preventing its eviction even after
// it expires, until a matching Unlock is called.
func (c *Cache) Lock(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.find(h); e != nil {
		e.locks++
	}
}

// Unlock decrements h's reference count.
func (c *Cache) Unlock(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.find(h); e != nil && e.locks > 0 {
		e.locks--
	}
}

// evict removes unlocked records in oldest-expiration-first order until the
// cache is back under its byte and record limits. If every record is
// locked, the cap is exceeded (it is soft, per spec §4.1).
func (c *Cache) evict() {
	total := 0
	for _, es := range c.records {
		total += len(es)
	}
	if total <= c.maxRecords && c.totalBytes <= c.maxBytes {
		return
	}

	type victim struct {
		k key
		e *entry
	}
	var candidates []victim
	for k, es := range c.records {
		for _, e := range es {
			if e.locks == 0 {
				candidates = append(candidates, victim{k, e})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].e.expires.Before(candidates[j].e.expires)
	})

	for _, v := range candidates {
		if total <= c.maxRecords && c.totalBytes <= c.maxBytes {
			break
		}
		es := c.records[v.k]
		for i, e := range es {
			if e == v.e {
				c.totalBytes -= e.approxBytes()
				c.records[v.k] = append(es[:i], es[i+1:]...)
				total--
				break
			}
		}
		if len(c.records[v.k]) == 0 {
			delete(c.records, v.k)
		}
	}
}

// Clear removes all records and negative entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = map[key][]*entry{}
	c.negative = map[key]time.Time{}
	c.totalBytes = 0
}
