// Package authority implements the IP authority table (spec §4.2,
// IpAuthorityTable): the security linchpin that decides whether a
// responding name server had permission to assert a given owner name.
//
// Grants are short-lived and keyed by peer address; they are purged lazily
// by a min-heap ordered on expiry, ported from the GTree-by-expire-time
// structure in the C source (original_source/src/dns/gskdnsclient.c's
// IpPermissionTable).
package authority

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// Scope selects how broadly a grant applies.
type Scope int

const (
	// ExactName authorizes assertions about exactly the granted owner.
	ExactName Scope = iota
	// NameAndSuffix authorizes assertions about the granted owner and any
	// name ending in "."+owner.
	NameAndSuffix
)

type grant struct {
	addr    string
	owner   string // lower-cased
	scope   Scope
	expires time.Time
	index   int // heap index
}

type grantHeap []*grant

func (h grantHeap) Len() int            { return len(h) }
func (h grantHeap) Less(i, j int) bool  { return h[i].expires.Before(h[j].expires) }
func (h grantHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *grantHeap) Push(x interface{}) { g := x.(*grant); g.index = len(*h); *h = append(*h, g) }
func (h *grantHeap) Pop() interface{} {
	old := *h
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return g
}

// Table is the IP authority table. The zero value is not usable; use New.
type Table struct {
	mu sync.Mutex

	// byAddr indexes grants by peer address for Check; entries also live
	// in expire for lazy expiry.
	byAddr map[string][]*grant
	expire grantHeap

	// Autoflush runs Expire on every Check and Grant call. Defaults to
	// true; exported so tests can disable it to inspect raw state.
	Autoflush bool
}

// New returns an empty Table with autoflush enabled.
func New() *Table {
	return &Table{
		byAddr:    map[string][]*grant{},
		Autoflush: true,
	}
}

// Grant authorizes addr to assert records about owner (and, if scope is
// NameAndSuffix, its subtree) until expiresAt. If an equivalent grant
// already exists, its expiry is extended to expiresAt if that is later;
// it is never shortened or duplicated.
//
// Ported from ip_permission_table_insert in gskdnsclient.c.
func (t *Table) Grant(addr, owner string, scope Scope, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Autoflush {
		t.expireLocked(time.Now())
	}

	owner = strings.ToLower(owner)
	for _, g := range t.byAddr[addr] {
		if g.owner == owner && g.scope == scope {
			if expiresAt.After(g.expires) {
				g.expires = expiresAt
				heap.Fix(&t.expire, g.index)
			}
			return
		}
	}

	g := &grant{addr: addr, owner: owner, scope: scope, expires: expiresAt}
	t.byAddr[addr] = append(t.byAddr[addr], g)
	heap.Push(&t.expire, g)
}

// Check reports whether addr currently holds a grant authorizing it to
// assert records about owner.
//
// Ported from ip_permission_table_check in gskdnsclient.c.
func (t *Table) Check(addr, owner string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Autoflush {
		t.expireLocked(now)
	}

	owner = strings.ToLower(owner)
	for _, g := range t.byAddr[addr] {
		if g.expires.Before(now) {
			continue
		}
		if g.owner == owner {
			return true
		}
		if g.scope == NameAndSuffix && isSuffixFor(owner, g.owner) {
			return true
		}
	}
	return false
}

// Expire removes all grants with an expiry before now.
func (t *Table) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(now)
}

func (t *Table) expireLocked(now time.Time) {
	for t.expire.Len() > 0 && t.expire[0].expires.Before(now) {
		g := heap.Pop(&t.expire).(*grant)
		list := t.byAddr[g.addr]
		for i, cand := range list {
			if cand == g {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(t.byAddr, g.addr)
		} else {
			t.byAddr[g.addr] = list
		}
	}
}

// isSuffixFor reports whether name equals suffix or ends in "."+suffix.
func isSuffixFor(name, suffix string) bool {
	if len(suffix) > len(name) {
		return false
	}
	if name[len(name)-len(suffix):] != suffix {
		return false
	}
	prefixLen := len(name) - len(suffix)
	return prefixLen == 0 || name[prefixLen-1] == '.'
}
