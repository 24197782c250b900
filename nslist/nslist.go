// Package nslist implements the per-task ordered nameserver list (spec §4.3,
// NameserverEntry/NameserverList): an ordered set of candidate servers for
// one Task, rotated least-recently-used as the engine queries them.
//
// Grounded on GskDnsNameServerInfo's intrusive doubly-linked list in
// original_source/src/dns/gskdnsclient.c, translated to an owned slice per
// the DESIGN NOTES guidance on intrusive lists.
package nslist

// Entry is one candidate name server known to a Task.
type Entry struct {
	Addr         string
	Default      bool // derived from system configuration, not learned
	MessagesSent int
}

// List is an ordered, owned list of Entry. The zero value is an empty,
// usable list.
type List struct {
	entries []*Entry
}

// FindOrAdd returns the Entry for addr, appending a new one (not marked
// Default) if it doesn't already appear in the list.
func (l *List) FindOrAdd(addr string) *Entry {
	for _, e := range l.entries {
		if e.Addr == addr {
			return e
		}
	}
	e := &Entry{Addr: addr}
	l.entries = append(l.entries, e)
	return e
}

// AppendDefault appends addr as a default-configured server, if not already
// present.
func (l *List) AppendDefault(addr string) *Entry {
	e := l.FindOrAdd(addr)
	e.Default = true
	return e
}

// RotateToTail moves e to the end of the list, implementing the
// least-recently-used ordering policy: after a server is queried, later
// iterations prefer other servers first.
func (l *List) RotateToTail(e *Entry) {
	for i, cand := range l.entries {
		if cand == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			l.entries = append(l.entries, e)
			return
		}
	}
}

// MarkQueried increments e's sent counter and rotates it to the tail.
func (l *List) MarkQueried(e *Entry) {
	e.MessagesSent++
	l.RotateToTail(e)
}

// Entries returns the list in current order, head first.
func (l *List) Entries() []*Entry {
	return l.entries
}

// Empty reports whether the list has no entries.
func (l *List) Empty() bool {
	return len(l.entries) == 0
}

// MaxSends returns the largest MessagesSent across all entries. The
// engine's backoff uses each queried entry's own MessagesSent instead.
func (l *List) MaxSends() int {
	max := 0
	for _, e := range l.entries {
		if e.MessagesSent > max {
			max = e.MessagesSent
		}
	}
	return max
}
