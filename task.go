package dnsresolver

import (
	"time"

	"github.com/miekg/dns"

	"github.com/corvidae/dnsresolver/nslist"
	"github.com/corvidae/dnsresolver/rrcache"
)

// SuccessFunc is invoked exactly once, on the Resolver's drive-loop
// goroutine, when every question of a Task has been answered.
//
// The record lists are valid only during the callback; copy anything
// needed beyond it.
type SuccessFunc func(answers, authority, additional []dns.RR, negatives []Question)

// FailFunc is invoked exactly once when a Task terminates with an error.
type FailFunc func(err error)

// DestroyFunc is invoked exactly once when a Task is torn down, regardless
// of whether it succeeded, failed, or was cancelled. trace is the query
// trace accumulated over the Task's lifetime; it is safe to retain beyond
// the callback's return (unlike the record lists passed to SuccessFunc).
type DestroyFunc func(trace *Trace)

// Handle identifies a submitted Task for Resolver.Cancel.
type Handle uint64

// lockedRecord pins one cache entry on behalf of a task.
type lockedRecord struct {
	handle rrcache.Handle
	rr     dns.RR
}

// task is the engine's per-query state machine (spec §3 Task).
type task struct {
	id     Handle
	client *Resolver

	messageID uint16

	stubResolver     bool
	recursive        bool
	usedConfNS       bool // configured nameservers have been appended as a fallback (spec §4.3)
	destroyed        bool
	succeeded        bool
	failed           bool
	cancelled        bool

	nIterations   int
	maxIterations int

	cache *rrcache.Cache // task-private cache if the Resolver has none shared

	locked []lockedRecord

	pending  []Question
	answered []Question
	negative []Question

	// answers holds the records the drive loop finds in the cache for each
	// question; authority holds the CNAME hops it follows plus relevant
	// authority-section records from responses; additional holds relevant
	// additional-section records from responses.
	answers    []dns.RR
	authority  []dns.RR
	additional []dns.RR

	nameservers nslist.List

	timer *time.Timer

	onSuccess SuccessFunc
	onFail    FailFunc
	onDestroy DestroyFunc

	trace *Trace
}

func (t *task) cacheFor() *rrcache.Cache {
	if t.client.cache != nil {
		return t.client.cache
	}
	return t.cache
}

func (t *task) lock(h rrcache.Handle, rr dns.RR) {
	c := t.cacheFor()
	c.Lock(h)
	t.locked = append(t.locked, lockedRecord{handle: h, rr: rr})
}

// releaseLocks unlocks every record this task pinned. Called exactly once
// from Resolver.destroy.
func (t *task) releaseLocks() {
	c := t.cacheFor()
	for _, lr := range t.locked {
		c.Unlock(lr.handle)
	}
	t.locked = nil
}

func (t *task) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
