package dnsresolver

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/corvidae/dnsresolver/authority"
	"github.com/corvidae/dnsresolver/rrcache"
)

// driveLoop is the central state machine (spec §4.4.2). It repeatedly tries
// to resolve every pending question from the cache (including following
// CNAME chains) until either every question is answered/negative (success),
// a fatal error occurs (failure), or some questions remain pending, at
// which point it builds and issues outbound queries for them and returns:
// the task stays pending until a response or a retry timeout re-enters
// this function.
func (r *Resolver) driveLoop(t *task) {
	if t.destroyed || t.succeeded || t.failed || t.cancelled {
		return
	}

	for {
		progressed, fatal := r.resolveFromCache(t)
		if fatal {
			return
		}
		if len(t.pending) == 0 {
			r.succeed(t)
			return
		}
		if !progressed {
			break
		}
	}

	r.issueQueries(t)
}

// resolveFromCache runs steps 1-4 of the drive loop for every pending
// question, mutating t.pending/t.answered/t.negative in place. It returns
// whether any question's state changed (so the caller can decide whether
// another cache pass might make further progress without a network round
// trip) and whether a fatal error ended the task.
func (r *Resolver) resolveFromCache(t *task) (progressed bool, fatal bool) {
	now := time.Now()
	cache := t.cacheFor()

	stillPending := t.pending[:0:0]
	for _, q := range t.pending {
		next, resolved, changed, err := r.resolveQuestion(t, cache, q, now)
		if changed {
			progressed = true
		}
		if err != nil {
			r.fail(t, err)
			return progressed, true
		}
		if !resolved {
			stillPending = append(stillPending, next)
		}
	}
	t.pending = stillPending
	return progressed, false
}

// resolveQuestion runs steps 1-4 for a single question, following CNAME
// chains in place. It returns the question to keep pending (its name
// advances to the current CNAME target so the caller doesn't re-walk
// already-cached hops from scratch), resolved=true if it left pending
// (answered or negative), and changed=true if cache state advanced it at
// all (even partway through a CNAME chain), which lets driveLoop retry the
// whole pending set without waiting on the network.
//
// The cycle check is local to this single walk: since every call restarts
// from q's current name and replays whatever hops the cache already has,
// a hop seen earlier in a previous call is expected, not a cycle. Only a
// name repeating within the same walk (A->B->A) is circular.
func (r *Resolver) resolveQuestion(t *task, cache *rrcache.Cache, q Question, now time.Time) (next Question, resolved, changed bool, err error) {
	name := q.Name
	seen := map[string]bool{strings.ToLower(name): true}
	for {
		// Step 1: cache hit, positive.
		if q.Type == dns.TypeANY {
			if rrs, handles := cache.LookupAny(name, q.Class, now); len(rrs) > 0 {
				for i, rr := range rrs {
					t.lock(handles[i], rr)
					t.answers = append(t.answers, rr)
				}
				t.answered = append(t.answered, Question{Name: name, Type: q.Type, Class: q.Class})
				return Question{Name: name, Type: q.Type, Class: q.Class}, true, true, nil
			}
		} else if rr, h, ok := cache.LookupOne(name, q.Type, q.Class, now); ok {
			t.lock(h, rr)
			t.answers = append(t.answers, rr)
			t.answered = append(t.answered, Question{Name: name, Type: q.Type, Class: q.Class})
			return Question{Name: name, Type: q.Type, Class: q.Class}, true, true, nil
		}

		// Step 2: cache hit, negative.
		if q.Type != dns.TypeANY && cache.IsNegative(name, q.Type, q.Class, now) {
			t.negative = append(t.negative, Question{Name: name, Type: q.Type, Class: q.Class})
			return Question{Name: name, Type: q.Type, Class: q.Class}, true, true, nil
		}

		// Step 3: CNAME follow.
		if q.Type != dns.TypeCNAME && q.Type != dns.TypeANY {
			if target, ok := cache.CNAME(name, q.Class); ok {
				target = dns.CanonicalName(target)
				key := strings.ToLower(target)
				if seen[key] {
					return Question{Name: name, Type: q.Type, Class: q.Class}, false, true, errors.Wrapf(ErrCircularCNAME, "%s", q.Name)
				}
				seen[key] = true
				if cn, h, ok := cache.LookupOne(name, dns.TypeCNAME, q.Class, now); ok {
					t.lock(h, cn)
					t.authority = append(t.authority, cn)
				}
				name = target
				changed = true
				continue
			}
		}

		next = Question{Name: name, Type: q.Type, Class: q.Class}

		// Step 4: iteration cap.
		if t.nIterations >= t.maxIterations {
			return next, false, changed, errors.Wrapf(ErrTooManyRetries, "%s", q.Name)
		}

		return next, false, changed, nil
	}
}

// issueQueries implements drive-loop step 5/6: build one outbound message
// per nameserver needed to make progress on the remaining pending
// questions, issue them, and arm the retry timer.
func (r *Resolver) issueQueries(t *task) {
	if t.nIterations >= t.maxIterations {
		r.fail(t, errors.Wrapf(ErrTooManyRetries, "task %d", t.id))
		return
	}

	now := time.Now()
	byTarget := map[string][]Question{}

	if t.stubResolver {
		if !t.usedConfNS {
			for _, addr := range r.configuredNameservers {
				t.nameservers.AppendDefault(addr)
			}
			t.usedConfNS = true
		}
		target := ""
		if !t.nameservers.Empty() {
			target = t.nameservers.Entries()[0].Addr
		}
		if target == "" {
			r.fail(t, errors.Wrapf(ErrNoNameServers, "task %d", t.id))
			return
		}
		for _, q := range t.pending {
			byTarget[target] = append(byTarget[target], q)
		}
	} else {
		for _, q := range t.pending {
			target := r.selectNameserver(t, q.Name, now)
			if target == "" {
				r.fail(t, errors.Wrapf(ErrNoNameServers, "%s", q.Name))
				return
			}
			byTarget[target] = append(byTarget[target], q)
		}
	}

	minBackoff := time.Duration(-1)
	for target, qs := range byTarget {
		entry := t.nameservers.FindOrAdd(target)

		msg := &dns.Msg{}
		msg.Id = t.messageID
		msg.RecursionDesired = t.stubResolver
		for _, q := range qs {
			msg.Question = append(msg.Question, q.toWire())
		}

		packed, err := msg.Pack()
		if err != nil {
			r.fail(t, errors.Wrap(err, "pack outbound message"))
			return
		}

		peer, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			r.fail(t, errors.Wrapf(err, "resolve nameserver %s", target))
			return
		}
		if err := r.transport.Send(Packet{Payload: packed, Peer: peer}); err != nil {
			r.fail(t, errors.Wrap(err, "send query"))
			return
		}

		t.nameservers.MarkQueried(entry)
		t.trace.recordQuery(target, msg)

		backoff := backoffFor(entry.MessagesSent)
		if minBackoff < 0 || backoff < minBackoff {
			minBackoff = backoff
		}
		for _, q := range qs {
			if rtt := r.roundTripTimeout(q.Type, q.Name, target); rtt > 0 && rtt < minBackoff {
				minBackoff = rtt
			}
		}
	}

	t.nIterations++
	if minBackoff < 0 {
		minBackoff = backoffFor(1)
	}
	r.armTimer(t, minBackoff)
}

// backoffFor implements the spec's exponential retry schedule:
// 2^min(sends,6) + 3 seconds.
func backoffFor(sends int) time.Duration {
	capped := sends
	if capped > 6 {
		capped = 6
	}
	return time.Duration(1<<uint(capped)+3) * time.Second
}

// selectNameserver implements iterative-mode target selection (spec
// §4.4.2 step 5): walk name pieces from most specific to least, and use the
// first one the cache has a resolvable NS for; fall back to the configured
// nameservers.
func (r *Resolver) selectNameserver(t *task, name string, now time.Time) string {
	cache := t.cacheFor()
	for _, piece := range nameHierarchy(name) {
		_, addr, ok := cache.GetNSAddr(piece, now)
		if !ok || addr == "" {
			continue
		}
		target := addr + ":" + r.defaultPort
		r.authority.Grant(target, piece, authority.NameAndSuffix, now.Add(grantWindow))
		t.nameservers.FindOrAdd(target)
		return target
	}

	if !t.usedConfNS {
		for _, addr := range r.configuredNameservers {
			t.nameservers.AppendDefault(addr)
		}
		t.usedConfNS = true
	}
	if t.nameservers.Empty() {
		return ""
	}
	return t.nameservers.Entries()[0].Addr
}

// roundTripTimeout consults the configured RoundTripPolicy (spec §4.4.2
// step 6 distinguishes this per-exchange deadline from the exponential
// backoff cadence) for the deadline a single exchange with target should
// be given before the engine gives up waiting on it specifically and
// re-enters the drive loop, rather than waiting out the full backoff.
func (r *Resolver) roundTripTimeout(qtype uint16, name, target string) time.Duration {
	if r.RoundTripPolicy == nil {
		return 0
	}
	return r.RoundTripPolicy(qtype, name, target)
}

// nameHierarchy returns name's ancestor pieces from most to least specific,
// ending in the root: "a.b.c." -> ["a.b.c.", "b.c.", "c.", "."].
func nameHierarchy(name string) []string {
	labels := dns.SplitDomainName(name)
	out := make([]string, 0, len(labels)+1)
	for i := range labels {
		out = append(out, dns.Fqdn(strings.Join(labels[i:], ".")))
	}
	out = append(out, ".")
	return out
}

// handlePacket decodes an inbound packet and dispatches it to every task
// chained on its message id (spec §4.4.3, §4.5 "readable").
func (r *Resolver) handlePacket(pkt Packet) {
	msg := &dns.Msg{}
	if err := msg.Unpack(pkt.Payload); err != nil {
		r.logDecodeFailure(pkt.Peer.String(), err)
		return
	}

	chain := append([]*task(nil), r.tasks[msg.Id]...)
	if len(chain) == 0 {
		return
	}

	peer := pkt.Peer.String()
	now := time.Now()
	for _, t := range chain {
		r.incorporate(t, msg, peer, now)
	}
}

// incorporate is drive-loop step §4.4.3: admit trusted records into the
// cache, lock the ones relevant to this task, extend authority grants,
// classify the response code, and re-enter the drive loop unless the
// response carried nothing relevant (a stray/duplicate, logged and
// ignored).
func (r *Resolver) incorporate(t *task, msg *dns.Msg, peer string, now time.Time) {
	if t.destroyed {
		return
	}

	for i := len(t.trace.Nodes) - 1; i >= 0; i-- {
		n := t.trace.Nodes[i]
		if n.Server == peer && n.Response == nil {
			n.Response = msg
			break
		}
	}

	relevant := false

	nsGlue := map[string]string{}
	for _, rr := range msg.Extra {
		if a, ok := rr.(*dns.A); ok {
			nsGlue[strings.ToLower(a.Header().Name)] = a.A.String()
		}
	}

	sections := []struct {
		rrs  []dns.RR
		dest *[]dns.RR
	}{
		// Answer-section records reach t.answers through the drive loop's
		// cache lookup (step 1), so they are only locked here, not collected.
		{msg.Answer, nil},
		{msg.Ns, &t.authority},
		{msg.Extra, &t.additional},
	}

	for _, sec := range sections {
		for _, rr := range sec.rrs {
			owner := rr.Header().Name
			trusted := r.isConfiguredNameserver(peer) || r.authority.Check(peer, owner, now)
			if !trusted {
				r.logDroppedRecord(peer, owner)
				continue
			}

			stored := rr
			if override, ok := r.CachePolicy(rr); ok {
				stored = dns.Copy(rr)
				stored.Header().Ttl = uint32(override / time.Second)
			}
			h := t.cacheFor().Insert(stored, msg.Authoritative, now)

			if r.isRelevant(t, rr) {
				relevant = true
				t.lock(h, rr)
				if sec.dest != nil {
					*sec.dest = append(*sec.dest, rr)
				}
			}

			r.extendGrants(rr, peer, nsGlue, t.cacheFor(), now)
		}
	}

	switch msg.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeFormatError:
		r.fail(t, errors.Wrapf(ErrFormatError, "from %s", peer))
		return
	case dns.RcodeServerFailure, dns.RcodeNotImplemented, dns.RcodeRefused:
		r.fail(t, errors.Wrapf(ErrServerProblem, "from %s", peer))
		return
	case dns.RcodeNameError:
		for _, q := range msg.Question {
			question := fromWireQuestion(q)
			t.cacheFor().InsertNegative(question.Name, question.Type, question.Class, r.NegativeTTL, now)
		}
		name := ""
		if len(msg.Question) > 0 {
			name = msg.Question[0].Name
		}
		r.fail(t, errors.Wrapf(ErrNotFound, "%s", name))
		return
	}

	if !relevant {
		r.logStrayResponse(peer, msg.Id)
		return
	}

	r.driveLoop(t)
}

// isRelevant implements check_does_rr_answer_question: rr answers a
// pending question if its owner is on that question's CNAME chain (or
// equal to it) and the type matches, the question is WILDCARD, or rr is
// itself a CNAME (which always advances the chain regardless of the
// question's type); or if rr is an NS record whose owner is a suffix of
// any name on the question's CNAME chain (advancing the zone walk even
// though it doesn't itself answer the question).
func (r *Resolver) isRelevant(t *task, rr dns.RR) bool {
	hdr := rr.Header()
	for _, q := range t.pending {
		lookup := func(name string) (string, bool) { return t.cacheFor().CNAME(name, q.Class) }

		if hdr.Rrtype == dns.TypeNS {
			for _, name := range cnameChain(q.Name, lookup) {
				if isSuffixFor(name, hdr.Name) {
					return true
				}
			}
		}

		if isOrIsCNAMEFor(hdr.Name, q.Name, lookup) {
			if q.Type == dns.TypeANY || q.Type == hdr.Rrtype || hdr.Rrtype == dns.TypeCNAME {
				return true
			}
		}
	}
	return false
}

// extendGrants implements §4.2's two grant sources: a resolved NS record
// grants its address authority over the delegated zone, and a CNAME grants
// the responding peer authority over the canonical name's parent domain.
func (r *Resolver) extendGrants(rr dns.RR, peer string, nsGlue map[string]string, cache *rrcache.Cache, now time.Time) {
	switch rec := rr.(type) {
	case *dns.NS:
		zone := dns.CanonicalName(rec.Header().Name)
		host := strings.ToLower(dns.CanonicalName(rec.Ns))
		addr := nsGlue[host]
		if addr == "" {
			if a, _, ok := cache.LookupOne(host, dns.TypeA, dns.ClassINET, now); ok {
				addr = a.(*dns.A).A.String()
			}
		}
		if addr != "" {
			r.authority.Grant(addr+":"+r.defaultPort, zone, authority.NameAndSuffix, now.Add(grantWindow))
		}
	case *dns.CNAME:
		parent := parentDomain(dns.CanonicalName(rec.Target))
		r.authority.Grant(peer, parent, authority.NameAndSuffix, now.Add(grantWindow))
	}
}

// parentDomain returns the parent of name: the name with its leftmost
// label removed. The root's parent is itself.
func parentDomain(name string) string {
	labels := dns.SplitDomainName(name)
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}
