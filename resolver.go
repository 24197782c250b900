package dnsresolver

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/corvidae/dnsresolver/authority"
	"github.com/corvidae/dnsresolver/rrcache"
)

// Default iteration caps (spec §5): recursive tasks lean on an upstream
// resolver to do the zone walk for them and so need fewer rounds;
// iterative tasks walk the hierarchy themselves.
const (
	DefaultMaxIterationsRecursive = 5
	DefaultMaxIterationsIterative = 10
)

// grantWindow is how long an IP authority grant lasts once learned from an
// NS or CNAME record: roughly one round trip, per spec §4.2.
const grantWindow = 30 * time.Second

// Resolver is the outer object: it owns the transport, the shared cache,
// the IP authority table and configuration, and runs the single-threaded
// drive loop that all Tasks are processed on (spec §4.5, §5).
//
// Task bookkeeping is touched only from the Run goroutine: Resolve and
// Cancel serialize onto it via channels rather than locking, matching the
// "no internal locks" scheduling model. The configuration setters
// (AddNameserver, AddSearchPath, SetCache, SetStubResolver, ...) write the
// Resolver's fields directly, without any synchronization.
type Resolver struct {
	transport Transport
	cache     *rrcache.Cache
	authority *authority.Table

	configuredNameservers []string
	searchPaths           []string

	stubResolver bool
	defaultPort  string

	RoundTripPolicy RoundTripPolicy
	CachePolicy     CachePolicy
	NegativeTTL     time.Duration

	Logger Logger

	maxIterationsRecursive int
	maxIterationsIterative int

	nextMessageID uint16
	nextHandle    Handle
	tasks         map[uint16][]*task // message id -> chain, tolerates 16-bit collisions
	byHandle      map[Handle]*task

	submitCh chan *submitRequest
	cancelCh chan Handle
	timeout  chan Handle

	done chan struct{}
}

type submitRequest struct {
	recursive bool
	questions []Question
	onSuccess SuccessFunc
	onFail    FailFunc
	onDestroy DestroyFunc
	reply     chan Handle
}

// NewResolver builds a Resolver around an already-open Transport. Use
// SetCache to share a cache across Resolvers' worth of tasks within one
// Resolver (a Cache must not be shared across Resolvers running their own
// loops); without one, each Task gets a private cache.
func NewResolver(transport Transport) *Resolver {
	return &Resolver{
		transport:              transport,
		defaultPort:            "53",
		authority:              authority.New(),
		RoundTripPolicy:        DefaultRoundTripPolicy(),
		CachePolicy:            DefaultCachePolicy(),
		NegativeTTL:            5 * time.Minute,
		maxIterationsRecursive: DefaultMaxIterationsRecursive,
		maxIterationsIterative: DefaultMaxIterationsIterative,
		tasks:                  map[uint16][]*task{},
		byHandle:               map[Handle]*task{},
		submitCh:               make(chan *submitRequest),
		cancelCh:               make(chan Handle),
		timeout:                make(chan Handle, 16),
		done:                   make(chan struct{}),
	}
}

// SetCache installs a shared cache for every Task this Resolver creates
// from now on. Passing nil reverts to a private cache per Task.
func (r *Resolver) SetCache(c *rrcache.Cache) { r.cache = c }

// SetDefaultPort overrides the port used when dialing a nameserver
// discovered through the zone walk (glue A/AAAA records never carry a
// port; RFC 1035 nameservers listen on 53, but test fixtures commonly
// don't).
func (r *Resolver) SetDefaultPort(port string) { r.defaultPort = port }

// SetStubResolver toggles whether new Tasks send recursion-desired queries
// to the configured nameservers (stub mode) or walk the zone hierarchy
// themselves (iterative mode, the default).
func (r *Resolver) SetStubResolver(stub bool) { r.stubResolver = stub }

// AddNameserver registers addr ("ip:port") as a configured, implicitly
// trusted nameserver.
func (r *Resolver) AddNameserver(addr string) {
	r.configuredNameservers = append(r.configuredNameservers, addr)
}

// AddSearchPath appends a search-path domain, consulted by higher-level
// callers building candidate names; the engine itself only ever resolves
// the fully qualified names it is given.
func (r *Resolver) AddSearchPath(domain string) {
	r.searchPaths = append(r.searchPaths, dnsCanonical(domain))
}

func (r *Resolver) isConfiguredNameserver(addr string) bool {
	for _, ns := range r.configuredNameservers {
		if ns == addr {
			return true
		}
	}
	return false
}

// Resolve submits a new Task and returns its handle once the Resolver's
// loop has accepted it. recursive selects the iteration cap (spec §5); it
// does not by itself change stub-vs-iterative mode, which is a Resolver-
// wide setting (SetStubResolver).
func (r *Resolver) Resolve(recursive bool, questions []Question, onSuccess SuccessFunc, onFail FailFunc, onDestroy DestroyFunc) (Handle, error) {
	req := &submitRequest{
		recursive: recursive,
		questions: questions,
		onSuccess: onSuccess,
		onFail:    onFail,
		onDestroy: onDestroy,
		reply:     make(chan Handle, 1),
	}
	select {
	case r.submitCh <- req:
	case <-r.done:
		return 0, ErrTransportClosed
	}
	select {
	case h := <-req.reply:
		return h, nil
	case <-r.done:
		return 0, ErrTransportClosed
	}
}

// Cancel cancels the Task identified by h. After Cancel returns, that
// Task's success/failure callbacks will never fire; its destroy callback,
// if any, fires exactly once.
func (r *Resolver) Cancel(h Handle) {
	select {
	case r.cancelCh <- h:
	case <-r.done:
	}
}

// Run drives the Resolver's event loop until ctx is cancelled or the
// transport shuts down. It is meant to run on its own goroutine; it is the
// only goroutine that touches Resolver's task bookkeeping, the cache, and
// the authority table.
func (r *Resolver) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.failAll(ctx.Err())
			return ctx.Err()

		case <-r.transport.Closed():
			r.failAll(errors.Wrap(ErrTransportClosed, "transport closed"))
			return r.transport.Err()

		case pkt := <-r.transport.Recv():
			r.handlePacket(pkt)

		case req := <-r.submitCh:
			t := r.createTask(req)
			req.reply <- t.id
			r.driveLoop(t)

		case h := <-r.cancelCh:
			r.cancelTask(h)

		case h := <-r.timeout:
			if t, ok := r.byHandle[h]; ok {
				r.handleTimeout(t)
			}
		}
	}
}

func (r *Resolver) createTask(req *submitRequest) *task {
	r.nextHandle++
	r.nextMessageID++

	maxIter := r.maxIterationsIterative
	if req.recursive {
		maxIter = r.maxIterationsRecursive
	}

	t := &task{
		id:            r.nextHandle,
		client:        r,
		messageID:     r.nextMessageID,
		stubResolver:  r.stubResolver,
		recursive:     req.recursive,
		maxIterations: maxIter,
		pending:       append([]Question(nil), req.questions...),
		onSuccess:     req.onSuccess,
		onFail:        req.onFail,
		onDestroy:     req.onDestroy,
		trace:         &Trace{},
	}
	if r.cache == nil {
		t.cache = rrcache.New(0, 0)
	}

	r.byHandle[t.id] = t
	r.tasks[t.messageID] = append(r.tasks[t.messageID], t)
	return t
}

func (r *Resolver) removeFromDispatch(t *task) {
	chain := r.tasks[t.messageID]
	for i, cand := range chain {
		if cand == t {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(r.tasks, t.messageID)
	} else {
		r.tasks[t.messageID] = chain
	}
	delete(r.byHandle, t.id)
}

func (r *Resolver) cancelTask(h Handle) {
	t, ok := r.byHandle[h]
	if !ok || t.destroyed {
		return
	}
	t.cancelled = true
	r.destroy(t)
}

func (r *Resolver) failAll(err error) {
	for _, t := range r.allTasks() {
		r.fail(t, err)
	}
}

func (r *Resolver) allTasks() []*task {
	out := make([]*task, 0, len(r.byHandle))
	for _, t := range r.byHandle {
		out = append(out, t)
	}
	return out
}

func (r *Resolver) armTimer(t *task, d time.Duration) {
	t.stopTimer()
	id := t.id
	t.timer = time.AfterFunc(d, func() {
		select {
		case r.timeout <- id:
		case <-r.done:
		}
	})
}

func (r *Resolver) handleTimeout(t *task) {
	if t.destroyed {
		return
	}
	r.driveLoop(t)
}

// destroy tears a task down exactly once: stops its timer, releases its
// cache locks, removes it from dispatch, and invokes onDestroy. It is
// called after succeed, fail, or a direct cancellation.
func (r *Resolver) destroy(t *task) {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.stopTimer()
	t.releaseLocks()
	r.removeFromDispatch(t)
	if t.onDestroy != nil {
		t.onDestroy(t.trace)
	}
}

func (r *Resolver) succeed(t *task) {
	if t.destroyed || t.cancelled {
		return
	}
	t.succeeded = true
	r.logTaskOutcome(t, "success", nil)
	if t.onSuccess != nil {
		t.onSuccess(t.answers, t.authority, t.additional, t.negative)
	}
	r.destroy(t)
}

func (r *Resolver) fail(t *task, err error) {
	if t.destroyed || t.cancelled || t.succeeded || t.failed {
		return
	}
	t.failed = true
	r.logTaskOutcome(t, "failure", err)
	if t.onFail != nil {
		t.onFail(err)
	}
	r.destroy(t)
}

func dnsCanonical(s string) string {
	return strings.TrimSuffix(strings.ToLower(s), ".") + "."
}
