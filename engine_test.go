package dnsresolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidae/dnsresolver/rrcache"
)

// fakeTransport is an in-memory Transport used to drive the engine through
// literal wire exchanges without a real socket, per spec §8's "end-to-end
// scenarios (literal inputs; responses are synthesized)".
type fakeTransport struct {
	out    chan Packet
	in     chan Packet
	closed chan struct{}
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		out:    make(chan Packet, 16),
		in:     make(chan Packet, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(pkt Packet) error {
	select {
	case f.out <- pkt:
		return nil
	case <-f.closed:
		return ErrTransportClosed
	}
}
func (f *fakeTransport) Recv() <-chan Packet     { return f.in }
func (f *fakeTransport) Closed() <-chan struct{} { return f.closed }
func (f *fakeTransport) Err() error              { return f.err }
func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) takeQuery(t *testing.T) (*dns.Msg, Packet) {
	t.Helper()
	select {
	case pkt := <-f.out:
		msg := &dns.Msg{}
		require.NoError(t, msg.Unpack(pkt.Payload))
		return msg, pkt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound query")
		return nil, Packet{}
	}
}

func (f *fakeTransport) deliver(t *testing.T, from *net.UDPAddr, msg *dns.Msg) {
	t.Helper()
	payload, err := msg.Pack()
	require.NoError(t, err)
	f.in <- Packet{Payload: payload, Peer: from}
}

func mustA(t *testing.T, owner, ip string, ttl uint32) *dns.A {
	rr, err := dns.NewRR(owner + " " + itoa(ttl) + " IN A " + ip)
	require.NoError(t, err)
	return rr.(*dns.A)
}

func mustNS(t *testing.T, owner, ns string, ttl uint32) *dns.NS {
	rr, err := dns.NewRR(owner + " " + itoa(ttl) + " IN NS " + ns)
	require.NoError(t, err)
	return rr.(*dns.NS)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

// newTestResolver builds a Resolver wired to a fakeTransport, with its own
// cache seeded by the caller, running its drive loop on a background
// goroutine for the duration of the test.
func newTestResolver(t *testing.T) (*Resolver, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	r := NewResolver(ft)
	r.SetCache(rrcache.New(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, ft
}

func seed(r *Resolver, now time.Time, rrs ...dns.RR) {
	for _, rr := range rrs {
		r.cache.Insert(rr, true, now)
	}
}

// callbackSink collects exactly one outcome from a Task's callbacks.
type callbackSink struct {
	result chan outcome
}

type outcome struct {
	answers, authority, additional []dns.RR
	negatives                      []Question
	err                            error
}

func newSink() *callbackSink {
	return &callbackSink{result: make(chan outcome, 1)}
}

func (s *callbackSink) onSuccess(answers, authority, additional []dns.RR, negatives []Question) {
	s.result <- outcome{answers: answers, authority: authority, additional: additional, negatives: negatives}
}

func (s *callbackSink) onFail(err error) {
	s.result <- outcome{err: err}
}

func (s *callbackSink) await(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-s.result:
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task outcome")
		return outcome{}
	}
}

func TestColdLookupCachedNS(t *testing.T) {
	now := time.Now()
	r, ft := newTestResolver(t)
	seed(r, now,
		mustNS(t, "example.com.", "ns.example.com.", 300),
		mustA(t, "ns.example.com.", "192.0.2.53", 300),
	)

	sink := newSink()
	_, err := r.Resolve(false, []Question{NewQuestion("www.example.com.", dns.TypeA, dns.ClassINET)}, sink.onSuccess, sink.onFail, nil)
	require.NoError(t, err)

	msg, pkt := ft.takeQuery(t)
	assert.Equal(t, "192.0.2.53:53", pkt.Peer.String())
	assert.Equal(t, "www.example.com.", msg.Question[0].Name)

	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Authoritative = true
	resp.Answer = []dns.RR{mustA(t, "www.example.com.", "203.0.113.9", 300)}
	ft.deliver(t, udpAddr(t, "192.0.2.53:53"), resp)

	out := sink.await(t)
	require.NoError(t, out.err)
	require.Len(t, out.answers, 1)
	assert.Equal(t, "203.0.113.9", out.answers[0].(*dns.A).A.String())
}

func TestCNAMEFollow(t *testing.T) {
	now := time.Now()
	r, ft := newTestResolver(t)
	seed(r, now,
		mustNS(t, "example.com.", "ns.example.com.", 300),
		mustA(t, "ns.example.com.", "192.0.2.53", 300),
	)

	sink := newSink()
	_, err := r.Resolve(false, []Question{NewQuestion("alias.example.com.", dns.TypeA, dns.ClassINET)}, sink.onSuccess, sink.onFail, nil)
	require.NoError(t, err)

	msg1, _ := ft.takeQuery(t)
	cname, err := dns.NewRR("alias.example.com. 300 IN CNAME real.example.com.")
	require.NoError(t, err)
	resp1 := new(dns.Msg)
	resp1.SetReply(msg1)
	resp1.Authoritative = true
	resp1.Answer = []dns.RR{cname}
	ft.deliver(t, udpAddr(t, "192.0.2.53:53"), resp1)

	msg2, _ := ft.takeQuery(t)
	assert.Equal(t, "real.example.com.", msg2.Question[0].Name)

	resp2 := new(dns.Msg)
	resp2.SetReply(msg2)
	resp2.Authoritative = true
	resp2.Answer = []dns.RR{mustA(t, "real.example.com.", "203.0.113.10", 300)}
	ft.deliver(t, udpAddr(t, "192.0.2.53:53"), resp2)

	out := sink.await(t)
	require.NoError(t, out.err)
	require.Len(t, out.answers, 1)
	assert.Equal(t, "203.0.113.10", out.answers[0].(*dns.A).A.String())
}

func TestNXDOMAIN(t *testing.T) {
	now := time.Now()
	r, ft := newTestResolver(t)
	seed(r, now,
		mustNS(t, "example.com.", "ns.example.com.", 300),
		mustA(t, "ns.example.com.", "192.0.2.53", 300),
	)

	sink := newSink()
	_, err := r.Resolve(false, []Question{NewQuestion("bogus.example.com.", dns.TypeA, dns.ClassINET)}, sink.onSuccess, sink.onFail, nil)
	require.NoError(t, err)

	msg, _ := ft.takeQuery(t)
	resp := new(dns.Msg)
	resp.SetRcode(msg, dns.RcodeNameError)
	resp.Authoritative = true
	ft.deliver(t, udpAddr(t, "192.0.2.53:53"), resp)

	out := sink.await(t)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrNotFound)
}

func TestUntrustedRecordDropped(t *testing.T) {
	r, ft := newTestResolver(t)
	r.AddNameserver("192.0.2.1:53")
	r.SetStubResolver(true)

	sink := newSink()
	_, err := r.Resolve(false, []Question{NewQuestion("x.com.", dns.TypeA, dns.ClassINET)}, sink.onSuccess, sink.onFail, nil)
	require.NoError(t, err)

	msg, _ := ft.takeQuery(t)

	// A response claiming to come from a peer the resolver never queried
	// and was never granted authority over: its answer must be dropped,
	// not cached, and the task must stay pending rather than succeed.
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Authoritative = true
	resp.Answer = []dns.RR{mustA(t, "x.com.", "10.0.0.1", 300)}
	ft.deliver(t, udpAddr(t, "198.51.100.7:53"), resp)

	select {
	case <-sink.result:
		t.Fatal("task terminated on an untrusted response, expected it to be ignored")
	case <-time.After(100 * time.Millisecond):
	}

	_, _, ok := r.cache.LookupOne("x.com.", dns.TypeA, dns.ClassINET, time.Now())
	assert.False(t, ok, "untrusted record must not be cached")
}

func TestCircularCNAME(t *testing.T) {
	now := time.Now()
	r, _ := newTestResolver(t)
	cnameA, err := dns.NewRR("a. 300 IN CNAME b.")
	require.NoError(t, err)
	cnameB, err := dns.NewRR("b. 300 IN CNAME a.")
	require.NoError(t, err)
	seed(r, now, cnameA, cnameB)

	sink := newSink()
	_, err = r.Resolve(false, []Question{NewQuestion("a.", dns.TypeA, dns.ClassINET)}, sink.onSuccess, sink.onFail, nil)
	require.NoError(t, err)

	out := sink.await(t)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrCircularCNAME)
}

// TestRetryExhaustsMaxIterations drives the loop by calling driveLoop and
// handleTimeout directly rather than through Run, since the real retry
// schedule (backoffFor) runs to several seconds and no response is ever
// going to arrive for this task.
func TestRetryExhaustsMaxIterations(t *testing.T) {
	r := NewResolver(newFakeTransport())
	r.SetCache(rrcache.New(0, 0))
	r.maxIterationsIterative = 2
	r.AddNameserver("192.0.2.1:53")
	r.SetStubResolver(true)

	sink := newSink()
	req := &submitRequest{
		questions: []Question{NewQuestion("host.test.", dns.TypeA, dns.ClassINET)},
		onSuccess: sink.onSuccess,
		onFail:    sink.onFail,
		reply:     make(chan Handle, 1),
	}
	tk := r.createTask(req)

	r.driveLoop(tk)      // round 1: nIterations 0 -> 1
	r.handleTimeout(tk)  // round 2: nIterations 1 -> 2
	r.handleTimeout(tk)  // round 3: nIterations already at cap, fails

	out := sink.await(t)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrTooManyRetries)
}

// TestCancelPreventsCallbacks exercises spec §4.4.5/§8 property 1: after
// Cancel returns, neither success nor failure fires, but destroy does,
// exactly once.
func TestCancelPreventsCallbacks(t *testing.T) {
	r, ft := newTestResolver(t)
	r.AddNameserver("192.0.2.1:53")
	r.SetStubResolver(true)

	destroyed := make(chan *Trace, 1)
	sink := newSink()
	h, err := r.Resolve(false, []Question{NewQuestion("host.test.", dns.TypeA, dns.ClassINET)},
		sink.onSuccess, sink.onFail,
		func(trace *Trace) { destroyed <- trace },
	)
	require.NoError(t, err)

	ft.takeQuery(t) // wait for the outbound query so the task is definitely pending

	r.Cancel(h)

	select {
	case <-sink.result:
		t.Fatal("success/failure callback fired after Cancel")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case tr := <-destroyed:
		require.NotNil(t, tr)
		assert.Len(t, tr.Nodes, 1, "the query sent before cancellation should still be in the trace")
	case <-time.After(time.Second):
		t.Fatal("destroy callback never fired")
	}
}

// TestDestroyFiresExactlyOnceOnSuccess exercises the non-cancelled half of
// the same property: destroy still fires, with a trace reflecting the
// successful exchange, after success.
func TestDestroyFiresExactlyOnceOnSuccess(t *testing.T) {
	now := time.Now()
	r, ft := newTestResolver(t)
	seed(r, now,
		mustNS(t, "example.com.", "ns.example.com.", 300),
		mustA(t, "ns.example.com.", "192.0.2.53", 300),
	)

	destroyCount := 0
	destroyed := make(chan struct{}, 1)
	sink := newSink()
	_, err := r.Resolve(false, []Question{NewQuestion("www.example.com.", dns.TypeA, dns.ClassINET)},
		sink.onSuccess, sink.onFail,
		func(trace *Trace) {
			destroyCount++
			destroyed <- struct{}{}
		},
	)
	require.NoError(t, err)

	msg, _ := ft.takeQuery(t)
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Authoritative = true
	resp.Answer = []dns.RR{mustA(t, "www.example.com.", "203.0.113.9", 300)}
	ft.deliver(t, udpAddr(t, "192.0.2.53:53"), resp)

	sink.await(t)

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("destroy callback never fired after success")
	}
	assert.Equal(t, 1, destroyCount)
}
