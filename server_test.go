package dnsresolver

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

type TestServer struct {
	DB map[uint16]map[string][]dns.RR
	dns.Server
}

func (ts *TestServer) AddRecordSet(rr dns.RR) {
	hdr := rr.Header()

	if ts.DB == nil {
		ts.DB = map[uint16]map[string][]dns.RR{}
	}
	if ts.DB[hdr.Rrtype] == nil {
		ts.DB[hdr.Rrtype] = map[string][]dns.RR{}
	}
	ts.DB[hdr.Rrtype][hdr.Name] = append(ts.DB[hdr.Rrtype][hdr.Name], rr)
}

// NewTestServer returns a DNS server that listens on addr:5354/udp and serves
// the zone specified by zone, the contents of an RFC 1035 style zonefile.
// Unless specified with an $ORIGIN directive, the origin is the root zone ".".
//
// The server is automatically shut down when the test finishes.
func NewTestServer(t *testing.T, addr string, zone string) *TestServer {
	srv := &TestServer{}

	zp := dns.NewZoneParser(
		strings.NewReader(strings.TrimSpace(zone)+"\n"),
		".",
		addr+".zone",
	)

	zp.SetIncludeAllowed(false)

	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		srv.AddRecordSet(rr)
	}

	if err := zp.Err(); err != nil {
		t.Fatal(err)
	}

	t.Logf("Starting name server on %s:5354/udp", addr)
	ln, err := net.ListenPacket("udp", addr+":5354")
	if err != nil {
		t.Fatal(err)
	}

	srv.Server = dns.Server{
		PacketConn: ln,
		Handler:    testHandler(t, zone, addr+".zone"),
	}

	expectErr := make(chan struct{})

	t.Cleanup(func() {
		close(expectErr)
		srv.Shutdown()
	})

	go func() {
		err := srv.ActivateAndServe()
		select {
		case <-expectErr:
		default:
			if err != nil {
				t.Fatal(err)
			}
		}
	}()

	return srv
}

func testHandler(t *testing.T, zone, fname string) dns.Handler {
	zp := dns.NewZoneParser(
		strings.NewReader(strings.TrimSpace(zone)+"\n"),
		".", fname)

	zp.SetIncludeAllowed(false)

	db := map[uint16]map[string][]dns.RR{}

	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		hdr := rr.Header()

		if db[hdr.Rrtype] == nil {
			db[hdr.Rrtype] = map[string][]dns.RR{}
		}
		db[hdr.Rrtype][hdr.Name] = append(db[hdr.Rrtype][hdr.Name], rr)
	}

	if err := zp.Err(); err != nil {
		t.Fatal(err)
	}

	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {

		switch r.Opcode {
		case dns.OpcodeQuery:
		default:
			t.Logf("opcode %v is not supported", r.Opcode)
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotImplemented)
			w.WriteMsg(m)
			return
		}

		if len(r.Question) == 0 {
			t.Logf("no question")
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeFormatError)
			w.WriteMsg(m)
			return
		}

		if len(r.Question) > 1 {
			t.Logf("multiple questions are not supported")
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotImplemented)
			w.WriteMsg(m)
			return
		}

		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeSuccess)
		m.Authoritative = true
		m.Answer = db[m.Question[0].Qtype][m.Question[0].Name]

		if len(m.Answer) == 0 {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNameError)
			w.WriteMsg(m)
			return
		}

		switch m.Question[0].Qtype {
		case dns.TypeNS:
			for _, rr := range m.Answer {
				var additionalIPName string

				switch rr := rr.(type) {
				case *dns.NS:
					additionalIPName = rr.Ns
				}

				if additionalIPName != "" {
					m.Extra = append(m.Extra, db[dns.TypeA][additionalIPName]...)
					m.Extra = append(m.Extra, db[dns.TypeAAAA][additionalIPName]...)
				}
			}
		}

		w.WriteMsg(m)
	})
}
