package dnsresolver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Trace records every query a Task sent and every response it received,
// across retries and CNAME restarts, in the order the drive loop issued and
// incorporated them.
//
// Unlike a synchronous resolver's call-tree trace, a Task's drive loop is
// iterative rather than recursive, so a Trace is a flat chronological log
// rather than a tree.
type Trace struct {
	Nodes []*TraceNode
}

func (t *Trace) recordQuery(server string, msg *dns.Msg) *TraceNode {
	n := &TraceNode{Server: server, Query: msg}
	t.Nodes = append(t.Nodes, n)
	return n
}

// TraceNode is one outbound query and, once it arrives, its response.
type TraceNode struct {
	Server string

	Query    *dns.Msg
	Response *dns.Msg
	RTT      time.Duration
	Err      error
}

// Dump returns a human-readable rendering of the trace.
//
// The output is meant for human consumption and may change between
// releases without notice. Lines starting with a question mark are
// requests; lines starting with an exclamation mark are the records a
// response carried; lines starting with X are errors.
func (t *Trace) Dump() string {
	buf := &bytes.Buffer{}
	for _, n := range t.Nodes {
		n.dump(buf)
	}
	return buf.String()
}

func (n *TraceNode) dump(w io.Writer) {
	if n == nil || len(n.Query.Question) == 0 {
		return
	}

	fmt.Fprintf(w, "? %s @%s %vms\n", n.fmt(&n.Query.Question[0]), n.Server, n.RTT.Milliseconds())

	if n.Err != nil {
		if errors.Is(n.Err, ErrCircularCNAME) {
			io.WriteString(w, "  X CYCLE\n")
		} else {
			fmt.Fprintf(w, "  X %v\n", n.Err)
		}
		return
	}
	if n.Response == nil {
		io.WriteString(w, "  ~ NO RESPONSE\n")
		return
	}

	msg := n.Response
	if msg.Rcode != dns.RcodeSuccess {
		fmt.Fprintf(w, "  X %s\n", dns.RcodeToString[msg.Rcode])
	} else if empty(msg) {
		io.WriteString(w, "  ~ EMPTY\n")
	}

	for _, rr := range append(append(append([]dns.RR{}, msg.Answer...), msg.Ns...), msg.Extra...) {
		fmt.Fprintf(w, "  ! %v\n", n.fmt(rr))
	}
}

func empty(msg *dns.Msg) bool {
	return len(msg.Answer) == 0 && len(msg.Ns) == 0 && len(msg.Extra) == 0
}

var spaces = regexp.MustCompile(`[\t ]+`)

func (n *TraceNode) fmt(x fmt.Stringer) string {
	s := x.String()
	s = strings.TrimPrefix(s, ";")
	s = spaces.ReplaceAllString(s, " ")
	return s
}
