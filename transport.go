package dnsresolver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Packet is one UDP datagram, inbound or outbound.
type Packet struct {
	Payload []byte
	Peer    *net.UDPAddr
}

// Transport is the bidirectional packet queue the engine sends queries
// through and receives responses from (spec §6 Transport contract). It is
// an explicit external collaborator boundary; this implementation is the
// minimal UDP transport needed to drive the engine, not the hard part of
// this package.
type Transport interface {
	// Send enqueues pkt for delivery on the outbound queue, a buffered
	// channel drained by the writer. It blocks while that queue is full and
	// returns ErrTransportClosed once the transport has shut down.
	Send(pkt Packet) error
	// Recv returns the channel of inbound packets.
	Recv() <-chan Packet
	// Closed is closed when the transport has shut down, for any reason.
	Closed() <-chan struct{}
	// Err returns the error that caused shutdown, if any, once Closed is
	// closed.
	Err() error
	Close() error
}

// udpTransport is a Transport backed by a single UDP socket, with a reader
// and a writer goroutine supervised by an errgroup: if either goroutine
// exits, the other is cancelled and the transport reports closed, matching
// spec §4.5 "if the transport signals read or write shutdown, all
// outstanding tasks fail".
type udpTransport struct {
	conn *net.UDPConn

	out chan Packet
	in  chan Packet

	closed chan struct{}
	err    error

	cancel context.CancelFunc
}

// NewUDPTransport opens a UDP socket bound to laddr (may be "" for any
// local address/port) and starts its reader and writer goroutines.
func NewUDPTransport(laddr string) (Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve local address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &udpTransport{
		conn:   conn,
		out:    make(chan Packet, 256),
		in:     make(chan Packet, 256),
		closed: make(chan struct{}),
		cancel: cancel,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop(gctx) })
	g.Go(func() error { return t.writeLoop(gctx) })

	// ReadFromUDP has no ctx awareness; closing the socket is what
	// actually unblocks readLoop once either goroutine decides to stop.
	go func() {
		<-gctx.Done()
		t.conn.Close()
	}()

	go func() {
		t.err = g.Wait()
		close(t.closed)
	}()

	return t, nil
}

func (t *udpTransport) Send(pkt Packet) error {
	select {
	case t.out <- pkt:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *udpTransport) Recv() <-chan Packet    { return t.in }
func (t *udpTransport) Closed() <-chan struct{} { return t.closed }
func (t *udpTransport) Err() error              { return t.err }

func (t *udpTransport) Close() error {
	t.cancel()
	<-t.closed
	return nil
}

func (t *udpTransport) readLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, peer, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return errors.Wrap(err, "udp read")
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case t.in <- Packet{Payload: payload, Peer: peer}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *udpTransport) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-t.out:
			if _, err := t.conn.WriteToUDP(pkt.Payload, pkt.Peer); err != nil {
				return errors.Wrap(err, "udp write")
			}
		}
	}
}
