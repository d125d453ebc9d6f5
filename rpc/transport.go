package rpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the default deadline for an outbound RPC, per
// spec.md section 4.3/4.4/6.
const DefaultTimeout = 5 * time.Second

// Inbound is a request handed to the protocol engine by the receive
// loop: the correlation token (echoed back on reply), the sender's
// address text, and the parsed request payload.
type Inbound struct {
	Token key.Key
	Src   string
	Req   Request
}

// pendingEntry is a single-shot slot for a response awaited by
// MakeRequest. It receives at most one response; a second resolution
// attempt is a no-op. On timeout the entry is not resolved: MakeRequest
// drops it from the registry and reports ok=false.
type pendingEntry struct {
	ch   chan Response
	once sync.Once
}

func newPendingEntry() *pendingEntry {
	return &pendingEntry{ch: make(chan Response, 1)}
}

func (p *pendingEntry) resolve(resp Response) {
	p.once.Do(func() { p.ch <- resp })
}

// Transport owns the UDP socket, the receive loop, and the
// pending-request registry that correlates responses to requests by
// token (spec.md section 4.4).
type Transport struct {
	self string
	conn net.PacketConn

	mu      sync.Mutex
	pending map[key.Key]*pendingEntry

	inbound chan<- Inbound

	counter uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Open binds a UDP socket on selfAddr ("ip:port") and starts the
// receive loop, which publishes parsed inbound requests on inbound.
// inbound should be buffered or promptly drained; the loop blocks on a
// full channel.
func Open(selfAddr string, inbound chan<- Inbound) (*Transport, error) {
	conn, err := net.ListenPacket("udp", selfAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rpc.Open",
			"address":  selfAddr,
			"error":    err.Error(),
		}).Error("failed to bind UDP socket")
		return nil, fmt.Errorf("rpc: bind %s: %w", selfAddr, err)
	}

	t := &Transport{
		self:    selfAddr,
		conn:    conn,
		pending: make(map[key.Key]*pendingEntry),
		inbound: inbound,
		done:    make(chan struct{}),
	}
	go t.receiveLoop()
	return t, nil
}

// LocalAddr returns the transport's bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close shuts down the receive loop and the underlying socket.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// nextToken derives a fresh correlation token from a monotonically
// advancing counter concatenated with the self address, per spec.md
// section 4.4/9 — sufficient to be unique with overwhelming probability
// within the lifetime of a pending entry, and avoids the source's bug
// of hashing a fixed string for every request.
func (t *Transport) nextToken() key.Key {
	n := atomic.AddUint64(&t.counter, 1)
	return key.Hash(fmt.Sprintf("%s#%d", t.self, n))
}

// MakeRequest registers a pending entry, sends req to dst, and blocks
// until the matching response arrives (ok=true) or timeout elapses
// (ok=false), whichever is first. A zero timeout uses DefaultTimeout.
func (t *Transport) MakeRequest(req Request, dst string, timeout time.Duration) (Response, bool) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	token := t.nextToken()
	entry := newPendingEntry()

	t.mu.Lock()
	t.pending[token] = entry
	t.mu.Unlock()

	msg := Message{Token: token, Src: t.self, Dst: dst, Kind: KindRequest, Request: req}
	if err := t.SendMsg(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Transport.MakeRequest",
			"dst":      dst,
			"error":    err.Error(),
		}).Warn("failed to send request")
		return Response{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.ch:
		return resp, true
	case <-timer.C:
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		return Response{}, false
	}
}

// SendMsg serializes and transmits msg to its Dst address. Used both for
// unsolicited sends (MakeRequest) and for replies to inbound requests.
func (t *Transport) SendMsg(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("rpc: encode: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", msg.Dst)
	if err != nil {
		return fmt.Errorf("rpc: resolve %s: %w", msg.Dst, err)
	}
	_, err = t.conn.WriteTo(data, addr)
	if err != nil {
		return fmt.Errorf("rpc: write to %s: %w", msg.Dst, err)
	}
	return nil
}

// Reply sends a response for the inbound request identified by in,
// swapping src/dst around (the responder's own address is src).
func (t *Transport) Reply(in Inbound, resp Response) error {
	return t.SendMsg(Message{
		Token:    in.Token,
		Src:      t.self,
		Dst:      in.Src,
		Kind:     KindResponse,
		Response: resp,
	})
}

// receiveLoop reads one datagram at a time, decodes it, and either
// resolves a pending response or publishes an inbound request.
func (t *Transport) receiveLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.done:
				return
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Transport.receiveLoop",
					"error":    err.Error(),
				}).Warn("read error")
				continue
			}
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.receiveLoop",
				"from":     addr.String(),
				"error":    err.Error(),
			}).Warn("dropping malformed datagram")
			continue
		}

		switch msg.Kind {
		case KindResponse:
			t.mu.Lock()
			entry, ok := t.pending[msg.Token]
			if ok {
				delete(t.pending, msg.Token)
			}
			t.mu.Unlock()
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "Transport.receiveLoop",
					"token":    msg.Token.String(),
					"from":     addr.String(),
				}).Warn("dropping response for unknown token")
				continue
			}
			entry.resolve(msg.Response)
		case KindRequest:
			select {
			case t.inbound <- Inbound{Token: msg.Token, Src: msg.Src, Req: msg.Request}:
			case <-t.done:
				return
			}
		}
	}
}
