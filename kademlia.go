// Package kademlia wires the key, dht, rpc, and protocol packages into
// a runnable DHT peer: Config carries the runtime knobs, and Peer owns
// the node descriptor, routing table, transport, and protocol engine
// for one local participant.
package kademlia

import (
	"context"
	"fmt"
	"time"

	"github.com/alissonFabricio04/kademlia-dht/dht"
	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/alissonFabricio04/kademlia-dht/protocol"
	"github.com/alissonFabricio04/kademlia-dht/rpc"
	"github.com/sirupsen/logrus"
)

// Config carries the runtime knobs described in spec.md section 6.
// KeyLen and Buckets are structural constants (array sizes), not
// configurable here — see key.Len and dht.Buckets.
type Config struct {
	// Address is the local "ip:port" the peer binds its UDP socket to.
	Address string

	// Bootstrap is an optional peer address that New inserts into the
	// routing table; Start then runs a self-lookup through it. Empty
	// means this peer starts with no known peers.
	Bootstrap string

	// K is the k-bucket capacity. Zero selects dht.K.
	K int

	// Alpha is the lookup parallelism. Zero selects protocol.Alpha.
	Alpha int

	// RPCTimeoutMS is the per-RPC deadline in milliseconds. Zero
	// selects rpc.DefaultTimeout.
	RPCTimeoutMS int
}

// DefaultConfig returns the spec's default knobs bound to address.
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		K:            dht.K,
		Alpha:        protocol.Alpha,
		RPCTimeoutMS: int(rpc.DefaultTimeout / time.Millisecond),
	}
}

// Peer is one DHT participant: a bound UDP socket, a routing table, and
// the protocol engine driving both inbound dispatch and outbound
// lookups/Put/Get.
type Peer struct {
	self      dht.Node
	table     *dht.RoutingTable
	transport *rpc.Transport
	engine    *protocol.Engine
	inbound   chan rpc.Inbound
	cancel    context.CancelFunc
}

// New assembles a Peer per the dependency order in spec.md section 2
// (Key/Distance -> Node -> {RoutingTable, Transport} -> Engine). The
// UDP socket is bound immediately; Start must still be called to begin
// servicing it.
func New(cfg Config) (*Peer, error) {
	k := cfg.K
	if k <= 0 {
		k = dht.K
	}
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = protocol.Alpha
	}
	timeout := time.Duration(cfg.RPCTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = rpc.DefaultTimeout
	}

	var bootstrap *dht.Node
	if cfg.Bootstrap != "" {
		n, err := dht.ParseNode(cfg.Bootstrap)
		if err != nil {
			return nil, fmt.Errorf("kademlia: invalid bootstrap address: %w", err)
		}
		bootstrap = &n
	}

	inbound := make(chan rpc.Inbound, 32)
	transport, err := rpc.Open(cfg.Address, inbound)
	if err != nil {
		return nil, fmt.Errorf("kademlia: %w", err)
	}

	// Re-derive self from the actual bound address: cfg.Address may use
	// port 0 to request an ephemeral port, and the id is a function of
	// the real address, not the requested one.
	self, err := dht.ParseNode(transport.LocalAddr().String())
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("kademlia: %w", err)
	}

	table := dht.NewRoutingTableWithCapacity(self, k, bootstrap)

	engine := protocol.New(self, transport, table, timeout, alpha)

	return &Peer{self: self, table: table, transport: transport, engine: engine, inbound: inbound}, nil
}

// Self returns this peer's node descriptor.
func (p *Peer) Self() dht.Node {
	return p.self
}

// Start runs the protocol engine's service loop until ctx is done or
// Close is called. If the table was seeded with a bootstrap node, Start
// also issues a self-lookup to populate the routing table from the rest
// of the network, per spec.md section 6.
func (p *Peer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.engine.Run(runCtx, p.inbound)

	if p.table.Len() > 0 {
		go func() {
			nodes := p.engine.LookupNodes(runCtx, p.self.ID())
			logrus.WithFields(logrus.Fields{
				"function": "Peer.Start",
				"found":    len(nodes),
			}).Debug("self-lookup complete")
		}()
	}
	return nil
}

// Close stops the engine's service loop and releases the UDP socket.
func (p *Peer) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.transport.Close()
}

// Ping checks whether dst is reachable, updating or evicting it in the
// routing table accordingly.
func (p *Peer) Ping(ctx context.Context, dst dht.Node) bool {
	return p.engine.Ping(ctx, dst)
}

// Put stores val under key across the network, per spec.md section 5.
func (p *Peer) Put(ctx context.Context, k, val string) bool {
	return p.engine.Put(ctx, k, val)
}

// Get retrieves the value stored under key, per spec.md section 5.
func (p *Peer) Get(ctx context.Context, k string) (string, bool) {
	return p.engine.Get(ctx, k)
}

// Lookup exposes the iterative node lookup directly, primarily useful
// for tests and diagnostics; Start already triggers one self-lookup
// automatically when bootstrapped.
func (p *Peer) Lookup(ctx context.Context, target key.Key) []dht.Node {
	return p.engine.LookupNodes(ctx, target)
}
