// Package protocol implements the Kademlia protocol engine: dispatch of
// inbound requests, the four outbound RPCs (ping/store/find_node/
// find_value), and the iterative node lookup driving Put and Get.
//
// Engine is the only component that depends on both dht and rpc — it
// sits at the top of the dependency order in spec.md section 2 (Key ->
// Node -> {RoutingTable, Transport} -> Engine) and is the piece that
// closes the routing table's ping-back cycle (see dht.PingRequest and
// Engine.Run).
package protocol

import (
	"context"
	"time"

	"github.com/alissonFabricio04/kademlia-dht/dht"
	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/alissonFabricio04/kademlia-dht/rpc"
	"github.com/sirupsen/logrus"
)

// Alpha is the default lookup parallelism, per spec.md section 4.5.3
// and the GLOSSARY.
const Alpha = 3

// Engine dispatches inbound RPCs, performs outbound RPCs, and drives
// iterative lookups. It owns no network resources directly — those
// belong to the rpc.Transport it is given — but it does own the local
// key/value store (spec.md section 3).
type Engine struct {
	self      dht.Node
	transport *rpc.Transport
	table     *dht.RoutingTable
	store     *store
	timeout   time.Duration
	alpha     int
}

// New builds an Engine wired to transport and table. timeout is the
// per-RPC deadline (spec.md section 4.3/6); zero selects
// rpc.DefaultTimeout. alpha is the lookup parallelism; zero selects
// Alpha.
func New(self dht.Node, transport *rpc.Transport, table *dht.RoutingTable, timeout time.Duration, alpha int) *Engine {
	if timeout <= 0 {
		timeout = rpc.DefaultTimeout
	}
	if alpha <= 0 {
		alpha = Alpha
	}
	return &Engine{self: self, transport: transport, table: table, store: newStore(), timeout: timeout, alpha: alpha}
}

// Run services both the inbound-request channel and the routing
// table's ping-back channel until ctx is done. It must run for the
// lifetime of the node: inbound dispatch and full-bucket eviction
// decisions both depend on it.
func (e *Engine) Run(ctx context.Context, inbound <-chan rpc.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-inbound:
			go e.handleInbound(in)
		case pr := <-e.table.PingRequests():
			go func(pr dht.PingRequest) {
				pr.Reply <- e.Ping(ctx, pr.Node)
			}(pr)
		}
	}
}

// handleInbound implements spec.md section 4.5.1: update the routing
// table with the sender, compute the response, and reply with the same
// token and swapped src/dst.
func (e *Engine) handleInbound(in rpc.Inbound) {
	srcNode, err := dht.ParseNode(in.Src)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleInbound",
			"src":      in.Src,
			"error":    err.Error(),
		}).Warn("dropping request with unparseable source")
		return
	}
	e.table.Update(srcNode)

	resp := e.respond(in.Req)

	if err := e.transport.Reply(in, resp); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleInbound",
			"src":      in.Src,
			"error":    err.Error(),
		}).Warn("failed to send reply")
	}
}

func (e *Engine) respond(req rpc.Request) rpc.Response {
	switch req.Kind {
	case rpc.KindPing:
		return rpc.PingResponse()
	case rpc.KindStore:
		e.store.put(req.StoreKey, req.StoreVal)
		return rpc.PingResponse()
	case rpc.KindFindNode:
		return rpc.FindNodeResponse(e.entriesFor(req.Target))
	case rpc.KindFindValue:
		if v, ok := e.store.get(req.FindKey); ok {
			return rpc.FindValueResponse(v)
		}
		return rpc.FindValueNodesResponse(e.entriesFor(key.Hash(req.FindKey)))
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.respond",
			"kind":     req.Kind,
		}).Warn("unknown request kind")
		return rpc.PingResponse()
	}
}

// entriesFor returns the alpha closest known peers to target, wire-ready.
func (e *Engine) entriesFor(target key.Key) []rpc.FoundEntry {
	closest := e.table.Closest(target, e.alpha)
	entries := make([]rpc.FoundEntry, len(closest))
	for i, c := range closest {
		entries[i] = rpc.FoundEntry{IP: c.Node.IP, Port: c.Node.Port, Distance: c.Dist}
	}
	return entries
}

func toNode(e rpc.FoundEntry) dht.Node {
	return dht.NewNode(e.IP, e.Port)
}
