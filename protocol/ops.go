package protocol

import (
	"context"
	"time"

	"github.com/alissonFabricio04/kademlia-dht/dht"
	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/alissonFabricio04/kademlia-dht/rpc"
	"github.com/sirupsen/logrus"
)

// call is the shared shape behind all four outbound ops (spec.md
// section 4.5.2): issue req to dst, and on success update the routing
// table with dst; on failure (timeout or a response of the wrong
// shape) remove dst from the routing table instead. Grounded on the
// original Rust source's single send_and_wait helper parameterized
// over the request/response pair (src/protocol.rs), avoiding four
// near-duplicate bodies.
func (e *Engine) call(ctx context.Context, dst dht.Node, req rpc.Request) (rpc.Response, bool) {
	timeout := e.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	resp, ok := e.transport.MakeRequest(req, dst.Address(), timeout)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.call",
			"dst":      dst.Address(),
			"kind":     req.Kind,
		}).Debug("rpc timed out, evicting peer")
		e.table.Remove(dst)
		return rpc.Response{}, false
	}

	e.table.Update(dst)
	return resp, true
}

// Ping issues a PING to dst and reports whether it was answered.
func (e *Engine) Ping(ctx context.Context, dst dht.Node) bool {
	resp, ok := e.call(ctx, dst, rpc.PingRequest())
	if !ok {
		return false
	}
	if resp.Kind != rpc.RespPing {
		e.table.Remove(dst)
		return false
	}
	return true
}

// StoreAt issues a STORE(k, v) to dst and reports whether it was
// acknowledged.
func (e *Engine) StoreAt(ctx context.Context, dst dht.Node, k, v string) bool {
	resp, ok := e.call(ctx, dst, rpc.StoreRequest(k, v))
	if !ok {
		return false
	}
	if resp.Kind != rpc.RespPing {
		e.table.Remove(dst)
		return false
	}
	return true
}

// FindNodeAt issues a FIND_NODE(id) to dst and returns the peers it
// reported, or ok=false on timeout/mismatch.
func (e *Engine) FindNodeAt(ctx context.Context, dst dht.Node, target key.Key) ([]dht.Node, bool) {
	resp, ok := e.call(ctx, dst, rpc.FindNodeRequest(target))
	if !ok {
		return nil, false
	}
	if resp.Kind != rpc.RespFindNode {
		e.table.Remove(dst)
		return nil, false
	}
	return nodesFromEntries(resp.Nodes), true
}

// FindValueResult is the outcome of FindValueAt: either a value, or a
// list of closer peers to continue the lookup with.
type FindValueResult struct {
	HasValue bool
	Value    string
	Nodes    []dht.Node
}

// FindValueAt issues a FIND_VALUE(k) to dst.
func (e *Engine) FindValueAt(ctx context.Context, dst dht.Node, k string) (FindValueResult, bool) {
	resp, ok := e.call(ctx, dst, rpc.FindValueRequest(k))
	if !ok {
		return FindValueResult{}, false
	}
	if resp.Kind != rpc.RespFindValue {
		e.table.Remove(dst)
		return FindValueResult{}, false
	}
	if resp.HasValue {
		return FindValueResult{HasValue: true, Value: resp.Value}, true
	}
	return FindValueResult{Nodes: nodesFromEntries(resp.Nodes)}, true
}

func nodesFromEntries(entries []rpc.FoundEntry) []dht.Node {
	nodes := make([]dht.Node, len(entries))
	for i, e := range entries {
		nodes[i] = toNode(e)
	}
	return nodes
}
