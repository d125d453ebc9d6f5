package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/alissonFabricio04/kademlia-dht/dht"
	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/alissonFabricio04/kademlia-dht/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer bundles one running Engine with its own transport and table,
// for tests that need two or more peers talking over real UDP sockets.
type testPeer struct {
	node    dht.Node
	table   *dht.RoutingTable
	engine  *Engine
	cancel  context.CancelFunc
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	inbound := make(chan rpc.Inbound, 16)
	transport, err := rpc.Open("127.0.0.1:0", inbound)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	self, err := dht.ParseNode(transport.LocalAddr().String())
	require.NoError(t, err)

	table := dht.NewRoutingTable(self, nil)
	engine := New(self, transport, table, 300*time.Millisecond, Alpha)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx, inbound)

	return &testPeer{node: self, table: table, engine: engine, cancel: cancel}
}

func TestPingReachesPeerAndUpdatesTable(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)

	ok := a.engine.Ping(context.Background(), b.node)
	assert.True(t, ok)
	assert.Equal(t, 1, a.table.Len())
}

func TestPingUnreachablePeerFails(t *testing.T) {
	a := newTestPeer(t)
	dead := dht.NewNode("127.0.0.1", 1)

	ok := a.engine.Ping(context.Background(), dead)
	assert.False(t, ok)
}

func TestStoreThenFindValueAtReturnsValue(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)

	require.True(t, a.engine.StoreAt(context.Background(), b.node, "greeting", "hello"))

	res, ok := a.engine.FindValueAt(context.Background(), b.node, "greeting")
	require.True(t, ok)
	assert.True(t, res.HasValue)
	assert.Equal(t, "hello", res.Value)
}

func TestFindValueAtFallsBackToNodesWhenAbsent(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	c := newTestPeer(t)
	a.engine.Ping(context.Background(), c.node)
	b.table.Update(c.node)

	res, ok := a.engine.FindValueAt(context.Background(), b.node, "missing-key")
	require.True(t, ok)
	assert.False(t, res.HasValue)
}

func TestFindNodeAtReturnsClosestKnownPeers(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	c := newTestPeer(t)
	b.table.Update(c.node)

	nodes, ok := a.engine.FindNodeAt(context.Background(), b.node, c.node.ID())
	require.True(t, ok)
	found := false
	for _, n := range nodes {
		if n.Equal(c.node) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPutThenGetRoundTripsAcrossPeers(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	c := newTestPeer(t)

	a.engine.Ping(context.Background(), b.node)
	a.engine.Ping(context.Background(), c.node)
	b.engine.Ping(context.Background(), c.node)

	ok := a.engine.Put(context.Background(), "shared-key", "shared-value")
	assert.True(t, ok)

	v, ok := a.engine.Get(context.Background(), "shared-key")
	require.True(t, ok)
	assert.Equal(t, "shared-value", v)
}

// TestPutWithNoPeersStoresLocally covers the boundary case in which
// self is the only responsive peer: the lookup finds nobody, so Put
// must fall back to the local store rather than silently dropping the
// value.
func TestPutWithNoPeersStoresLocally(t *testing.T) {
	a := newTestPeer(t)

	ok := a.engine.Put(context.Background(), "lonely-key", "lonely-value")
	assert.True(t, ok)

	v, ok := a.engine.Get(context.Background(), "lonely-key")
	require.True(t, ok)
	assert.Equal(t, "lonely-value", v)
}

func TestGetAbsentKeyTerminates(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	a.engine.Ping(context.Background(), b.node)

	_, ok := a.engine.Get(context.Background(), "never-stored")
	assert.False(t, ok)
}

func TestLookupNodesFindsSeededBootstrapChain(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	c := newTestPeer(t)

	a.engine.Ping(context.Background(), b.node)
	b.table.Update(c.node)

	nodes := a.engine.LookupNodes(context.Background(), c.node.ID())
	found := false
	for _, n := range nodes {
		if n.Equal(c.node) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRespondDispatchesAllFourRequestKinds(t *testing.T) {
	a := newTestPeer(t)

	assert.Equal(t, rpc.RespPing, a.engine.respond(rpc.PingRequest()).Kind)

	storeResp := a.engine.respond(rpc.StoreRequest("k", "v"))
	assert.Equal(t, rpc.RespPing, storeResp.Kind)
	v, ok := a.engine.store.get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	fvResp := a.engine.respond(rpc.FindValueRequest("k"))
	assert.True(t, fvResp.HasValue)
	assert.Equal(t, "v", fvResp.Value)

	fvMissing := a.engine.respond(rpc.FindValueRequest("missing"))
	assert.False(t, fvMissing.HasValue)

	fnResp := a.engine.respond(rpc.FindNodeRequest(key.Hash("anything")))
	assert.Equal(t, rpc.RespFindNode, fnResp.Kind)
}
