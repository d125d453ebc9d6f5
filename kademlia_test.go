package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T, bootstrap string) *Peer {
	t.Helper()
	cfg := DefaultConfig("127.0.0.1:0")
	cfg.Bootstrap = bootstrap
	cfg.RPCTimeoutMS = 300
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	return p
}

// TestThreeNodeBootstrapConvergence is end-to-end scenario 1: two peers
// bootstrap from a third, and after bootstrap each has learned about
// the others via the self-lookup Start triggers.
func TestThreeNodeBootstrapConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("binds real sockets and waits on RPC timeouts")
	}

	a := newTestPeer(t, "")
	b := newTestPeer(t, a.Self().Address())
	c := newTestPeer(t, a.Self().Address())

	time.Sleep(500 * time.Millisecond)

	// Self is never stored, so with three peers "knows the other two"
	// means exactly two entries per table.
	assert.Equal(t, 2, a.table.Len())
	assert.Equal(t, 2, b.table.Len())
	assert.Equal(t, 2, c.table.Len())

	assert.True(t, b.Ping(context.Background(), a.Self()))
	assert.True(t, c.Ping(context.Background(), a.Self()))
}

// TestPingMovesPeerToBucketTail is end-to-end scenario 2.
func TestPingMovesPeerToBucketTail(t *testing.T) {
	if testing.Short() {
		t.Skip("binds real sockets and waits on RPC timeouts")
	}

	a := newTestPeer(t, "")
	b := newTestPeer(t, "")

	require.True(t, a.Ping(context.Background(), b.Self()))
	require.True(t, b.Ping(context.Background(), a.Self()))

	closestToB := a.table.Closest(b.Self().ID(), 1)
	require.Len(t, closestToB, 1)
	assert.True(t, closestToB[0].Node.Equal(b.Self()))

	closestToA := b.table.Closest(a.Self().ID(), 1)
	require.Len(t, closestToA, 1)
	assert.True(t, closestToA[0].Node.Equal(a.Self()))
}

// TestPutFindNodeGetAcrossNodes is end-to-end scenario 3.
func TestPutFindNodeGetAcrossNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("binds real sockets and waits on RPC timeouts")
	}

	a := newTestPeer(t, "")
	b := newTestPeer(t, a.Self().Address())
	c := newTestPeer(t, a.Self().Address())
	time.Sleep(500 * time.Millisecond)

	require.True(t, a.Put(context.Background(), "key-1", "value-1"))

	nodes := c.Lookup(context.Background(), a.Self().ID())
	assert.NotEmpty(t, nodes)

	v, ok := c.Get(context.Background(), "key-1")
	require.True(t, ok)
	assert.Equal(t, "value-1", v)

	_ = b
}

// TestKillNodeThenPingFailsThenEvicted is end-to-end scenario 4.
func TestKillNodeThenPingFailsThenEvicted(t *testing.T) {
	if testing.Short() {
		t.Skip("binds real sockets and waits on RPC timeouts")
	}

	a := newTestPeer(t, "")
	b := newTestPeer(t, "")

	require.True(t, b.Ping(context.Background(), a.Self()))
	require.Equal(t, 1, b.table.Len())

	require.NoError(t, a.Close())

	ok := b.Ping(context.Background(), a.Self())
	assert.False(t, ok)
	assert.Equal(t, 0, b.table.Len())
}
