package dht

import (
	"sort"
	"sync"

	"github.com/alissonFabricio04/kademlia-dht/key"
	"github.com/sirupsen/logrus"
)

// K is the default maximum size of a k-bucket and the default number of
// peers returned by a lookup round.
const K = 20

// Buckets is the fixed number of k-buckets in a routing table, one per
// possible bucket index (0..=255 for a 256-bit key space).
const Buckets = key.Len * 8

// selfBucket is the conventional bucket index assigned to the zero
// distance (self), which is never actually stored.
const selfBucket = Buckets - 1

// PingRequest is published by a RoutingTable when it needs to know
// whether a bucket's least-recently-seen node is still reachable before
// evicting it. The protocol engine drains these (see Engine.Run) and
// posts the outcome on Reply exactly once.
//
// This indirection is the cycle-avoidance mechanism described in the
// design notes: the table cannot call the engine directly without
// importing it, which would make dht depend on protocol while protocol
// already depends on dht.
type PingRequest struct {
	Node  Node
	Reply chan<- bool
}

// Closest pairs a node with its distance to some target, as returned by
// RoutingTable.Closest.
type Closest struct {
	Node Node
	Dist key.Distance
}

// RoutingTable is a self node plus 256 k-buckets, maintained under the
// eviction policy in spec.md section 4.3: a node already present in its
// bucket moves to the tail; a bucket below capacity appends; a full
// bucket pings its head before deciding whether to evict it in favor of
// the candidate.
type RoutingTable struct {
	self     Node
	kBucket  int // bucket capacity (K by default, overridable for tests)
	buckets  [Buckets]*bucket
	pingReqs chan PingRequest
	mu       sync.Mutex
}

// NewRoutingTable creates a table for self with all buckets empty. If
// bootstrap is non-nil, it is inserted via Update (which may itself
// trigger a ping request if — implausibly for a fresh table — the
// target bucket is already full).
func NewRoutingTable(self Node, bootstrap *Node) *RoutingTable {
	return newRoutingTableWithCapacity(self, K, bootstrap)
}

// NewRoutingTableWithCapacity is NewRoutingTable with an overridden
// bucket capacity, for callers that configure K explicitly.
func NewRoutingTableWithCapacity(self Node, capacity int, bootstrap *Node) *RoutingTable {
	return newRoutingTableWithCapacity(self, capacity, bootstrap)
}

func newRoutingTableWithCapacity(self Node, capacity int, bootstrap *Node) *RoutingTable {
	rt := &RoutingTable{
		self:     self,
		kBucket:  capacity,
		pingReqs: make(chan PingRequest),
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(capacity)
	}
	if bootstrap != nil {
		rt.Update(*bootstrap)
	}
	return rt
}

// PingRequests returns the channel the protocol engine drains to service
// head-of-bucket liveness checks. Exactly one PingRequest is sent per
// full-bucket Update call that needs a verdict.
func (rt *RoutingTable) PingRequests() <-chan PingRequest {
	return rt.pingReqs
}

// Self returns the table's own node descriptor.
func (rt *RoutingTable) Self() Node {
	return rt.self
}

func (rt *RoutingTable) bucketIndex(id key.Key) int {
	d := key.Dist(rt.self.ID(), id)
	if d.IsZero() {
		return selfBucket
	}
	return d.BucketIndex()
}

// Update inserts or refreshes node in the routing table, per the policy
// in spec.md section 4.3. It never stores self.
func (rt *RoutingTable) Update(n Node) {
	if n.Equal(rt.self) {
		return
	}

	idx := rt.bucketIndex(n.ID())

	rt.mu.Lock()
	b := rt.buckets[idx]

	if i := b.indexOf(n); i >= 0 {
		b.moveToTail(i)
		rt.mu.Unlock()
		return
	}

	if !b.full() {
		b.appendTail(n)
		rt.mu.Unlock()
		return
	}

	head, ok := b.head()
	rt.mu.Unlock()
	if !ok {
		// Bucket reported full but has no head; nothing sane to do.
		return
	}

	alive := rt.pingHead(head)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Re-resolve the head position: state may have shifted while the
	// ping was outstanding (lock was not held across the network wait).
	if i := b.indexOf(n); i >= 0 {
		// Someone else already inserted this candidate; leave it be.
		return
	}
	if alive {
		if i := b.indexOf(head); i >= 0 {
			b.moveToTail(i)
		}
		logrus.WithFields(logrus.Fields{
			"function": "RoutingTable.Update",
			"bucket":   idx,
			"head":     head.Address(),
			"dropped":  n.Address(),
		}).Debug("head alive, dropping candidate")
		return
	}
	b.remove(head)
	if !b.full() {
		b.appendTail(n)
	}
	logrus.WithFields(logrus.Fields{
		"function": "RoutingTable.Update",
		"bucket":   idx,
		"evicted":  head.Address(),
		"inserted": n.Address(),
	}).Debug("head unresponsive, evicted")
}

// pingHead asks the protocol engine (via the PingRequest channel) to
// verify that head is still reachable.
func (rt *RoutingTable) pingHead(head Node) bool {
	reply := make(chan bool, 1)
	rt.pingReqs <- PingRequest{Node: head, Reply: reply}
	return <-reply
}

// Remove drops n from its bucket if present; it is a no-op if n is
// absent.
func (rt *RoutingTable) Remove(n Node) {
	if n.Equal(rt.self) {
		return
	}
	idx := rt.bucketIndex(n.ID())
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].remove(n)
}

// Closest returns up to n descriptors across all buckets, sorted
// ascending by distance to target, ties broken by first-seen order
// within a bucket (stable sort over the bucket scan order).
func (rt *RoutingTable) Closest(target key.Key, n int) []Closest {
	rt.mu.Lock()
	candidates := make([]Closest, 0, rt.totalLocked())
	for _, b := range rt.buckets {
		for _, node := range b.snapshot() {
			candidates = append(candidates, Closest{Node: node, Dist: key.Dist(node.ID(), target)})
		}
	}
	rt.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Dist.Less(candidates[j].Dist)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (rt *RoutingTable) totalLocked() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// Len returns the total number of nodes currently known across all
// buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.totalLocked()
}
