package protocol

import (
	"context"
	"sync"

	"github.com/alissonFabricio04/kademlia-dht/dht"
	"github.com/alissonFabricio04/kademlia-dht/key"
	"golang.org/x/sync/errgroup"
)

// lookupState tracks the shortlist driving an iterative FindNode or
// FindValue lookup (spec.md section 4.5.3): every node ever added to
// the shortlist, which of them have already been queried, and which
// answered at least once (candidates for the final Put/Get fan-out).
type lookupState struct {
	mu         sync.Mutex
	target     key.Key
	shortlist  map[key.Key]dht.Node
	queried    map[key.Key]bool
	responsive map[key.Key]bool
}

func newLookupState(target key.Key, seed []dht.Node) *lookupState {
	ls := &lookupState{
		target:     target,
		shortlist:  make(map[key.Key]dht.Node),
		queried:    make(map[key.Key]bool),
		responsive: make(map[key.Key]bool),
	}
	for _, n := range seed {
		ls.shortlist[n.ID()] = n
	}
	return ls
}

func (ls *lookupState) markQueried(n dht.Node) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.queried[n.ID()] = true
}

func (ls *lookupState) markResponsive(n dht.Node) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.responsive[n.ID()] = true
}

func (ls *lookupState) add(nodes []dht.Node) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, n := range nodes {
		ls.shortlist[n.ID()] = n
	}
}

// unqueried returns up to n nodes from the shortlist that have not yet
// been queried, closest to target first.
func (ls *lookupState) unqueried(n int) []dht.Node {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	all := make([]dht.Node, 0, len(ls.shortlist))
	for id, node := range ls.shortlist {
		if !ls.queried[id] {
			all = append(all, node)
		}
	}
	sortByDistance(all, ls.target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (ls *lookupState) size() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.shortlist)
}

func (ls *lookupState) closest(n int) []dht.Node {
	ls.mu.Lock()
	all := make([]dht.Node, 0, len(ls.shortlist))
	for _, node := range ls.shortlist {
		all = append(all, node)
	}
	ls.mu.Unlock()
	sortByDistance(all, ls.target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (ls *lookupState) responsiveNodes() []dht.Node {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]dht.Node, 0, len(ls.responsive))
	for id := range ls.responsive {
		out = append(out, ls.shortlist[id])
	}
	return out
}

func sortByDistance(nodes []dht.Node, target key.Key) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0; j-- {
			di := key.Dist(nodes[j].ID(), target)
			dj := key.Dist(nodes[j-1].ID(), target)
			if di.Less(dj) {
				nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			} else {
				break
			}
		}
	}
}

func seedNodes(closest []dht.Closest) []dht.Node {
	nodes := make([]dht.Node, len(closest))
	for i, c := range closest {
		nodes[i] = c.Node
	}
	return nodes
}

// LookupNodes runs the iterative node lookup of spec.md section 4.5.3:
// repeated rounds of up to alpha parallel FindNode calls against the
// closest unqueried nodes in the shortlist, terminating once a full
// round fails to surface anything closer than the best already known.
// It returns up to K of the nodes that answered, closest to target
// first.
func (e *Engine) LookupNodes(ctx context.Context, target key.Key) []dht.Node {
	ls := newLookupState(target, seedNodes(e.table.Closest(target, dht.K)))

	for {
		round := ls.unqueried(e.alpha)
		if len(round) == 0 {
			break
		}

		before := ls.closest(1)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.alpha)
		for _, n := range round {
			n := n
			ls.markQueried(n)
			g.Go(func() error {
				nodes, ok := e.FindNodeAt(gctx, n, target)
				if !ok {
					return nil
				}
				ls.markResponsive(n)
				ls.add(nodes)
				return nil
			})
		}
		_ = g.Wait()

		after := ls.closest(1)
		if len(before) > 0 && len(after) > 0 && !key.Dist(after[0].ID(), target).Less(key.Dist(before[0].ID(), target)) {
			// This round surfaced nothing closer than the best already
			// known; broaden once to every remaining unqueried node and
			// then stop regardless of outcome.
			remainder := ls.unqueried(ls.size())
			if len(remainder) == 0 {
				break
			}
			g2, gctx2 := errgroup.WithContext(ctx)
			g2.SetLimit(e.alpha)
			for _, n := range remainder {
				n := n
				ls.markQueried(n)
				g2.Go(func() error {
					nodes, ok := e.FindNodeAt(gctx2, n, target)
					if !ok {
						return nil
					}
					ls.markResponsive(n)
					ls.add(nodes)
					return nil
				})
			}
			_ = g2.Wait()
			break
		}
	}

	responsive := ls.responsiveNodes()
	sortByDistance(responsive, target)
	if len(responsive) > dht.K {
		responsive = responsive[:dht.K]
	}
	return responsive
}

// LookupValue runs the FIND_VALUE variant of the iterative lookup: it
// proceeds in rounds of up to alpha parallel FindValue calls like
// LookupNodes, but without the no-progress cutoff — it keeps going until
// every node in the shortlist has been queried — and short-circuits
// the moment any queried node returns a value, then issues a cache-hint STORE to
// the closest responding node that did not already have it (spec.md
// section 4.5.3's caching note).
func (e *Engine) LookupValue(ctx context.Context, k string) (string, bool) {
	target := key.Hash(k)
	ls := newLookupState(target, seedNodes(e.table.Closest(target, dht.K)))

	for {
		round := ls.unqueried(e.alpha)
		if len(round) == 0 {
			return "", false
		}

		type found struct {
			value string
			from  dht.Node
		}
		results := make(chan found, 1)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.alpha)
		for _, n := range round {
			n := n
			ls.markQueried(n)
			g.Go(func() error {
				res, ok := e.FindValueAt(gctx, n, k)
				if !ok {
					return nil
				}
				ls.markResponsive(n)
				if res.HasValue {
					select {
					case results <- found{value: res.Value, from: n}:
					default:
					}
					return nil
				}
				ls.add(res.Nodes)
				return nil
			})
		}
		_ = g.Wait()
		close(results)

		if f, ok := <-results; ok {
			e.cacheHint(ctx, ls, f.from, k, f.value)
			return f.value, true
		}
	}
}

// cacheHint stores k/v at the closest responding node that was not the
// one the value was found at, per the FIND_VALUE caching note in
// spec.md section 4.5.3. Best-effort: failures are not reported.
func (e *Engine) cacheHint(ctx context.Context, ls *lookupState, foundAt dht.Node, k, v string) {
	nodes := ls.responsiveNodes()
	sortByDistance(nodes, ls.target)
	for _, n := range nodes {
		if n.Equal(foundAt) {
			continue
		}
		e.StoreAt(ctx, n, k, v)
		return
	}
}

// Put runs a node lookup for target = hash(k) and issues STORE(k, v) in
// parallel to every one of the K returned peers, per spec.md section 4
// ("issue STORE(...) in parallel to the K returned peers"). If self is
// at least as close to target as the furthest of those peers — which
// includes the case where fewer than K peers are known at all — the
// value is also kept in the local store, covering the boundary case
// where self is the only responsive peer.
func (e *Engine) Put(ctx context.Context, k, v string) bool {
	target := key.Hash(k)
	nodes := e.LookupNodes(ctx, target)

	storeLocally := len(nodes) == 0
	if !storeLocally {
		selfDist := key.Dist(e.self.ID(), target)
		furthest := key.Dist(nodes[len(nodes)-1].ID(), target)
		storeLocally = len(nodes) < dht.K || selfDist.Less(furthest)
	}
	if storeLocally {
		e.store.put(k, v)
	}

	if len(nodes) == 0 {
		return storeLocally
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dht.K)
	var okCount int
	var mu sync.Mutex
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if e.StoreAt(gctx, n, k, v) {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return okCount > 0 || storeLocally
}

// Get retrieves the value stored under k, first checking the local
// store and then running the FIND_VALUE lookup, per spec.md section 5.
func (e *Engine) Get(ctx context.Context, k string) (string, bool) {
	if v, ok := e.store.get(k); ok {
		return v, true
	}
	return e.LookupValue(ctx, k)
}
