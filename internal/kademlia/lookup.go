package kademlia

import (
	"context"
	"sort"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// NodeFinder issues a FIND_NODE RPC against peer, asking for its closest
// peers to target.
type NodeFinder interface {
	FindNode(ctx context.Context, peer Peer, target identity.NodeID) ([]Peer, error)
}

// ValueFinder issues a FIND_VALUE RPC against peer. Exactly one of value/ok
// and closer is meaningful: ok=true means the respondent held the value;
// otherwise closer holds its nearest peers to target.
type ValueFinder interface {
	FindValue(ctx context.Context, peer Peer, target identity.NodeID) (value []byte, ok bool, closer []Peer, err error)
}

// frontier is a distance-ordered, deduplicating queue of candidate peers
// still to be queried.
type frontier struct {
	target  identity.NodeID
	visited map[identity.NodeID]bool
	queue   []Peer
}

func newFrontier(target identity.NodeID, seed []Peer) *frontier {
	f := &frontier{target: target, visited: make(map[identity.NodeID]bool)}
	f.push(seed...)
	return f
}

func (f *frontier) push(peers ...Peer) {
	for _, p := range peers {
		if f.visited[p.ID] {
			continue
		}
		f.queue = append(f.queue, p)
	}
	f.resort()
}

func (f *frontier) resort() {
	sort.Slice(f.queue, func(i, j int) bool {
		return f.target.Distance(f.queue[i].ID).Cmp(f.target.Distance(f.queue[j].ID)) < 0
	})
}

func (f *frontier) popNearest() (Peer, bool) {
	for len(f.queue) > 0 {
		p := f.queue[0]
		f.queue = f.queue[1:]
		if f.visited[p.ID] {
			continue
		}
		return p, true
	}
	return Peer{}, false
}

// Lookup runs the iterative node_lookup procedure: starting from the local
// table's closest peers to target, it repeatedly queries the nearest
// unvisited candidate and folds the peers it returns into the frontier,
// excluding self and already-visited nodes, until the frontier is
// exhausted. It returns the visited peers sorted by distance to target,
// deduplicated. The walk is single-caller sequential (alpha = 1).
func Lookup(ctx context.Context, self identity.NodeID, table *RoutingTable, target identity.NodeID, finder NodeFinder, alpha int) ([]Peer, error) {
	if alpha < 1 {
		alpha = 1
	}
	f := newFrontier(target, table.Closest(target, table.k))
	var visited []Peer

	for {
		batch := make([]Peer, 0, alpha)
		for len(batch) < alpha {
			p, ok := f.popNearest()
			if !ok {
				break
			}
			batch = append(batch, p)
		}
		if len(batch) == 0 {
			break
		}

		for _, p := range batch {
			f.visited[p.ID] = true
			visited = append(visited, p)

			peers, err := finder.FindNode(ctx, p, target)
			if err != nil {
				continue // unresponsive peer: drop from consideration, keep walking
			}
			fresh := peers[:0:0]
			for _, np := range peers {
				if np.ID == self || f.visited[np.ID] {
					continue
				}
				fresh = append(fresh, np)
			}
			f.push(fresh...)
		}

		select {
		case <-ctx.Done():
			return sortedVisited(visited, target), ctx.Err()
		default:
		}
	}

	return sortedVisited(visited, target), nil
}

// LookupValue runs find_value_lookup: identical to Lookup, except it asks
// FIND_VALUE instead of FIND_NODE and terminates as soon as any queried
// peer returns a value.
func LookupValue(ctx context.Context, self identity.NodeID, table *RoutingTable, target identity.NodeID, finder ValueFinder, alpha int) (value []byte, found bool, visited []Peer, err error) {
	if alpha < 1 {
		alpha = 1
	}
	f := newFrontier(target, table.Closest(target, table.k))

	for {
		p, ok := f.popNearest()
		if !ok {
			break
		}
		f.visited[p.ID] = true
		visited = append(visited, p)

		v, hit, closer, qerr := finder.FindValue(ctx, p, target)
		if qerr != nil {
			continue
		}
		if hit {
			return v, true, sortedVisited(visited, target), nil
		}
		fresh := closer[:0:0]
		for _, np := range closer {
			if np.ID == self || f.visited[np.ID] {
				continue
			}
			fresh = append(fresh, np)
		}
		f.push(fresh...)

		select {
		case <-ctx.Done():
			return nil, false, sortedVisited(visited, target), ctx.Err()
		default:
		}
	}

	return nil, false, sortedVisited(visited, target), nil
}

func sortedVisited(visited []Peer, target identity.NodeID) []Peer {
	seen := make(map[identity.NodeID]bool, len(visited))
	out := make([]Peer, 0, len(visited))
	for _, p := range visited {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return target.Distance(out[i].ID).Cmp(target.Distance(out[j].ID)) < 0
	})
	return out
}
