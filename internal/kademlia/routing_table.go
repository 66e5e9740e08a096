package kademlia

import (
	"sort"
	"sync"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// DefaultK is the reference bucket-capacity constant.
const DefaultK = 2

// RoutingTable is one node's view of the overlay: a set of k-buckets
// indexed by shared-prefix depth with the owner's own ID.
//
// Buckets are not preallocated for all 256 possible depths. The table
// starts with a single bucket spanning the whole ID space and only ever
// splits its "last" bucket — the one that would contain the owner's own
// ID, were the owner a peer of itself — mirroring how every production
// Kademlia routing table (this package's layout follows
// libp2p's) actually grows the structure lazily. A bucket that is not
// the last bucket has a fixed, exact depth: it holds precisely the peers
// whose ID shares exactly that many leading bits with the owner's.
type RoutingTable struct {
	mu     sync.Mutex
	owner  identity.NodeID
	k      int
	pinger Pinger
	// buckets[i] holds peers at depth i, for i < len(buckets)-1 exactly;
	// buckets[len(buckets)-1] is the catch-all "last" bucket, holding
	// every peer whose depth is >= len(buckets)-1.
	buckets []*kbucket
}

// NewRoutingTable builds a table for the given owner ID with bucket
// capacity K, using pinger to probe liveness during eviction decisions.
func NewRoutingTable(owner identity.NodeID, k int, pinger Pinger) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	return &RoutingTable{
		owner:   owner,
		k:       k,
		pinger:  pinger,
		buckets: []*kbucket{newKBucket()},
	}
}

// capacity returns min(depth+1, K) for the bucket at the given index.
func (rt *RoutingTable) capacity(depth int) int {
	c := depth + 1
	if c > rt.k {
		c = rt.k
	}
	return c
}

// depthOf returns the bucket index a peer belongs in: the number of
// leading bits it shares with the owner, clamped to the last bucket.
func (rt *RoutingTable) depthOf(id identity.NodeID) int {
	d := rt.owner.Distance(id).LeadingZeroBits()
	if last := len(rt.buckets) - 1; d > last {
		d = last
	}
	return d
}

// Insert applies spec rules (a)-(d) for the given peer.
func (rt *RoutingTable) Insert(p Peer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.insertLocked(p)
}

func (rt *RoutingTable) insertLocked(p Peer) {
	depth := rt.depthOf(p.ID)
	b := rt.buckets[depth]

	if i := b.indexOf(p.ID); i >= 0 {
		b.peers[i] = p // refresh metadata (host/port/ticket may have changed)
		b.moveToTail(i)
		return
	}

	if b.len() < rt.capacity(depth) {
		b.pushTail(p)
		return
	}

	isLast := depth == len(rt.buckets)-1
	if isLast && depth < identity.NodeIDLength*8-1 {
		rt.split(depth)
		rt.insertLocked(p)
		return
	}

	oldest := b.oldest()
	if rt.pinger != nil && rt.pinger.Ping(oldest) {
		return // oldest peer is alive: discard the newcomer
	}
	b.evictOldest()
	b.pushTail(p)
}

// split divides the bucket at index depth (which must be the current last
// bucket) into two: the same index keeps peers whose depth is exactly
// `depth`, and a new bucket at index depth+1 becomes the new last bucket,
// absorbing peers that share one more leading bit with the owner.
func (rt *RoutingTable) split(depth int) {
	old := rt.buckets[depth]
	next := newKBucket()
	rt.buckets = append(rt.buckets, next)

	kept := old.peers[:0:0]
	for _, p := range old.peers {
		if rt.owner.Distance(p.ID).LeadingZeroBits() > depth {
			next.pushTail(p)
		} else {
			kept = append(kept, p)
		}
	}
	old.peers = kept
}

// Closest returns up to count distinct peers closest to key, excluding the
// owner itself, sorted ascending by XOR distance.
func (rt *RoutingTable) Closest(key identity.NodeID, count int) []Peer {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []Peer
	for _, b := range rt.buckets {
		for _, p := range b.all() {
			if p.ID != rt.owner {
				all = append(all, p)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return key.Distance(all[i].ID).Cmp(key.Distance(all[j].ID)) < 0
	})
	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

// Remove deletes a peer by ID; a no-op if the peer is absent.
func (rt *RoutingTable) Remove(id identity.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	depth := rt.depthOf(id)
	b := rt.buckets[depth]
	if i := b.indexOf(id); i >= 0 {
		b.peers = append(b.peers[:i], b.peers[i+1:]...)
	}
}

// Len returns the total number of peers held across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.len()
	}
	return n
}

// BucketCount returns the number of buckets currently allocated, exposed
// mainly for tests exercising splitting behavior.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}

// K returns the table's configured bucket-capacity constant, used by
// callers deciding how many peers "the K closest" means (FIND_NODE
// clamping, deciding whether a STORE initiator counts itself among the
// closest peers to a key).
func (rt *RoutingTable) K() int {
	return rt.k
}

// SetPinger installs the liveness prober used during eviction decisions.
// Exists because the prober (the DHT service) is itself constructed with
// this table as a dependency, so the two can't be wired in one step at
// construction time.
func (rt *RoutingTable) SetPinger(pinger Pinger) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pinger = pinger
}
