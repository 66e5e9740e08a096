package kademlia

import "github.com/klingon-tech/klingdht/internal/identity"

// kbucket is a bounded, oldest-first ordered list of peers. The bucket
// itself does not know its depth or capacity — the routing table computes
// those, since capacity depends on the bucket's position among its
// siblings (min(depth+1, K)).
type kbucket struct {
	peers []Peer
}

func newKBucket() *kbucket {
	return &kbucket{}
}

func (b *kbucket) len() int {
	return len(b.peers)
}

// indexOf returns the slice position of id, or -1 if absent.
func (b *kbucket) indexOf(id identity.NodeID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// moveToTail moves the peer at position i to the tail (most-recently-seen
// end) of the bucket.
func (b *kbucket) moveToTail(i int) {
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.peers = append(b.peers, p)
}

// pushTail appends a peer at the tail, unconditionally. Callers must check
// capacity first.
func (b *kbucket) pushTail(p Peer) {
	b.peers = append(b.peers, p)
}

// oldest returns the head (least-recently-seen) peer.
func (b *kbucket) oldest() Peer {
	return b.peers[0]
}

// evictOldest removes the head peer.
func (b *kbucket) evictOldest() {
	b.peers = b.peers[1:]
}

// all returns a copy of the bucket's peers, oldest-first.
func (b *kbucket) all() []Peer {
	out := make([]Peer, len(b.peers))
	copy(out, b.peers)
	return out
}
