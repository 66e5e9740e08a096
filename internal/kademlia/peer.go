// Package kademlia implements the routing table: a bounded set of k-buckets
// keyed by shared-prefix depth, with LRU-on-unresponsive eviction and
// depth-driven splitting, plus the iterative node/value lookup built on top
// of it.
package kademlia

import (
	"time"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// Pinger probes a peer for liveness. The routing table calls it synchronously
// while deciding whether to evict the oldest peer in a full bucket; the DHT
// layer supplies the real implementation (a PING RPC over a libp2p stream).
type Pinger interface {
	Ping(peer Peer) bool
}

// PingerFunc adapts a function to a Pinger.
type PingerFunc func(peer Peer) bool

func (f PingerFunc) Ping(peer Peer) bool { return f(peer) }

// Peer is a node as known by some other node's routing table: its identity,
// network location, and — once admitted — the ticket it presented.
type Peer struct {
	ID        identity.NodeID
	PublicKey []byte
	Host      string
	Port      uint16
	Ticket    *Ticket
	LastSeen  time.Time
}

// Ticket is the admission credential a peer attached when it was last seen.
// The full PoW/signature semantics live in the ticket subpackage; the
// routing table only needs to carry it along with the peer record.
type Ticket struct {
	PoWHash         [32]byte
	Challenge       uint32
	ClientNonce     uint32
	BootstrapPubKey [32]byte
	Signature       []byte
}

func (p Peer) Equal(other Peer) bool {
	return p.ID == other.ID
}
