package kademlia

import (
	"testing"

	"github.com/klingon-tech/klingdht/internal/identity"
)

func idWithPrefix(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func alwaysAlive(Peer) bool { return true }
func alwaysDead(Peer) bool  { return false }

func TestRoutingTableInsertAndClosest(t *testing.T) {
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 20, PingerFunc(alwaysAlive))

	peers := []Peer{
		{ID: idWithPrefix(0x01)},
		{ID: idWithPrefix(0x02)},
		{ID: idWithPrefix(0xF0)},
	}
	for _, p := range peers {
		rt.Insert(p)
	}

	if got := rt.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	closest := rt.Closest(idWithPrefix(0x01), 1)
	if len(closest) != 1 || closest[0].ID != idWithPrefix(0x01) {
		t.Errorf("Closest(0x01, 1) = %v, want the exact match first", closest)
	}
}

func TestRoutingTableInsertExistingPeerMovesToTail(t *testing.T) {
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 20, PingerFunc(alwaysAlive))

	p1 := Peer{ID: idWithPrefix(0x01), Host: "first"}
	p2 := Peer{ID: idWithPrefix(0x02), Host: "second"}
	rt.Insert(p1)
	rt.Insert(p2)

	updated := Peer{ID: idWithPrefix(0x01), Host: "updated"}
	rt.Insert(updated)

	depth := rt.depthOf(idWithPrefix(0x01))
	b := rt.buckets[depth]
	if b.peers[len(b.peers)-1].Host != "updated" {
		t.Errorf("re-inserting an existing peer should move it to the tail with refreshed data")
	}
}

func TestRoutingTableCapacityNeverExceeded(t *testing.T) {
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 2, PingerFunc(alwaysDead))

	// All of these share the owner's first bit (0) and collide in the same
	// leaf bucket once splitting stops being possible at that depth; insert
	// more than capacity and confirm every bucket stays within bounds.
	for i := 0; i < 8; i++ {
		var id identity.NodeID
		id[0] = 0x40 // 0100 0000: shares bit 0 with owner, differs at bit 1
		id[31] = byte(i)
		rt.Insert(Peer{ID: id})
	}

	for depth, b := range rt.buckets {
		if b.len() > rt.capacity(depth) {
			t.Errorf("bucket %d has %d peers, exceeds capacity %d", depth, b.len(), rt.capacity(depth))
		}
	}
}

func TestRoutingTableSplitsOwnerBucket(t *testing.T) {
	// Owner 0x00...00, K=2: depth-0 capacity is min(0+1,2)=1, so the
	// owner's single starting bucket overflows and splits on the very
	// second insert, since all three peers (0x80, 0xC0, 0xE0) share zero
	// leading bits with the owner and so always target whichever bucket
	// currently covers depth 0.
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 2, PingerFunc(alwaysDead))

	rt.Insert(Peer{ID: idWithPrefix(0x80)})
	if got := rt.BucketCount(); got != 1 {
		t.Fatalf("BucketCount() after first insert = %d, want 1", got)
	}

	rt.Insert(Peer{ID: idWithPrefix(0xC0)})
	if got := rt.BucketCount(); got < 2 {
		t.Errorf("inserting into a full owner bucket should split it, BucketCount() = %d, want >= 2", got)
	}

	rt.Insert(Peer{ID: idWithPrefix(0xE0)})
	for depth, b := range rt.buckets {
		if b.len() > rt.capacity(depth) {
			t.Errorf("bucket %d has %d peers, exceeds capacity %d", depth, b.len(), rt.capacity(depth))
		}
	}
}

func TestRoutingTableRemove(t *testing.T) {
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 20, PingerFunc(alwaysAlive))

	p := Peer{ID: idWithPrefix(0x01)}
	rt.Insert(p)
	rt.Remove(p.ID)
	if got := rt.Len(); got != 0 {
		t.Errorf("Len() after Remove = %d, want 0", got)
	}

	rt.Remove(idWithPrefix(0x99)) // no-op, absent peer
}

func TestRoutingTableEvictsUnresponsiveHead(t *testing.T) {
	owner := identity.NodeID{}
	rt := NewRoutingTable(owner, 1, PingerFunc(alwaysDead))

	// Force both peers into the same fixed-depth bucket by filling the
	// owner's last bucket to capacity first so depth 0 stops being "last".
	rt.Insert(Peer{ID: idWithPrefix(0x80)}) // depth 0, fills cap(0)=1, splits on next full insert at this depth
	rt.Insert(Peer{ID: idWithPrefix(0xC0)}) // forces a split, lands in the fixed depth-0 bucket, evicts 0x80 (dead)

	if rt.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after eviction", rt.Len())
	}
}
