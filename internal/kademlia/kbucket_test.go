package kademlia

import "testing"

func TestKBucketMoveToTail(t *testing.T) {
	b := newKBucket()
	b.pushTail(Peer{ID: idWithPrefix(0x01)})
	b.pushTail(Peer{ID: idWithPrefix(0x02)})
	b.pushTail(Peer{ID: idWithPrefix(0x03)})

	b.moveToTail(0)

	if b.peers[len(b.peers)-1].ID != idWithPrefix(0x01) {
		t.Errorf("moveToTail(0) did not move the peer to the end, got order %v", b.peers)
	}
	if b.len() != 3 {
		t.Errorf("moveToTail should not change bucket size, got %d, want 3", b.len())
	}
}

func TestKBucketEvictOldest(t *testing.T) {
	b := newKBucket()
	b.pushTail(Peer{ID: idWithPrefix(0x01)})
	b.pushTail(Peer{ID: idWithPrefix(0x02)})

	b.evictOldest()

	if b.len() != 1 || b.peers[0].ID != idWithPrefix(0x02) {
		t.Errorf("evictOldest left %v, want only 0x02", b.peers)
	}
}
