package storage

import (
	"context"
	"testing"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/dht"
	"github.com/klingon-tech/klingdht/internal/identity"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadOnEmptyDatabase(t *testing.T) {
	s := newTestStorage(t)

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.KeySeed) != 0 {
		t.Errorf("KeySeed = %v, want empty", state.KeySeed)
	}
	if state.Ticket != nil {
		t.Errorf("Ticket = %+v, want nil", state.Ticket)
	}
	if len(state.Blocks) != 0 {
		t.Errorf("Blocks = %v, want empty", state.Blocks)
	}
}

func TestStoreAndLoadRoundTrips(t *testing.T) {
	s := newTestStorage(t)

	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	c := chain.NewChain(1)
	c.Pool.AddTransaction(chain.NewTransaction(kp, []byte("bid"), 1))
	next, err := c.MineAndAppend(context.Background(), kp, 10)
	if err != nil {
		t.Fatalf("MineAndAppend() error = %v", err)
	}
	genesis, _ := c.GetBlockByHash(next.Header.PrevHash)

	valueKey := identity.NewNodeID(kp.Public)
	state := NodeState{
		KeySeed: kp.Seed(),
		Blocks:  []chain.Block{genesis, next},
		DHTValues: map[identity.NodeID]dht.Value{
			valueKey: {Kind: dht.KindBlock, Block: &next},
		},
	}

	if err := s.Store(state); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(loaded.Blocks))
	}
	if loaded.Blocks[1].Header.Index != next.Header.Index {
		t.Errorf("Blocks[1].Header.Index = %d, want %d", loaded.Blocks[1].Header.Index, next.Header.Index)
	}
	if len(loaded.DHTValues) != 1 {
		t.Fatalf("len(DHTValues) = %d, want 1", len(loaded.DHTValues))
	}
	v, ok := loaded.DHTValues[valueKey]
	if !ok {
		t.Fatalf("DHTValues missing key %s", valueKey)
	}
	if v.Kind != dht.KindBlock || v.Block == nil {
		t.Errorf("loaded value = %+v, want KindBlock with a block", v)
	}
}

func TestStoreUpdatesExistingRows(t *testing.T) {
	s := newTestStorage(t)

	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if err := s.Store(NodeState{KeySeed: kp.Seed()}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	kp2, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if err := s.Store(NodeState{KeySeed: kp2.Seed()}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(loaded.KeySeed) != string(kp2.Seed()) {
		t.Errorf("KeySeed not updated to second keypair's seed")
	}
}
