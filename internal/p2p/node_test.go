package p2p

import (
	"context"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/config"
	"github.com/klingon-tech/klingdht/internal/storage"
)

func newTestNode(t *testing.T, mode config.Mode) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.Network.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Network.EnableMDNS = false
	cfg.DHT.AdmissionDifficulty = 1
	cfg.Chain.Difficulty = 1
	cfg.Storage.DataDir = t.TempDir()

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	n, err := New(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("p2p.New() error = %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

func TestJoinNetworkAdmitsAgainstBootstrap(t *testing.T) {
	bootstrap := newTestNode(t, config.ModeBootstrap)
	joiner := newTestNode(t, config.ModeJoin)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bootstrap.joinNetwork(ctx); err != nil {
		t.Fatalf("bootstrap joinNetwork() error = %v", err)
	}

	bootstrapHost, bootstrapPort := addrHostPort(t, bootstrap)
	pubRaw, err := hex.DecodeString(bootstrap.PublicKeyHex())
	if err != nil || len(pubRaw) != 32 {
		t.Fatalf("decode bootstrap public key: %v", err)
	}
	var pub [32]byte
	copy(pub[:], pubRaw)

	joiner.RememberPeerKey(bootstrapHost, bootstrapPort, pub)
	if err := joiner.rememberBootstrapAddr(bootstrapHost + ":" + portString(bootstrapPort)); err != nil {
		t.Fatalf("rememberBootstrapAddr() error = %v", err)
	}

	if err := joiner.obtainTicket(ctx); err != nil {
		t.Fatalf("obtainTicket() error = %v", err)
	}
	if joiner.dhtSvc.Ticket() == nil {
		t.Error("joiner has no ticket after a successful obtainTicket()")
	}
}

func addrHostPort(t *testing.T, n *Node) (string, uint16) {
	t.Helper()
	addrs := n.Host().Addrs()
	if len(addrs) == 0 {
		t.Fatal("node has no listen addresses")
	}
	return hostHint(addrs), portHint(addrs)
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}

// TestDiscoverHeaviestTipAdoptsGenuinelySignedChainHead drives
// discoverHeaviestTip against a real chain-head announcement, signed with
// the announcing peer's actual Ed25519 key, over a real libp2p RPC round
// trip — this is the path ChainHead.Verify guards, and it must accept a
// legitimately signed announcement rather than reject every one.
func TestDiscoverHeaviestTipAdoptsGenuinelySignedChainHead(t *testing.T) {
	bootstrap := newTestNode(t, config.ModeBootstrap)
	joiner := newTestNode(t, config.ModeJoin)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bootstrap.joinNetwork(ctx); err != nil {
		t.Fatalf("bootstrap joinNetwork() error = %v", err)
	}

	bootstrapHost, bootstrapPort := addrHostPort(t, bootstrap)
	pubRaw, err := hex.DecodeString(bootstrap.PublicKeyHex())
	if err != nil || len(pubRaw) != 32 {
		t.Fatalf("decode bootstrap public key: %v", err)
	}
	var pub [32]byte
	copy(pub[:], pubRaw)

	joiner.RememberPeerKey(bootstrapHost, bootstrapPort, pub)
	if err := joiner.rememberBootstrapAddr(bootstrapHost + ":" + portString(bootstrapPort)); err != nil {
		t.Fatalf("rememberBootstrapAddr() error = %v", err)
	}
	if err := joiner.obtainTicket(ctx); err != nil {
		t.Fatalf("joiner obtainTicket() error = %v", err)
	}

	tx := chain.NewTransaction(bootstrap.keyPair, []byte("auction bid"), 1)
	bootstrap.chain.Pool.AddTransaction(tx)
	mined, err := bootstrap.chain.MineAndAppend(ctx, bootstrap.keyPair, 10)
	if err != nil {
		t.Fatalf("MineAndAppend() error = %v", err)
	}
	bootstrap.publishChainHead(ctx, mined)

	localTip, ok := joiner.chain.GetBlockchainHead()
	if !ok {
		t.Fatal("joiner has no local chain head")
	}

	tip, err := joiner.discoverHeaviestTip(ctx, localTip)
	if err != nil {
		t.Fatalf("discoverHeaviestTip() error = %v", err)
	}
	if tip.Hash != mined.Header.Hash {
		t.Errorf("discoverHeaviestTip() = %x, want bootstrap's mined block %x (signature verification rejected a genuine chain-head announcement)", tip.Hash, mined.Header.Hash)
	}
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"127.0.0.1:4001", "127.0.0.1", 4001, false},
		{"bootstrap.example.com:9000", "bootstrap.example.com", 9000, false},
		{"no-port", "", 0, true},
		{"127.0.0.1:not-a-port", "", 0, true},
	}
	for _, c := range cases {
		host, port, err := splitHostPort(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("splitHostPort(%q) error = nil, want error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitHostPort(%q) error = %v", c.in, err)
			continue
		}
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("splitHostPort(%q) = (%q, %d), want (%q, %d)", c.in, host, port, c.wantHost, c.wantPort)
		}
	}
}

func TestBlockLookupKeyIsDeterministic(t *testing.T) {
	var hash [32]byte
	copy(hash[:], []byte("some-block-hash-bytes-padded...."))

	a := blockLookupKey(hash)
	b := blockLookupKey(hash)
	if a != b {
		t.Error("blockLookupKey is not deterministic for the same hash")
	}

	var other [32]byte
	copy(other[:], []byte("a-different-block-hash-padded..."))
	if blockLookupKey(other) == a {
		t.Error("blockLookupKey collided for two different hashes")
	}
}
