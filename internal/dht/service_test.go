package dht

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
)

// testNode bundles a running libp2p host with the DHT service on top of it,
// everything a two-node RPC test needs to address the other side.
type testNode struct {
	kp   identity.KeyPair
	host host.Host
	svc  *Service
	peer kademlia.Peer
}

func newTestNode(t *testing.T, bootstrap *ticket.Bootstrap, difficulty int) *testNode {
	t.Helper()

	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	raw := ed25519.NewKeyFromSeed(kp.Seed())
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		t.Fatalf("UnmarshalEd25519PrivateKey() error = %v", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	if err != nil {
		t.Fatalf("libp2p.New() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })

	port, err := tcpPort(h.Addrs())
	if err != nil {
		t.Fatalf("tcpPort() error = %v", err)
	}

	var pub [32]byte
	copy(pub[:], kp.Public)
	table := kademlia.NewRoutingTable(kp.NodeID(), 2, nil)

	svc := NewService(Config{
		Host:             h,
		Self:             SelfInfo{ID: kp.NodeID(), PublicKey: pub, Host: "127.0.0.1", Port: port},
		Table:            table,
		Store:            NewStore(),
		TicketDifficulty: difficulty,
		Bootstrap:        bootstrap,
		RPCTimeout:       5 * time.Second,
	})
	table.SetPinger(svc)
	t.Cleanup(svc.Close)

	return &testNode{
		kp:   kp,
		host: h,
		svc:  svc,
		peer: kademlia.Peer{ID: kp.NodeID(), PublicKey: pub[:], Host: "127.0.0.1", Port: port},
	}
}

func tcpPort(addrs []ma.Multiaddr) (uint16, error) {
	for _, addr := range addrs {
		if v, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
			var port uint16
			if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
				return 0, err
			}
			return port, nil
		}
	}
	return 0, fmt.Errorf("no tcp address found")
}

func (n *testNode) learn(other *testNode) {
	n.svc.RememberAddr(other.peer.ID, other.peer.PublicKey, other.peer.Host, other.peer.Port)
}

// admitWithTicket drives the handshake directly against bootstrap (no RPC
// involved, since ticket.Bootstrap is transport-agnostic) and installs the
// resulting ticket on n, so RPCs n issues pass every peer's request
// interception.
func admitWithTicket(t *testing.T, n *testNode, bootstrap *ticket.Bootstrap) {
	t.Helper()
	var pub [32]byte
	copy(pub[:], n.kp.Public)

	tk, err := ticket.Obtain(context.Background(), pub,
		func(pk [32]byte) (uint32, int, error) { return bootstrap.RequestChallenge(pk) },
		func(pk [32]byte, nonce uint32) (identity.Signature, error) { return bootstrap.SubmitChallenge(pk, nonce) },
	)
	if err != nil {
		t.Fatalf("admitWithTicket: Obtain() error = %v", err)
	}
	n.svc.SetTicket(tk)
}

func TestPingRoundTrip(t *testing.T) {
	bootstrapKP, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bootstrap := ticket.NewBootstrap(bootstrapKP, 1)

	a := newTestNode(t, nil, 1)
	b := newTestNode(t, nil, 1)
	admitWithTicket(t, a, bootstrap)
	admitWithTicket(t, b, bootstrap)
	a.learn(b)
	b.learn(a)

	if ok := a.svc.Ping(b.peer); !ok {
		t.Error("Ping(b) = false, want true")
	}
}

func TestStoreAndFindValue(t *testing.T) {
	bootstrapKP, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bootstrap := ticket.NewBootstrap(bootstrapKP, 1)

	a := newTestNode(t, nil, 1)
	b := newTestNode(t, nil, 1)
	admitWithTicket(t, a, bootstrap)
	admitWithTicket(t, b, bootstrap)
	a.learn(b)
	b.learn(a)

	ctx := context.Background()
	key := identity.NewNodeID([]byte("some-key"))
	value := Value{Kind: KindTicket}

	if err := a.svc.Store(ctx, b.peer, key, value); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	raw, found, _, err := a.svc.FindValue(ctx, b.peer, key)
	if err != nil {
		t.Fatalf("FindValue() error = %v", err)
	}
	if !found {
		t.Fatal("FindValue() found = false, want true")
	}
	var got Value
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if got.Kind != KindTicket {
		t.Errorf("Kind = %v, want KindTicket", got.Kind)
	}
}

func TestFindNodeReturnsClosest(t *testing.T) {
	bootstrapKP, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bootstrap := ticket.NewBootstrap(bootstrapKP, 1)

	a := newTestNode(t, nil, 1)
	b := newTestNode(t, nil, 1)
	c := newTestNode(t, nil, 1)
	admitWithTicket(t, a, bootstrap)
	admitWithTicket(t, b, bootstrap)
	a.learn(b)
	b.learn(a)
	b.svc.Table().Insert(c.peer)

	ctx := context.Background()
	peers, err := a.svc.FindNode(ctx, b.peer, c.peer.ID)
	if err != nil {
		t.Fatalf("FindNode() error = %v", err)
	}
	found := false
	for _, p := range peers {
		if p.ID == c.peer.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("FindNode() peers = %+v, want to include c", peers)
	}
}

func TestAdmissionHandshakeOverRPC(t *testing.T) {
	bootstrapKP, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bootstrap := ticket.NewBootstrap(bootstrapKP, 1)

	a := newTestNode(t, bootstrap, 1) // a serves the handshake RPCs
	b := newTestNode(t, nil, 1)
	b.learn(a)

	ctx := context.Background()
	var pub [32]byte
	copy(pub[:], b.kp.Public)

	tk, err := ticket.Obtain(ctx, pub,
		func(pk [32]byte) (uint32, int, error) {
			return b.svc.RequestChallenge(ctx, a.peer, pk)
		},
		func(pk [32]byte, nonce uint32) (identity.Signature, error) {
			return b.svc.SubmitChallenge(ctx, a.peer, pk, nonce)
		},
	)
	if err != nil {
		t.Fatalf("Obtain() error = %v", err)
	}
	if err := tk.Verify(pub, 1); err != nil {
		t.Errorf("obtained ticket failed to verify: %v", err)
	}
}

func TestRequestInterceptionRejectsMissingTicket(t *testing.T) {
	bootstrapKP, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bootstrap := ticket.NewBootstrap(bootstrapKP, 1)

	a := newTestNode(t, bootstrap, 1)
	b := newTestNode(t, nil, 1)
	a.learn(b)
	b.learn(a)

	if ok := b.svc.Ping(a.peer); ok {
		t.Error("Ping() without a ticket succeeded, want rejection by request interception")
	}
}
