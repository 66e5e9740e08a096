// Package p2p wires identity, the routing table, the DHT service, and the
// blockchain engine into one running node: the libp2p host bring-up, the
// admission handshake a Join/Client node runs against its configured
// bootstrap, the miner loop, tip discovery and fix_chain reconciliation,
// and the periodic peer-health sweep. It is the integration layer
// package dht and package chain deliberately don't depend on.
package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/config"
	"github.com/klingon-tech/klingdht/internal/dht"
	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
	"github.com/klingon-tech/klingdht/internal/storage"
	"github.com/klingon-tech/klingdht/pkg/logging"
)

// discoveryNamespace is the mDNS service tag nodes on the same overlay
// advertise under, scoped by protocol prefix so mainnet and testnet nodes
// never discover each other.
func discoveryNamespace(cfg *config.Config) string {
	return cfg.ProtocolPrefix() + "/mdns"
}

// Node is one running klingond process: an identity, a libp2p host, a
// routing table, a DHT service over it, and a blockchain engine, kept
// consistent by the lock order TransactionPool < Chain < RoutingTable <
// DHTMap (spec §5).
type Node struct {
	cfg     *config.Config
	keyPair identity.KeyPair
	host    host.Host
	table   *kademlia.RoutingTable
	dhtSvc  *dht.Service
	chain   *chain.Chain
	store   *storage.Storage
	log     *logging.Logger

	mdnsService mdns.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	admitted       bool
	bootstrapAddrs []bootstrapTarget
	bootstrapKeys  map[bootstrapTarget][32]byte
}

// bootstrapTarget is a configured bootstrap's dial address, keyed
// separately from its public key since the latter is learned either from
// config (RememberPeerKey) or, for mDNS-discovered peers, never needed at
// all (mDNS peers are dialed directly by the libp2p host, not through the
// admission handshake's address book).
type bootstrapTarget struct {
	host string
	port uint16
}

// New brings up a node: loads or creates its Ed25519 identity, restores
// persisted state, opens the libp2p host, and wires the routing table and
// DHT service atop it. It does not yet join the network or start the
// miner loop — call Run for that.
func New(ctx context.Context, cfg *config.Config, store *storage.Storage) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	log := logging.GetDefault().Component("p2p")

	state, err := store.Load()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: load persisted state: %w", err)
	}

	kp, err := loadOrCreateIdentity(cfg, state)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: load identity: %w", err)
	}

	priv, err := libp2pPrivateKey(kp)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: derive libp2p key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2p: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create libp2p host: %w", err)
	}

	selfID := kp.NodeID()
	table := kademlia.NewRoutingTable(selfID, cfg.DHT.K, nil)
	valueStore := dht.NewStore()
	if len(state.DHTValues) > 0 {
		valueStore.Load(state.DHTValues)
	}

	c := chain.NewChain(cfg.Chain.Difficulty)
	if len(state.Blocks) > 1 {
		for _, b := range state.Blocks[1:] { // skip the persisted genesis, chain.NewChain already seeds one
			if err := c.AppendBlock(b); err != nil {
				h.Close()
				cancel()
				return nil, fmt.Errorf("p2p: restore block %d: %w", b.Header.Index, err)
			}
		}
	}

	var pub [32]byte
	copy(pub[:], kp.Public)
	var bootstrap *ticket.Bootstrap
	if cfg.Mode == config.ModeBootstrap {
		bootstrap = ticket.NewBootstrap(kp, cfg.DHT.AdmissionDifficulty)
	}

	n := &Node{
		cfg:     cfg,
		keyPair: kp,
		host:    h,
		table:   table,
		chain:   c,
		store:   store,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}

	n.dhtSvc = dht.NewService(dht.Config{
		Host:             h,
		Self:             dht.SelfInfo{ID: selfID, PublicKey: pub, Host: hostHint(listenAddrs), Port: portHint(listenAddrs)},
		Table:            table,
		Store:            valueStore,
		TicketDifficulty: cfg.DHT.AdmissionDifficulty,
		Bootstrap:        bootstrap,
		Events:           n,
		RPCTimeout:       cfg.DHT.RPCTimeout,
	})

	table.SetPinger(n.dhtSvc)

	if state.Ticket != nil {
		n.dhtSvc.SetTicket(*state.Ticket)
		n.mu.Lock()
		n.admitted = true
		n.mu.Unlock()
	}

	if cfg.Network.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, discoveryNamespace(cfg), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS start failed", "error", err)
			n.mdnsService = nil
		}
	}

	return n, nil
}

// HandlePeerFound implements mdns.Notifee: the addresses of a peer
// discovered on the local network are added to the libp2p peerstore. The
// peer is not inserted into the routing table and is not registered as a
// bootstrap target.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
}

// Run joins the network (obtaining an admission ticket against a
// configured bootstrap if this node hasn't one yet), then starts the
// miner loop and periodic peer-health probe. It blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.joinNetwork(ctx); err != nil {
		return fmt.Errorf("p2p: join network: %w", err)
	}

	n.wg.Add(2)
	go n.minerLoop()
	go n.peerHealthLoop()

	<-ctx.Done()
	n.Close()
	n.wg.Wait()
	return nil
}

// Close shuts down the host and stops background loops; Run's
// wg.Wait observes this via ctx cancellation, so Close only needs to tear
// down the transport-level pieces Run itself doesn't own.
func (n *Node) Close() {
	n.cancel()
	n.dhtSvc.Close()
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	n.host.Close()
}

// Checkpoint persists the current identity, ticket, chain, and DHT value
// map, called at shutdown and from a periodic checkpoint timer by the
// caller (cmd/klingond).
func (n *Node) Checkpoint() error {
	blocks := n.chain.SearchBlocksOn(func(chain.Block) bool { return true })
	state := storage.NodeState{
		KeySeed:   n.keyPair.Seed(),
		Ticket:    n.dhtSvc.Ticket(),
		Blocks:    blocks,
		DHTValues: n.dhtSvc.ValueStore().All(),
	}
	return n.store.Store(state)
}

// ID returns this node's DHT identity.
func (n *Node) ID() identity.NodeID { return n.keyPair.NodeID() }

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Chain exposes the blockchain engine, used by cmd/klingond's status
// reporting.
func (n *Node) Chain() *chain.Chain { return n.chain }

// Table exposes the routing table for status reporting.
func (n *Node) Table() *kademlia.RoutingTable { return n.table }

// PublicKeyHex returns the hex encoding of this node's Ed25519 public key,
// the value an operator copies into a joining peer's bootstrap_peer_keys
// config entry since the admission handshake has no way to learn it on
// its own.
func (n *Node) PublicKeyHex() string {
	return fmt.Sprintf("%x", []byte(n.keyPair.Public))
}

func loadOrCreateIdentity(cfg *config.Config, state storage.NodeState) (identity.KeyPair, error) {
	if len(state.KeySeed) > 0 {
		return identity.KeyPairFromSeed(state.KeySeed)
	}
	keyPath := cfg.Identity.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(expandDataDir(cfg), keyPath)
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		return identity.KeyPairFromSeed(data)
	}

	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return identity.KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return identity.KeyPair{}, err
	}
	if err := os.WriteFile(keyPath, kp.Seed(), 0600); err != nil {
		return identity.KeyPair{}, err
	}
	return kp, nil
}

func expandDataDir(cfg *config.Config) string {
	dir := cfg.Storage.DataDir
	if len(dir) > 0 && dir[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, dir[1:])
	}
	return dir
}

// libp2pPrivateKey rebuilds the libp2p-format Ed25519 private key from the
// same seed kp was constructed from, so the libp2p host identity and the
// DHT NodeID are two views of one keypair.
func libp2pPrivateKey(kp identity.KeyPair) (p2pcrypto.PrivKey, error) {
	raw := ed25519.NewKeyFromSeed(kp.Seed())
	return p2pcrypto.UnmarshalEd25519PrivateKey(raw)
}

func hostHint(addrs []multiaddr.Multiaddr) string {
	if len(addrs) == 0 {
		return "0.0.0.0"
	}
	if v, err := addrs[0].ValueForProtocol(multiaddr.P_IP4); err == nil {
		return v
	}
	if v, err := addrs[0].ValueForProtocol(multiaddr.P_IP6); err == nil {
		return v
	}
	if v, err := addrs[0].ValueForProtocol(multiaddr.P_DNS4); err == nil {
		return v
	}
	return "0.0.0.0"
}

func portHint(addrs []multiaddr.Multiaddr) uint16 {
	if len(addrs) == 0 {
		return 0
	}
	v, err := addrs[0].ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return 0
	}
	var port uint16
	fmt.Sscanf(v, "%d", &port)
	return port
}
