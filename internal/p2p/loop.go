package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/config"
	"github.com/klingon-tech/klingdht/internal/dht"
	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
)

// splitHostPort parses a "host:port" bootstrap address. Unlike
// net.SplitHostPort it requires a numeric port (bootstrap peers are
// always dialed by the DHT's own transport helpers, never resolved via
// SRV or similar), keeping this independent of net's address-family
// quirks for bracketed IPv6 literals the DHT transport doesn't use.
func splitHostPort(addr string) (string, uint16, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("p2p: %q is not a host:port address", addr)
	}
	host := addr[:idx]
	port, err := strconv.ParseUint(addr[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("p2p: invalid port in %q: %w", addr, err)
	}
	return host, uint16(port), nil
}

// joinNetwork runs the admission handshake against the configured
// bootstrap peers (if this node doesn't already carry a ticket from a
// prior run), then seeds the routing table with a node_lookup(self).
// Bootstrap-mode nodes run the same handshake, but when it fails (for
// instance because no bootstrap peers are configured) they log a warning
// and continue without a ticket instead of returning an error.
func (n *Node) joinNetwork(ctx context.Context) error {
	for _, addr := range n.cfg.Network.BootstrapPeers {
		if err := n.rememberBootstrapAddr(addr); err != nil {
			n.log.Warn("invalid bootstrap address", "addr", addr, "error", err)
		}
	}

	n.mu.Lock()
	admitted := n.admitted
	n.mu.Unlock()

	if !admitted {
		if err := n.obtainTicket(ctx); err != nil {
			if n.cfg.Mode == config.ModeBootstrap {
				n.log.Warn("bootstrap could not self-admit, continuing without a ticket", "error", err)
			} else {
				return fmt.Errorf("p2p: admission handshake: %w", err)
			}
		} else {
			n.mu.Lock()
			n.admitted = true
			n.mu.Unlock()
		}
	}

	if _, err := kademlia.Lookup(ctx, n.ID(), n.table, n.ID(), n.dhtSvc, 1); err != nil {
		n.log.Warn("initial node_lookup(self) found no peers", "error", err)
	}
	return nil
}

// rememberBootstrapAddr parses a "host:port" bootstrap address and records
// it as a handshake target. It only remembers the dial target; obtainTicket
// looks up the bootstrap's public key among the keys registered through
// RememberPeerKey.
func (n *Node) rememberBootstrapAddr(addr string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.bootstrapAddrs = append(n.bootstrapAddrs, bootstrapTarget{host: host, port: port})
	n.mu.Unlock()
	return nil
}

// obtainTicket runs the admission handshake against every configured
// bootstrap in turn, keeping the first ticket obtained.
func (n *Node) obtainTicket(ctx context.Context) error {
	n.mu.Lock()
	targets := append([]bootstrapTarget(nil), n.bootstrapAddrs...)
	n.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("p2p: no bootstrap peers configured")
	}

	var pub [32]byte
	copy(pub[:], n.keyPair.Public)

	var lastErr error
	for _, target := range targets {
		peerPlaceholder := kademlia.Peer{Host: target.host, Port: target.port}
		// This transport can't discover a peer's key without dialing it,
		// so the bootstrap's public key must already have been registered
		// for this address via RememberPeerKey (cmd/klingond does so from
		// Config.Network.BootstrapPeerKeys); targets without one are
		// skipped.
		key, ok := n.resolveBootstrapKey(target)
		if !ok {
			lastErr = fmt.Errorf("p2p: bootstrap %s:%d has no known public key", target.host, target.port)
			continue
		}
		peerPlaceholder.PublicKey = key[:]
		peerPlaceholder.ID = identity.NewNodeID(key[:])

		tk, err := ticket.Obtain(ctx, pub,
			func(pk [32]byte) (uint32, int, error) {
				return n.dhtSvc.RequestChallenge(ctx, peerPlaceholder, pk)
			},
			func(pk [32]byte, nonce uint32) (identity.Signature, error) {
				return n.dhtSvc.SubmitChallenge(ctx, peerPlaceholder, pk, nonce)
			},
		)
		if err != nil {
			lastErr = err
			continue
		}
		n.dhtSvc.SetTicket(tk)
		n.table.Insert(peerPlaceholder)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("p2p: admission handshake failed against every configured bootstrap")
	}
	return lastErr
}

func (n *Node) resolveBootstrapKey(target bootstrapTarget) ([32]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key, ok := n.bootstrapKeys[target]
	return key, ok
}

// RememberPeerKey associates a bootstrap address with the public key it
// signs tickets with, so obtainTicket can address it before any routing
// table entry exists. Configured from cmd/klingond's bootstrap_peer_keys.
func (n *Node) RememberPeerKey(host string, port uint16, pubKey [32]byte) {
	n.mu.Lock()
	if n.bootstrapKeys == nil {
		n.bootstrapKeys = make(map[bootstrapTarget][32]byte)
	}
	n.bootstrapKeys[bootstrapTarget{host: host, port: port}] = pubKey
	n.mu.Unlock()
	if err := n.dhtSvc.RememberAddr(identity.NewNodeID(pubKey[:]), pubKey[:], host, port); err != nil {
		n.log.Warn("failed to register bootstrap address", "host", host, "port", port, "error", err)
	}
}

// minerLoop drains the transaction pool every BatchPeriod and mines
// whatever it finds (spec §4.6's "Miner loop").
func (n *Node) minerLoop() {
	defer n.wg.Done()
	period := n.cfg.Chain.BatchPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			block, err := n.chain.MineAndAppend(n.ctx, n.keyPair, n.cfg.Chain.BatchSize)
			if err != nil {
				if !errors.Is(err, errs.ErrBlockNotFound) {
					n.log.Warn("mining failed", "error", err)
				}
				continue
			}
			n.log.Info("mined block", "index", block.Header.Index)
			n.onAddBlock(n.ctx, block)
		}
	}
}

// onAddBlock implements spec §4.6's "On local AddBlock(block)": compare
// against the network's heaviest known tip, reconcile if behind, else
// publish the new tip.
func (n *Node) onAddBlock(ctx context.Context, block chain.Block) {
	tip, err := n.discoverHeaviestTip(ctx, block)
	if err != nil {
		n.log.Warn("tip discovery failed", "error", err)
		return
	}

	if tip.Hash != block.Header.Hash {
		if err := n.fixChain(ctx, tip); err != nil {
			n.log.Warn("fix_chain failed", "error", err)
		}
		return
	}

	n.publishChainHead(ctx, block)
}

// publishChainHead signs and STOREs this node's current tip under
// chain_head:<selfId>.
func (n *Node) publishChainHead(ctx context.Context, block chain.Block) {
	head := dht.ChainHead{
		Peer:       n.ID(),
		Hash:       block.Header.Hash,
		Index:      block.Header.Index,
		Difficulty: block.Header.Difficulty,
		Timestamp:  block.Header.Timestamp,
	}
	head.Sign(n.keyPair)

	key := identity.NamespaceKey(identity.NamespaceChainHead, n.ID())
	value := dht.Value{Kind: dht.KindChainHead, ChainHead: &head}
	if _, err := n.dhtSvc.StorePut(ctx, key, value); err != nil {
		n.log.Warn("failed to publish chain head", "error", err)
	}

	blockKey := blockLookupKey(block.Header.Hash)
	if _, err := n.dhtSvc.StorePut(ctx, blockKey, dht.Value{Kind: dht.KindBlock, Block: &block}); err != nil {
		n.log.Warn("failed to publish block", "error", err)
	}
}

// candidateTip is one tip header gathered during discovery.
type candidateTip struct {
	Hash       [32]byte
	Index      uint64
	Difficulty int
	Timestamp  int64
}

// discoverHeaviestTip implements spec §4.6's "Tip discovery": seed with
// the local candidate, run node_lookup(self), FIND_VALUE the chain-head
// pointer of every peer found, and keep whichever verifies and sorts
// heaviest (difficulty desc, index desc, timestamp asc).
func (n *Node) discoverHeaviestTip(ctx context.Context, local chain.Block) (candidateTip, error) {
	candidates := []candidateTip{{
		Hash:       local.Header.Hash,
		Index:      local.Header.Index,
		Difficulty: local.Header.Difficulty,
		Timestamp:  local.Header.Timestamp,
	}}

	peers, err := kademlia.Lookup(ctx, n.ID(), n.table, n.ID(), n.dhtSvc, 1)
	if err != nil && len(peers) == 0 {
		return candidates[0], nil
	}

	for _, p := range peers {
		key := identity.NamespaceKey(identity.NamespaceChainHead, p.ID)
		raw, found, _, err := n.dhtSvc.FindValue(ctx, p, key)
		if err != nil || !found {
			continue
		}
		var v dht.Value
		if err := unmarshalValue(raw, &v); err != nil || v.ChainHead == nil {
			continue
		}
		if v.ChainHead.Peer != p.ID || len(p.PublicKey) != 32 {
			continue
		}
		var peerPub [32]byte
		copy(peerPub[:], p.PublicKey)
		if !v.ChainHead.Verify(peerPub) {
			continue
		}
		candidates = append(candidates, candidateTip{
			Hash:       v.ChainHead.Hash,
			Index:      v.ChainHead.Index,
			Difficulty: v.ChainHead.Difficulty,
			Timestamp:  v.ChainHead.Timestamp,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Difficulty != b.Difficulty {
			return a.Difficulty > b.Difficulty
		}
		if a.Index != b.Index {
			return a.Index > b.Index
		}
		return a.Timestamp < b.Timestamp
	})
	return candidates[0], nil
}

// fixChain implements spec §4.6's fix_chain: walk backward from target via
// prev_hash up to MaxTTL hops, collecting fetched blocks until a
// predecessor matches the local tip, then replace the local suffix.
func (n *Node) fixChain(ctx context.Context, target candidateTip) error {
	maxTTL := n.cfg.DHT.MaxTTL
	if maxTTL <= 0 {
		maxTTL = 1024
	}

	localTip, ok := n.chain.GetBlockchainHead()
	if !ok {
		return fmt.Errorf("p2p: fix_chain: empty local chain")
	}

	var collected []chain.Block
	hash := target.Hash
	for hop := 0; hop < maxTTL; hop++ {
		if hash == localTip.Header.Hash {
			break
		}
		key := blockLookupKey(hash)
		block, found, err := n.lookupBlock(ctx, key)
		if err != nil || !found {
			break
		}
		collected = append(collected, block)
		if block.Header.PrevHash == localTip.Header.Hash {
			break
		}
		hash = block.Header.PrevHash
	}

	if len(collected) == 0 {
		return nil
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}

	for range collected {
		if _, ok := n.chain.RemoveLast(); !ok {
			break
		}
	}
	for _, b := range collected {
		if err := n.chain.AppendBlock(b); err != nil && !errors.Is(err, errs.ErrBlockAlreadyPersisted) {
			return fmt.Errorf("p2p: fix_chain: append %d: %w", b.Header.Index, err)
		}
	}
	return nil
}

// lookupBlock runs find_value_lookup(key), expecting a stored Block.
func (n *Node) lookupBlock(ctx context.Context, key identity.NodeID) (chain.Block, bool, error) {
	raw, found, _, err := kademlia.LookupValue(ctx, n.ID(), n.table, key, n.dhtSvc, 1)
	if err != nil || !found {
		return chain.Block{}, false, err
	}
	var v dht.Value
	if err := unmarshalValue(raw, &v); err != nil || v.Block == nil {
		return chain.Block{}, false, fmt.Errorf("p2p: lookup_block: not a block")
	}
	return *v.Block, true, nil
}

// OnStore implements dht.EventSink: spec §4.6's "On DHT Store(value)".
func (n *Node) OnStore(key identity.NodeID, value dht.Value) {
	switch value.Kind {
	case dht.KindBlock:
		if value.Block == nil {
			return
		}
		if err := n.chain.AppendBlock(*value.Block); err != nil {
			if errors.Is(err, errs.ErrChainBroken) {
				go func() {
					if err := n.fixChain(n.ctx, candidateTip{
						Hash:       value.Block.Header.Hash,
						Index:      value.Block.Header.Index,
						Difficulty: value.Block.Header.Difficulty,
						Timestamp:  value.Block.Header.Timestamp,
					}); err != nil {
						n.log.Warn("reconciliation after stored block failed", "error", err)
					}
				}()
			} else if !errors.Is(err, errs.ErrBlockAlreadyPersisted) {
				n.log.Debug("dropped stored block", "error", err)
			}
		}
	case dht.KindChainHead:
		if value.ChainHead == nil {
			return
		}
		peerPub, ok := n.peerPublicKey(value.ChainHead.Peer)
		if !ok || !value.ChainHead.Verify(peerPub) {
			return
		}
		blockKey := blockLookupKey(value.ChainHead.Hash)
		go func() {
			block, found, err := n.lookupBlock(n.ctx, blockKey)
			if err != nil || !found {
				return
			}
			if err := n.chain.AppendBlock(block); err != nil && errors.Is(err, errs.ErrChainBroken) {
				if err := n.fixChain(n.ctx, candidateTip{
					Hash:       value.ChainHead.Hash,
					Index:      value.ChainHead.Index,
					Difficulty: value.ChainHead.Difficulty,
					Timestamp:  value.ChainHead.Timestamp,
				}); err != nil {
					n.log.Warn("reconciliation after chain-head announcement failed", "error", err)
				}
			}
		}()
	case dht.KindTicket:
		// Request interception verifies the ticket carried in each request
		// and never reads stored tickets; nothing to react to here.
	}
}

// peerPublicKey resolves id's actual Ed25519 public key from the routing
// table, so a verifier never has to (incorrectly) treat the NodeID itself
// as a public key.
func (n *Node) peerPublicKey(id identity.NodeID) ([32]byte, bool) {
	var pub [32]byte
	closest := n.table.Closest(id, 1)
	if len(closest) == 0 || closest[0].ID != id || len(closest[0].PublicKey) != 32 {
		return pub, false
	}
	copy(pub[:], closest[0].PublicKey)
	return pub, true
}

// peerHealthLoop implements spec §4.6's peer-health probe: every
// PeerHealthPeriod, node_lookup(self), sample up to 5 results, shuffle,
// PING each, and drop any peer that doesn't answer.
func (n *Node) peerHealthLoop() {
	defer n.wg.Done()
	period := n.cfg.DHT.PeerHealthPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.probePeerHealth()
		}
	}
}

func (n *Node) probePeerHealth() {
	peers, err := kademlia.Lookup(n.ctx, n.ID(), n.table, n.ID(), n.dhtSvc, 1)
	if err != nil && len(peers) == 0 {
		return
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > 5 {
		peers = peers[:5]
	}

	for _, p := range peers {
		if !n.dhtSvc.Ping(p) {
			n.table.Remove(p.ID)
		}
	}
}

func unmarshalValue(raw []byte, v *dht.Value) error {
	return json.Unmarshal(raw, v)
}

// blockLookupKey derives NodeId(H(hash)) (spec's fix_chain predecessor
// key): NodeId(x) hashes x, so this is the double hash of the block hash.
func blockLookupKey(hash [32]byte) identity.NodeID {
	return identity.NodeID(identity.DoubleHash(hash[:]))
}
