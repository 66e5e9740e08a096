package dht

import (
	"sync"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
)

// Kind tags which variant of Value is populated. The DHT stores three
// kinds of data under NodeId keys: full blocks (keyed by hash, used when
// reconciling a divergent suffix), chain-head pointers (keyed by
// chain_head:<peer>, a signed announcement of a node's current tip), and
// admission tickets (keyed by ticket:<pubkey>). Admission control does not
// consult stored tickets: it verifies the ticket carried in each request.
type Kind byte

const (
	KindBlock     Kind = 1
	KindChainHead Kind = 2
	KindTicket    Kind = 3
)

// ChainHead is a signed pointer to a node's current chain tip, the value
// stored at NamespaceKey(NamespaceChainHead, peer).
type ChainHead struct {
	Peer       identity.NodeID    `json:"peer"`
	Hash       [32]byte           `json:"hash"`
	Index      uint64             `json:"index"`
	Difficulty int                `json:"difficulty"`
	Timestamp  int64              `json:"timestamp"`
	Signature  identity.Signature `json:"signature"`
}

// Sign signs this chain-head pointer's hash with kp, so peers resolving
// the pointer can confirm it was announced by the peer it names.
func (h *ChainHead) Sign(kp identity.KeyPair) {
	h.Signature = kp.Sign(h.Hash)
}

// Verify checks the chain-head pointer is signed by pubKey, the claimed
// peer's actual Ed25519 public key (not its NodeID — a NodeID is
// SHA-256(pubkey) and can never equal the key that produced the
// signature).
func (h ChainHead) Verify(pubKey [32]byte) bool {
	return h.Signature.VerifyWithKey(pubKey, h.Hash)
}

// Value is a tagged union of everything the DHT's value store can hold.
// Only the field matching Kind is populated.
type Value struct {
	Kind      Kind           `json:"kind"`
	Block     *chain.Block   `json:"block,omitempty"`
	ChainHead *ChainHead     `json:"chain_head,omitempty"`
	Ticket    *ticket.Ticket `json:"ticket,omitempty"`
}

// Store is the node-local map of DHT values, the last lock in the
// concurrency model's ordering (TransactionPool < Chain < RoutingTable <
// Store).
type Store struct {
	mu     sync.RWMutex
	values map[identity.NodeID]Value
}

// NewStore builds an empty value store.
func NewStore() *Store {
	return &Store{values: make(map[identity.NodeID]Value)}
}

// Put stores value under key, overwriting any prior value — STORE is not
// additive; the latest announcement for a key wins.
func (s *Store) Put(key identity.NodeID, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key, if any.
func (s *Store) Get(key identity.NodeID) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete removes the value stored under key, if present.
func (s *Store) Delete(key identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Len returns the number of keys currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// All returns a snapshot copy of every key/value pair, for persistence.
func (s *Store) All() map[identity.NodeID]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[identity.NodeID]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Load replaces the store's contents wholesale, used when restoring a
// persisted snapshot at startup.
func (s *Store) Load(values map[identity.NodeID]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[identity.NodeID]Value, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}

var errValueNotFound = errs.ErrFindValueFailed
