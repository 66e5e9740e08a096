// Package identity implements node identity: Ed25519 key pairs, the
// SHA-256-derived NodeId address space, and the two hash functions used
// throughout the DHT and blockchain engine.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klingon-tech/klingdht/pkg/helpers"
)

// NodeIDLength is the width of the NodeId address space in bytes (256 bits).
const NodeIDLength = 32

// NodeID is a 256-bit address derived from the SHA-256 digest of a node's
// Ed25519 public key (invariant I1).
type NodeID [NodeIDLength]byte

// NewNodeID derives a NodeID from a raw public key: NodeId = SHA-256(public_key).
func NewNodeID(pubKey []byte) NodeID {
	return NodeID(Hash(pubKey))
}

// String renders the NodeID as lowercase hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Bytes returns the NodeID as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero reports whether the NodeID is the all-zero value.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// NodeIDFromBytes builds a NodeID from a slice, failing if the length is wrong.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDLength {
		return id, fmt.Errorf("identity: invalid NodeID length %d, want %d", len(b), NodeIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// NodeIDFromHex parses the lowercase hex form String returns.
func NodeIDFromHex(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("identity: decode NodeID hex: %w", err)
	}
	return NodeIDFromBytes(raw)
}

// Distance returns the XOR distance between two NodeIDs, interpreted as a
// big-endian 256-bit integer for ordering purposes only.
func (n NodeID) Distance(other NodeID) Distance {
	var d Distance
	for i := range n {
		d[i] = n[i] ^ other[i]
	}
	return d
}

// Less reports whether n sorts before other using plain lexicographic order,
// the tie-break used when two XOR distances coincide.
func (n NodeID) Less(other NodeID) bool {
	return helpers.CompareBytes(n[:], other[:]) < 0
}

// Distance is a 256-bit XOR distance between two NodeIDs. Only its ordering
// is meaningful; it is never used as an address.
type Distance [NodeIDLength]byte

// Cmp compares two distances as big-endian unsigned integers.
func (d Distance) Cmp(other Distance) int {
	return helpers.CompareBytes(d[:], other[:])
}

// LeadingZeroBits returns the position of the highest-order set bit, counted
// from the most significant bit of byte 0. Used to compute routing-table
// bucket depth: the depth of a peer equals the number of leading zero bits
// in the XOR distance to the owner.
func (d Distance) LeadingZeroBits() int {
	for i, b := range d {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return NodeIDLength * 8
}

// LeadingZeroNibbles counts the leading zero hex nibbles of a 32-byte
// digest: floor(d/2) zero bytes, and if d is odd, the high nibble of the
// next byte is also zero. Used to check PoW hashes (admission tickets and
// block mining) against a declared difficulty.
func LeadingZeroNibbles(hash [32]byte) int {
	nibbles := 0
	for _, b := range hash {
		hi := b >> 4
		lo := b & 0x0f
		if hi != 0 {
			return nibbles
		}
		nibbles++
		if lo != 0 {
			return nibbles
		}
		nibbles++
	}
	return nibbles
}

// MeetsDifficulty reports whether hash has at least difficulty leading
// zero nibbles.
func MeetsDifficulty(hash [32]byte, difficulty int) bool {
	return LeadingZeroNibbles(hash) >= difficulty
}

// Hash is H(x) = SHA-256(x).
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// DoubleHash is H²(x) = SHA-256(SHA-256(x)).
func DoubleHash(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Namespace labels used to derive well-known NodeId-space addresses.
const (
	NamespaceChainHead = "chain_head"
	NamespaceTicket     = "ticket"
)

// NamespaceKey derives NamespaceKey(ns, id) = NodeId(H²("ns:" || hex(id))),
// a deterministic address in NodeId space for a labeled piece of per-node
// state (the chain-tip announcement key, the pending-ticket key).
func NamespaceKey(namespace string, id NodeID) NodeID {
	input := fmt.Sprintf("%s:%s", namespace, id.String())
	return NodeID(DoubleHash([]byte(input)))
}

// KeyPair is an Ed25519 identity: a public key (which, hashed, is the
// node's NodeID) and the private key that never leaves the node.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return KeyPair{Public: pub, private: priv}, nil
}

// KeyPairFromSeed reconstructs a KeyPair from a 32-byte Ed25519 seed, used
// when loading a previously persisted identity.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("identity: invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Seed returns the 32-byte seed that KeyPairFromSeed can reconstruct this
// pair from, for persistence.
func (k KeyPair) Seed() []byte {
	return k.private.Seed()
}

// NodeID returns the NodeID derived from this pair's public key.
func (k KeyPair) NodeID() NodeID {
	return NewNodeID(k.Public)
}

// Sign signs a 32-byte value (typically a block hash or a PoW digest) with
// the private key.
func (k KeyPair) Sign(value [32]byte) Signature {
	sig := ed25519.Sign(k.private, value[:])
	var pub [32]byte
	copy(pub[:], k.Public)
	return Signature{PubKey: pub, Bytes: sig}
}

// Signature is an Ed25519 signature together with the signer's public key,
// so it can be verified without an out-of-band key lookup.
type Signature struct {
	PubKey [32]byte
	Bytes  []byte
}

// Verify checks that the signature covers value and was produced by the
// embedded public key.
func (s Signature) Verify(value [32]byte) bool {
	if len(s.Bytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(s.PubKey[:]), value[:], s.Bytes)
}

// VerifyWithKey checks the signature against an explicit expected public
// key, rejecting mismatched embedded keys outright.
func (s Signature) VerifyWithKey(pubKey [32]byte, value [32]byte) bool {
	if pubKey != s.PubKey {
		return false
	}
	return s.Verify(value)
}
