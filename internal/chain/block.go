package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// BlockHeader carries everything needed to validate and link a block:
// its position, mining parameters, the PoW target, and an optional
// signature over that target.
type BlockHeader struct {
	Index      uint64
	Difficulty int
	Timestamp  int64 // wall-clock nanoseconds since epoch
	MerkleRoot [32]byte
	Nonce      uint32
	PrevHash   [32]byte
	Hash       [32]byte
	Signature  *identity.Signature
}

// Block is a header together with the transactions it seals.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// computeBlockHash is H²(hex(prevHash) || hex(merkleRoot) || timestamp ||
// nonce), the PoW target every block's hash must satisfy.
func computeBlockHash(prevHash, merkleRoot [32]byte, timestamp int64, nonce uint32) [32]byte {
	input := fmt.Sprintf("%s%s%d%d", hex.EncodeToString(prevHash[:]), hex.EncodeToString(merkleRoot[:]), timestamp, nonce)
	return identity.DoubleHash([]byte(input))
}

// genesisBlock builds the fixed, deterministic first block every node
// must agree on: all-zero fields, difficulty 0, hash =
// H²("0"*64 || "0"*64 || "0" || "0").
func genesisBlock() Block {
	header := BlockHeader{}
	header.Hash = computeBlockHash(header.PrevHash, header.MerkleRoot, 0, 0)
	return Block{Header: header}
}

// Sign attaches a signature over the block's hash using kp, matching the
// reference's header.sign step performed by the miner once it has found a
// satisfying nonce.
func (h *BlockHeader) Sign(kp identity.KeyPair) {
	sig := kp.Sign(h.Hash)
	h.Signature = &sig
}

// ValidateSignature checks that the header carries a signature over its
// hash produced by pubKey — used by the integration layer when it
// discovers a remote chain-tip announcement.
func (h BlockHeader) ValidateSignature(pubKey [32]byte) bool {
	if h.Signature == nil {
		return false
	}
	if h.Signature.PubKey != pubKey {
		return false
	}
	return h.Signature.VerifyWithKey(pubKey, h.Hash)
}

// Validate recomputes this block's Merkle root and PoW hash from its own
// transactions and header fields, and checks the hash meets the header's
// own declared difficulty (invariants I2, I3). It does not check chain
// linkage — Chain.AppendBlock does that separately against the current tip.
func (b Block) Validate() bool {
	if merkleRoot(b.Transactions) != b.Header.MerkleRoot {
		return false
	}
	recomputed := computeBlockHash(b.Header.PrevHash, b.Header.MerkleRoot, b.Header.Timestamp, b.Header.Nonce)
	if recomputed != b.Header.Hash {
		return false
	}
	return identity.MeetsDifficulty(b.Header.Hash, b.Header.Difficulty)
}
