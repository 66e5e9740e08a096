package chain

import (
	"encoding/hex"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// merkleRoot computes the Merkle root of a transaction set (invariant I3):
// leaves are H(transaction), and each level pairs hex-encoded children with
// H(left||right), duplicating the last leaf when a level has odd length.
// An empty transaction set roots to the all-zero value.
func merkleRoot(txs []Transaction) [32]byte {
	if len(txs) == 0 {
		return [32]byte{}
	}

	level := make([][32]byte, len(txs))
	for i, tx := range txs {
		level[i] = tx.leafHash()
	}

	for len(level) > 1 {
		level = nextMerkleLevel(level)
	}
	return level[0]
}

func nextMerkleLevel(level [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left // duplicate the last leaf when the level is odd
		if i+1 < len(level) {
			right = level[i+1]
		}
		input := hex.EncodeToString(left[:]) + hex.EncodeToString(right[:])
		next = append(next, identity.Hash([]byte(input)))
	}
	return next
}
