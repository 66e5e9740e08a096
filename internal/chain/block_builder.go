package chain

import (
	"context"
	"time"

	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/identity"
)

// yieldEvery controls how often the mining loop checks ctx for
// cancellation, so the PoW search stays cancellable without paying a
// context-check cost on every single nonce attempt.
const yieldEvery = 4096

// BlockBuilder accumulates transactions for one block and mines it under
// a target difficulty.
type BlockBuilder struct {
	index      uint64
	difficulty int
	prevHash   [32]byte
	txs        []Transaction
	signer     *identity.KeyPair
}

// NewBlockBuilder configures a builder for the block that will follow
// prevHash at the given chain index and difficulty.
func NewBlockBuilder(index uint64, difficulty int, prevHash [32]byte) *BlockBuilder {
	return &BlockBuilder{index: index, difficulty: difficulty, prevHash: prevHash}
}

// AddTransactions appends transactions to the block being built.
func (b *BlockBuilder) AddTransactions(txs ...Transaction) *BlockBuilder {
	b.txs = append(b.txs, txs...)
	return b
}

// SignWith configures the key used to sign the mined block's hash. Mining
// without a configured signer fails fast with errs.ErrNoSigningKey, per
// this repository's resolution of the reference's "loop forever" open
// question.
func (b *BlockBuilder) SignWith(kp identity.KeyPair) *BlockBuilder {
	b.signer = &kp
	return b
}

// Mine runs the PoW search: compute the Merkle root and timestamp once,
// then search nonces from 0 (wrapping on overflow) until the resulting
// hash has at least difficulty leading zero nibbles, sign it, and return
// the finished block.
func (b *BlockBuilder) Mine(ctx context.Context) (Block, error) {
	if b.signer == nil {
		return Block{}, errs.ErrNoSigningKey
	}

	root := merkleRoot(b.txs)
	timestamp := time.Now().UnixNano()

	var nonce uint32
	var hash [32]byte
	for i := 0; ; i++ {
		if i%yieldEvery == 0 {
			select {
			case <-ctx.Done():
				return Block{}, ctx.Err()
			default:
			}
		}

		hash = computeBlockHash(b.prevHash, root, timestamp, nonce)
		if identity.MeetsDifficulty(hash, b.difficulty) {
			break
		}
		nonce++ // wraps to 0 after math.MaxUint32
	}

	header := BlockHeader{
		Index:      b.index,
		Difficulty: b.difficulty,
		Timestamp:  timestamp,
		MerkleRoot: root,
		Nonce:      nonce,
		PrevHash:   b.prevHash,
		Hash:       hash,
	}
	header.Sign(*b.signer)

	return Block{Header: header, Transactions: b.txs}, nil
}
