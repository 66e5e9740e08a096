// Package chain implements the blockchain engine: a transaction pool, a
// proof-of-work block builder, and an append-only chain with signed
// headers and reorg-friendly suffix replacement.
package chain

import (
	"context"
	"sync"

	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/identity"
)

// DefaultDifficulty is the reference mining difficulty (leading zero
// nibbles).
const DefaultDifficulty = 5

// Chain is an append-only sequence of blocks starting at a fixed genesis,
// guarded by a single exclusive lock per the concurrency model's lock
// ordering (TransactionPool < Chain < RoutingTable < DHTMap).
type Chain struct {
	mu         sync.Mutex
	difficulty int
	blocks     []Block
	Pool       *TransactionPool
}

// NewChain builds a chain at the given mining difficulty, seeded with the
// fixed genesis block.
func NewChain(difficulty int) *Chain {
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	return &Chain{
		difficulty: difficulty,
		blocks:     []Block{genesisBlock()},
		Pool:       NewTransactionPool(),
	}
}

// Difficulty returns the chain's configured mining difficulty for new
// blocks.
func (c *Chain) Difficulty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Validate walks every adjacent pair of blocks, checking each block's own
// Merkle root/hash and the prev_hash linkage between neighbors.
func (c *Chain) Validate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, block := range c.blocks {
		if !block.Validate() {
			return false
		}
		if i+1 < len(c.blocks) && c.blocks[i+1].Header.PrevHash != block.Header.Hash {
			return false
		}
	}
	return true
}

// GetBlockchainHead returns the block with the highest index — the tip —
// or false if the chain is somehow empty.
func (c *Chain) GetBlockchainHead() (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headLocked()
}

func (c *Chain) headLocked() (Block, bool) {
	if len(c.blocks) == 0 {
		return Block{}, false
	}
	head := c.blocks[0]
	for _, b := range c.blocks[1:] {
		if b.Header.Index > head.Header.Index {
			head = b
		}
	}
	return head, true
}

// GetBlockByHash returns the block with the given hash, if present.
func (c *Chain) GetBlockByHash(hash [32]byte) (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Header.Hash == hash {
			return b, true
		}
	}
	return Block{}, false
}

// SearchBlocksOn walks the chain from the tip backward via prev_hash,
// reverses it into genesis-first order, and returns the blocks matching
// predicate.
func (c *Chain) SearchBlocksOn(predicate func(Block) bool) []Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := c.orderedFromGenesisLocked()
	var out []Block
	for _, b := range ordered {
		if predicate(b) {
			out = append(out, b)
		}
	}
	return out
}

// SearchTransactionsOn filters every transaction across every block by
// predicate.
func (c *Chain) SearchTransactionsOn(predicate func(Transaction) bool) []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Transaction
	for _, b := range c.blocks {
		for _, tx := range b.Transactions {
			if predicate(tx) {
				out = append(out, tx)
			}
		}
	}
	return out
}

// orderedFromGenesisLocked walks backward from the tip via prev_hash and
// returns the chain genesis-first. Requires c.mu held.
func (c *Chain) orderedFromGenesisLocked() []Block {
	byHash := make(map[[32]byte]Block, len(c.blocks))
	for _, b := range c.blocks {
		byHash[b.Header.Hash] = b
	}

	tip, ok := c.headLocked()
	if !ok {
		return nil
	}

	var reversed []Block
	current := tip
	for {
		reversed = append(reversed, current)
		if current.Header.Index == 0 {
			break
		}
		prev, ok := byHash[current.Header.PrevHash]
		if !ok {
			break
		}
		current = prev
	}

	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed
}

// RemoveLast pops the tip block, used by fix_chain to unwind a suffix
// before splicing in the remote chain's blocks.
func (c *Chain) RemoveLast() (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return Block{}, false
	}
	last := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]
	return last, true
}

// AppendBlock validates and appends a block received from a peer (spec
// §4.5 append_block): rejects a block already on the chain, an empty
// chain, a block that fails self-validation, or one that doesn't chain
// onto the current tip.
func (c *Chain) AppendBlock(block Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.blocks {
		if b.Header.Hash == block.Header.Hash {
			return errs.ErrBlockAlreadyPersisted
		}
	}

	tip, ok := c.headLocked()
	if !ok {
		return errs.ErrBlockNotFound
	}

	if !block.Validate() {
		return errs.ErrInvalidBlock
	}

	if block.Header.PrevHash != tip.Header.Hash {
		return errs.ErrChainBroken
	}

	c.blocks = append(c.blocks, block)
	return nil
}

// MineAndAppend drains up to batchSize pending transactions, mines them
// into a block signed by signer atop the current tip, appends it
// locally, and returns it — the miner loop's single unit of work.
func (c *Chain) MineAndAppend(ctx context.Context, signer identity.KeyPair, batchSize int) (Block, error) {
	txs := c.Pool.FetchBatch(batchSize)
	if len(txs) == 0 {
		return Block{}, errs.ErrBlockNotFound // nothing to mine this cycle
	}

	c.mu.Lock()
	tip, ok := c.headLocked()
	difficulty := c.difficulty
	c.mu.Unlock()
	if !ok {
		return Block{}, errs.ErrBlockNotFound
	}

	builder := NewBlockBuilder(tip.Header.Index+1, difficulty, tip.Header.Hash)
	builder.AddTransactions(txs...)
	builder.SignWith(signer)

	block, err := builder.Mine(ctx)
	if err != nil {
		return Block{}, err
	}

	c.mu.Lock()
	c.blocks = append(c.blocks, block)
	c.mu.Unlock()

	return block, nil
}
