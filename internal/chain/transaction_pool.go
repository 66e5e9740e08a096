package chain

import "sync"

// MaxTransactionsPerBlock caps how many pending transactions a single
// fetch_batch draw can pull, regardless of the pool's actual size
// (spec boundary: MAX_TRANSACTION = 200).
const MaxTransactionsPerBlock = 200

// TransactionPool is a FIFO of pending transactions guarded for concurrent
// producers (AddTransaction) and the single miner consumer (FetchBatch).
type TransactionPool struct {
	mu      sync.Mutex
	pending []Transaction
}

// NewTransactionPool builds an empty pool.
func NewTransactionPool() *TransactionPool {
	return &TransactionPool{}
}

// AddTransaction appends a transaction to the tail. Non-blocking.
func (p *TransactionPool) AddTransaction(tx Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, tx)
}

// IsEmpty reports whether the pool currently holds no transactions.
func (p *TransactionPool) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0
}

// Len returns the number of pending transactions.
func (p *TransactionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// FetchBatch pops up to min(n, MaxTransactionsPerBlock, len(pool))
// transactions from the head, in FIFO order.
func (p *TransactionPool) FetchBatch(n int) []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil
	}
	end := n
	if end > MaxTransactionsPerBlock {
		end = MaxTransactionsPerBlock
	}
	if end > len(p.pending) {
		end = len(p.pending)
	}

	batch := make([]Transaction, end)
	copy(batch, p.pending[:end])
	p.pending = p.pending[end:]
	return batch
}
