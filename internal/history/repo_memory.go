package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is the in-memory Repository used by tests and local runs
// without postgres. Idempotency mirrors the database unique constraints.
type MemoryRepo struct {
	mu           sync.Mutex
	callsByBSID  map[string]CallHistory
	transactions []Transaction
	txKeys       map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		callsByBSID: make(map[string]CallHistory),
		txKeys:      make(map[string]struct{}),
	}
}

func (r *MemoryRepo) SaveCall(ctx context.Context, call CallHistory, txs []Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.callsByBSID[call.BillingSessionID]; dup {
		return ErrAlreadyRecorded
	}
	for _, tx := range txs {
		if _, dup := r.txKeys[tx.IdempotencyKey]; dup {
			return ErrAlreadyRecorded
		}
	}
	r.callsByBSID[call.BillingSessionID] = call
	for _, tx := range txs {
		r.txKeys[tx.IdempotencyKey] = struct{}{}
		r.transactions = append(r.transactions, tx)
	}
	return nil
}

func (r *MemoryRepo) SaveTransactions(ctx context.Context, txs []Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range txs {
		if _, dup := r.txKeys[tx.IdempotencyKey]; dup {
			return ErrAlreadyRecorded
		}
	}
	for _, tx := range txs {
		r.txKeys[tx.IdempotencyKey] = struct{}{}
		r.transactions = append(r.transactions, tx)
	}
	return nil
}

func (r *MemoryRepo) CallsByUser(ctx context.Context, userID string) ([]CallHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallHistory
	for _, c := range r.callsByBSID {
		if c.InfluencerID == userID || c.ExplorerID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (r *MemoryRepo) TransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transaction
	for _, tx := range r.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}
