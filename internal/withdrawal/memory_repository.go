package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
}

// NewMemoryRepository builds an in-memory transaction store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{transactions: make(map[string]Transaction)}
}

func (r *memoryRepository) Create(_ context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transactions[tx.ID]; exists {
		return ErrDuplicate
	}
	r.transactions[tx.ID] = tx
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (r *memoryRepository) Update(_ context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.transactions[tx.ID]
	if !ok {
		return ErrNotFound
	}
	existing.RequiresAdminApproval = tx.RequiresAdminApproval
	existing.PendingReason = tx.PendingReason
	existing.IsPending = tx.IsPending
	existing.Status = tx.Status
	existing.Note = tx.Note
	existing.UpdatedAt = tx.UpdatedAt
	existing.SettledAt = tx.SettledAt
	r.transactions[tx.ID] = existing
	return nil
}

func (r *memoryRepository) WithdrawalsSince(_ context.Context, nationID int, since time.Time) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transaction
	for _, tx := range r.transactions {
		if tx.NationID == nationID && tx.Kind == KindWithdrawal && !tx.CreatedAt.Before(since) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
