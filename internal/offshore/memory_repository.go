package offshore

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu        sync.RWMutex
	offshores map[string]Offshore
}

// NewMemoryRepository builds an in-memory offshore store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{offshores: make(map[string]Offshore)}
}

func (r *memoryRepository) List(_ context.Context) ([]Offshore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Offshore, 0, len(r.offshores))
	for _, o := range r.offshores {
		out = append(out, clone(o))
	}
	return out, nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Offshore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offshores[id]
	if !ok {
		return Offshore{}, ErrNotFound
	}
	return clone(o), nil
}

func (r *memoryRepository) Create(_ context.Context, o Offshore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.offshores[o.ID]; exists {
		return ErrDuplicate
	}
	r.offshores[o.ID] = clone(o)
	return nil
}

func (r *memoryRepository) Update(_ context.Context, o Offshore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.offshores[o.ID]
	if !ok {
		return ErrNotFound
	}
	o.Guardrails = existing.Guardrails
	o.CreatedAt = existing.CreatedAt
	r.offshores[o.ID] = clone(o)
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.offshores[id]; !ok {
		return ErrNotFound
	}
	delete(r.offshores, id)
	return nil
}

func (r *memoryRepository) ReplaceGuardrails(_ context.Context, id string, guardrails []Guardrail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offshores[id]
	if !ok {
		return ErrNotFound
	}
	o.Guardrails = append([]Guardrail(nil), guardrails...)
	r.offshores[id] = o
	return nil
}

func clone(o Offshore) Offshore {
	o.Guardrails = append([]Guardrail(nil), o.Guardrails...)
	return o
}
