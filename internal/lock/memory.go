package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Locker with the same expiry semantics as Redis.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{leases: make(map[string]lease), now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Guard, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	token := uuid.NewString()
	err := poll(ctx, wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		if held, ok := m.leases[key]; ok && now.Before(held.expires) {
			return false, nil
		}
		m.leases[key] = lease{token: token, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryGuard{m: m, key: key, token: token}, nil
}

// Held reports whether key currently has an unexpired holder.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.leases[key]
	return ok && m.now().Before(held.expires)
}

type memoryGuard struct {
	m     *Memory
	key   string
	token string
}

func (g *memoryGuard) Release(context.Context) error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if held, ok := g.m.leases[g.key]; ok && held.token == g.token {
		delete(g.m.leases, g.key)
	}
	return nil
}
