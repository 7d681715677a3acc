package balances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
)

// ErrMiss is returned by a Store when the key holds no live snapshot.
var ErrMiss = errors.New("balance snapshot not cached")

// MainKey is the reserved cache key of the main treasury.
const MainKey = "treasury:balances:main"

// OffshoreKey is the cache key of an offshore treasury.
func OffshoreKey(offshoreID string) string {
	return "treasury:balances:offshore:" + offshoreID
}

// Snapshot is a balance captured at a point in time.
type Snapshot struct {
	Resources  ledger.Ledger `json:"resources"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Store persists snapshots with a time-to-live.
type Store interface {
	Get(ctx context.Context, key string) (Snapshot, error)
	Put(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Cache layers remember/put/forget over a Store.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCache wraps store with a fixed snapshot lifetime.
func NewCache(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{store: store, ttl: ttl, now: time.Now, logger: logging.Component(logger, "balance_cache")}
}

// Remember returns the cached snapshot for key, or runs fetch and caches its
// result. force skips the read but still writes. Fetch errors are returned
// and never cached.
func (c *Cache) Remember(ctx context.Context, key string, force bool, fetch func(ctx context.Context) (ledger.Ledger, error)) (Snapshot, error) {
	if !force {
		snap, err := c.store.Get(ctx, key)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("balance cache read failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	resources, err := fetch(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Resources: resources, CapturedAt: c.now().UTC()}
	if err := c.store.Put(ctx, key, snap, c.ttl); err != nil {
		c.logger.Warn("balance cache write failed", slog.String("key", key), slog.Any("error", err))
	}
	return snap, nil
}

// Put stores a known balance under key.
func (c *Cache) Put(ctx context.Context, key string, resources ledger.Ledger) error {
	snap := Snapshot{Resources: resources, CapturedAt: c.now().UTC()}
	if err := c.store.Put(ctx, key, snap, c.ttl); err != nil {
		return fmt.Errorf("cache balance %s: %w", key, err)
	}
	return nil
}

// Forget drops the snapshot under key.
func (c *Cache) Forget(ctx context.Context, key string) error {
	if err := c.store.Forget(ctx, key); err != nil {
		return fmt.Errorf("forget balance %s: %w", key, err)
	}
	return nil
}
