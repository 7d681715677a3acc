package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotAcquired is returned when the lock stays held by someone else for the
// whole wait window.
var ErrNotAcquired = errors.New("lock not acquired within wait window")

// ErrInvalidTTL is returned for leases that would never or immediately expire.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

const pollInterval = 50 * time.Millisecond

// Locker hands out named mutual-exclusion leases that expire after ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Guard, error)
}

// Guard is a held lease. Release is safe to call more than once and never
// deletes a lease that has since been taken by another holder.
type Guard interface {
	Release(ctx context.Context) error
}

// WithLock acquires key, runs fn while holding it and releases on return,
// including when fn panics.
func WithLock(ctx context.Context, l Locker, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	guard, err := l.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = guard.Release(releaseCtx)
	}()
	return fn(ctx)
}

// poll retries try until it reports success, the wait window closes or ctx
// is cancelled.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNotAcquired
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
