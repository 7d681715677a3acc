package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, "treasury:lock"), mr
}

func lockers(t *testing.T) map[string]Locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]Locker{
		"redis":  redisLocker,
		"memory": NewMemory(),
	}
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			guard, err := l.Acquire(ctx, "job", time.Minute, 0)
			if err != nil {
				t.Fatalf("first acquire: %v", err)
			}
			defer guard.Release(ctx)

			_, err = l.Acquire(ctx, "job", time.Minute, 120*time.Millisecond)
			if !errors.Is(err, ErrNotAcquired) {
				t.Fatalf("expected ErrNotAcquired, got %v", err)
			}
		})
	}
}

func TestReleaseLetsNextHolderIn(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			guard, err := l.Acquire(ctx, "job", time.Minute, 0)
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}

			go func() {
				time.Sleep(60 * time.Millisecond)
				guard.Release(context.Background())
			}()

			next, err := l.Acquire(ctx, "job", time.Minute, time.Second)
			if err != nil {
				t.Fatalf("second acquire after release: %v", err)
			}
			next.Release(ctx)
		})
	}
}

func TestStaleGuardDoesNotReleaseNewHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "job", time.Second, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	current, err := l.Acquire(ctx, "job", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	defer current.Release(ctx)

	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("treasury:lock:job") {
		t.Fatalf("stale guard removed the new holder's lease")
	}
}

func TestMemoryLeaseExpires(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "job", time.Second, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Held("job") {
		t.Fatalf("expected lease to be held")
	}
	now = now.Add(2 * time.Second)
	if m.Held("job") {
		t.Fatalf("expected lease to expire")
	}
	if _, err := m.Acquire(ctx, "job", time.Second, 0); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestWithLockSerializesCallers(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := WithLock(context.Background(), l, "job", time.Minute, 5*time.Second, func(context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(10 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
					if err != nil {
						t.Errorf("WithLock: %v", err)
					}
				}()
			}
			wg.Wait()
			if maxInside != 1 {
				t.Fatalf("expected one holder at a time, saw %d", maxInside)
			}
		})
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := NewMemory()
	func() {
		defer func() { _ = recover() }()
		_ = WithLock(context.Background(), l, "job", time.Minute, 0, func(context.Context) error {
			panic("boom")
		})
	}()
	if l.Held("job") {
		t.Fatalf("lock still held after panic")
	}
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			for _, ttl := range []time.Duration{0, -time.Second} {
				guard, err := l.Acquire(context.Background(), "zero-ttl", ttl, 0)
				if !errors.Is(err, ErrInvalidTTL) {
					t.Fatalf("ttl %s: expected ErrInvalidTTL, got %v", ttl, err)
				}
				if guard != nil {
					t.Fatalf("ttl %s: expected no guard", ttl)
				}
			}
		})
	}
}
