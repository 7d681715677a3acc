package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX and a random owner token.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis builds a Redis-backed locker. Keys are namespaced under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "lock"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Guard, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	fullKey := r.prefix + ":" + key
	token := uuid.NewString()

	err := poll(ctx, wait, func() (bool, error) {
		ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisGuard{client: r.client, key: fullKey, token: token}, nil
}

type redisGuard struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (g *redisGuard) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key}, g.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
