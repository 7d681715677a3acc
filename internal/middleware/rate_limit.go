package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimit caps requests per client IP and bucket name. With Redis the
// count is shared across instances in fixed one-minute windows; without it
// each process keeps its own token buckets.
func RateLimit(cache redis.UniversalClient, bucket string, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	if cache == nil {
		return localRateLimit(bucket, maxPerMin)
	}
	return func(c *fiber.Ctx) error {
		key := "treasury:rl:" + bucket + ":" + c.IP()
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

func localRateLimit(bucket string, maxPerMin int) fiber.Handler {
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	every := rate.Every(time.Minute / time.Duration(maxPerMin))
	return func(c *fiber.Ctx) error {
		key := bucket + ":" + c.IP()
		mu.Lock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(every, maxPerMin)
			limiters[key] = l
		}
		mu.Unlock()
		if !l.Allow() {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
