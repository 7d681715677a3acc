package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "treasury:idempotency:v2:"
	storeTimeout         = 2 * time.Second
)

// replay is what an admin request leaves behind for retries with the same
// key. Done is false while the request is still running.
type replay struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Done        bool   `json:"done"`
}

// Idempotency makes unsafe admin requests replayable: a retry with the same
// Idempotency-Key, admin and route gets the stored answer instead of moving
// resources again. Reusing a key for a different body is rejected with 422.
// Without Redis only the header requirement is enforced.
func Idempotency(cache redis.UniversalClient, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if cache == nil {
			return c.Next()
		}

		scope := idempotencyScope(AdminSubject(c), c.Method(), c.Path(), key)
		fingerprint := bodyFingerprint(c.Body())
		log := logger.With(slog.String("idempotency_key", key), slog.String("admin_subject", AdminSubject(c)))

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		pending, err := json.Marshal(replay{Fingerprint: fingerprint})
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		reserved, err := cache.SetNX(ctx, scope, pending, ttl).Result()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if !reserved {
			return replayStored(ctx, c, cache, scope, fingerprint, log)
		}

		if err := c.Next(); err != nil {
			forget(cache, scope)
			return err
		}

		payload, err := json.Marshal(replay{
			Fingerprint: fingerprint,
			Status:      c.Response().StatusCode(),
			ContentType: string(c.Response().Header.ContentType()),
			Body:        string(c.Response().Body()),
			Done:        true,
		})
		if err == nil {
			persistCtx, persistCancel := context.WithTimeout(context.Background(), storeTimeout)
			defer persistCancel()
			err = cache.Set(persistCtx, scope, payload, ttl).Err()
		}
		if err != nil {
			// Keep the reservation: the request must not run twice.
			log.Error("failed to persist idempotent response", slog.Any("error", err))
		}
		return nil
	}
}

func replayStored(ctx context.Context, c *fiber.Ctx, cache redis.UniversalClient, scope, fingerprint string, log *slog.Logger) error {
	raw, err := cache.Get(ctx, scope).Bytes()
	if errors.Is(err, redis.Nil) {
		return fiber.NewError(fiber.StatusConflict, "duplicate request, retry shortly")
	}
	if err != nil {
		log.Error("idempotency lookup failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}

	var stored replay
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Warn("failed to decode stored idempotent response", slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	if stored.Fingerprint != fingerprint {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request")
	}
	if !stored.Done {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	if stored.ContentType != "" {
		c.Set(fiber.HeaderContentType, stored.ContentType)
	}
	c.Set("Idempotent-Replayed", "true")
	return c.Status(stored.Status).SendString(stored.Body)
}

func idempotencyScope(subject, method, path, key string) string {
	sum := sha256.Sum256([]byte(subject + "\x00" + method + "\x00" + path + "\x00" + key))
	return idempotencyPrefix + hex.EncodeToString(sum[:])
}

func bodyFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func forget(cache redis.UniversalClient, scope string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	_ = cache.Del(ctx, scope).Err()
}
