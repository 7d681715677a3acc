package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := "memory"
		redisStatus := "memory"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.App.DB != nil {
			dbStatus = "ok"
			if err := d.App.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		}
		if d.App.Redis != nil {
			redisStatus = "ok"
			if err := d.App.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
			}
		}
		status := http.StatusOK
		if (dbStatus != "ok" && dbStatus != "memory") || (redisStatus != "ok" && redisStatus != "memory") {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":              fiber.Map{"postgres": dbStatus, "redis": redisStatus},
			"main_alliance_ready": d.Cfg.Treasury.MainAllianceID > 0,
			"timestamp":           time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
