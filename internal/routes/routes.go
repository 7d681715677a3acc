package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/alliance-treasury/alliance_treasury/internal/app"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/middleware"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/payout"
	"github.com/alliance-treasury/alliance_treasury/internal/transfer"
)

const transfersPerMinute = 20

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	App    *app.App
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(fiberApp *fiber.App, d Deps) error {
	if d.Cfg.AdminJWTSecret == "" {
		if !config.IsDev(d.Cfg.Env) {
			return fmt.Errorf("ADMIN_JWT_SECRET is required when APP_ENV=%s", d.Cfg.Env)
		}
		d.Logger.Warn("ADMIN_JWT_SECRET not set; admin routes will reject every token")
	}

	fiberApp.Use(recover.New())
	fiberApp.Use(middleware.RequestID())
	fiberApp.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	RegisterHealthRoutes(fiberApp, d)

	api := fiberApp.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	admin := api.Group("", middleware.AdminAuth(d.Cfg.AdminJWTSecret), middleware.Audit(d.Logger))
	RegisterOffshoreRoutes(admin, offshore.NewHandler(d.App.Registry))
	RegisterWithdrawalRoutes(admin, payout.NewHandler(d.App.Payouts))
	RegisterTransferRoutes(admin, transfer.NewHandler(d.App.Transfers),
		middleware.RateLimit(d.App.Redis, "transfers", transfersPerMinute),
		middleware.Idempotency(d.App.Redis, d.Cfg.IdempotencyTTL, d.Logger))

	return nil
}
