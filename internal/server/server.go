package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/alliance-treasury/alliance_treasury/internal/app"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/routes"
)

// Server wraps the Fiber application and the wired treasury services.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, treasury *app.App, logger *slog.Logger) (*Server, error) {
	fiberApp := fiber.New(fiber.Config{
		AppName: cfg.AppName,
		// a fulfillment pass can wait on the lock and several remote calls
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	})

	if err := routes.Setup(fiberApp, routes.Deps{Cfg: cfg, App: treasury, Logger: logger}); err != nil {
		return nil, err
	}

	return &Server{app: fiberApp, cfg: cfg}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
