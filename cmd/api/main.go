package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alliance-treasury/alliance_treasury/internal/app"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/scheduler"
	"github.com/alliance-treasury/alliance_treasury/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	treasury, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("build treasury", "error", err)
		os.Exit(1)
	}
	defer treasury.Close()

	if cfg.Treasury.MainAllianceID <= 0 {
		logger.Error("MAIN_ALLIANCE_ID is not configured; offshore fulfillment will fail until it is set")
	}

	refresh := scheduler.New(treasury.Refresher, cfg.RefreshSchedule, logger)
	if err := refresh.Start(); err != nil {
		logger.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, treasury, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	select {
	case <-refresh.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("balance refresh still running at shutdown")
	}

	logger.Info("server exited cleanly")
}
