package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
)

const refreshTimeout = 2 * time.Minute

// Refresher warms the balance cache of the main bank and every enabled
// offshore.
type Refresher struct {
	registry *offshore.Registry
	logger   *slog.Logger
}

// NewRefresher constructs a balance refresher.
func NewRefresher(registry *offshore.Registry, logger *slog.Logger) *Refresher {
	return &Refresher{registry: registry, logger: logging.Component(logger, "balance_refresher")}
}

// Report counts the treasuries a refresh pass touched.
type Report struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// Refresh refreshes every treasury. Failures are logged per treasury and do
// not stop the pass.
func (r *Refresher) Refresh(ctx context.Context, force bool) Report {
	var report Report
	if r.registry.Treasury().MainAllianceID > 0 {
		if _, err := r.registry.RefreshMainBalances(ctx, force); err != nil {
			report.Failed++
			r.logger.Warn("main balance refresh failed", slog.Any("error", err))
		} else {
			report.Refreshed++
		}
	}

	offshores, err := r.registry.All(ctx, false)
	if err != nil {
		r.logger.Error("list offshores for refresh", slog.Any("error", err))
		return report
	}
	for _, o := range offshores {
		if _, err := r.registry.RefreshBalances(ctx, o, force); err != nil {
			report.Failed++
			r.logger.Warn("offshore balance refresh failed", slog.String("offshore_id", o.ID), slog.Any("error", err))
			continue
		}
		report.Refreshed++
	}
	return report
}

// Scheduler runs the refresher on a cron spec.
type Scheduler struct {
	cron      *cron.Cron
	refresher *Refresher
	spec      string
	logger    *slog.Logger
}

// New creates a scheduler that recovers panicking jobs and skips a run while
// the previous one is still going.
func New(refresher *Refresher, spec string, logger *slog.Logger) *Scheduler {
	logger = logging.Component(logger, "scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, refresher: refresher, spec: spec, logger: logger}
}

// Start registers the refresh job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("schedule balance refresh %q: %w", s.spec, err)
	}
	s.logger.Info("scheduled balance refresh job", slog.String("schedule", s.spec))
	s.cron.Start()
	return nil
}

// Stop stops the cron loop; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	report := s.refresher.Refresh(ctx, false)
	s.logger.Info("balance refresh finished", slog.Int("refreshed", report.Refreshed), slog.Int("failed", report.Failed))
}
