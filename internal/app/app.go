package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/alliance-treasury/alliance_treasury/internal/balances"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/fulfillment"
	"github.com/alliance-treasury/alliance_treasury/internal/infra"
	"github.com/alliance-treasury/alliance_treasury/internal/lock"
	"github.com/alliance-treasury/alliance_treasury/internal/notification"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/payout"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/scheduler"
	"github.com/alliance-treasury/alliance_treasury/internal/secrets"
	"github.com/alliance-treasury/alliance_treasury/internal/transfer"
	"github.com/alliance-treasury/alliance_treasury/internal/withdrawal"
	"github.com/alliance-treasury/alliance_treasury/migrations"
)

const devOffshoreSecret = "development-offshore-secret"

// App holds the wired treasury services shared by the API server and the CLI.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	DB          *pgxpool.Pool
	Redis       redis.UniversalClient
	Client      pnw.Client
	Registry    *offshore.Registry
	Coordinator *fulfillment.Coordinator
	Limits      *withdrawal.LimitEvaluator
	Payouts     *payout.Service
	Transfers   *transfer.Service
	Refresher   *scheduler.Refresher
	Notifier    notification.Notifier

	closers []func()
}

// New connects the configured backends and builds every service. In
// development, absent DATABASE_URL, REDIS_URL or PNW_API_KEY fall back to
// in-memory implementations.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	secret := cfg.OffshoreSecret
	if secret == "" && config.IsDev(cfg.Env) {
		logger.Warn("OFFSHORE_KEY_SECRET not set; using the development secret")
		secret = devOffshoreSecret
	}
	box, err := secrets.NewBox(secret)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		offshoreRepo   offshore.Repository
		withdrawalRepo withdrawal.Repository
		transferRepo   transfer.Repository
		store          balances.Store
		locker         lock.Locker
	)
	if a.DB != nil {
		offshoreRepo = offshore.NewPostgresRepository(a.DB)
		withdrawalRepo = withdrawal.NewPostgresRepository(a.DB)
		transferRepo = transfer.NewPostgresRepository(a.DB)
	} else {
		offshoreRepo = offshore.NewMemoryRepository()
		withdrawalRepo = withdrawal.NewMemoryRepository()
		transferRepo = transfer.NewMemoryRepository()
	}
	if a.Redis != nil {
		store = balances.NewRedisStore(a.Redis)
		locker = lock.NewRedis(a.Redis, "treasury:lock")
	} else {
		store = balances.NewMemoryStore()
		locker = lock.NewMemory()
	}

	a.Client = a.remoteClient()
	a.Notifier = a.notifier()

	cache := balances.NewCache(store, cfg.Treasury.BalanceTTL, logger)
	a.Registry = offshore.NewRegistry(offshoreRepo, a.Client, cache, box, cfg.Treasury, logger)
	a.Coordinator = fulfillment.NewCoordinator(a.Registry, a.Client, locker, cfg.Treasury, logger)
	a.Limits = withdrawal.NewLimitEvaluator(withdrawalRepo, cfg.Treasury)
	a.Payouts = payout.NewService(payout.Deps{
		Repository:  withdrawalRepo,
		Limits:      a.Limits,
		Coordinator: a.Coordinator,
		Registry:    a.Registry,
		Client:      a.Client,
		Locker:      locker,
		Notifier:    a.Notifier,
		Logger:      logger,
	})
	a.Transfers = transfer.NewService(transferRepo, a.Registry, a.Client, a.Notifier, logger)
	a.Refresher = scheduler.NewRefresher(a.Registry, logger)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		applied, err := infra.Migrate(ctx, db, migrations.Files)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			a.Logger.Info("migrations applied", slog.Any("versions", applied))
		}
	} else if !config.IsDev(cfg.Env) {
		return errors.New("DATABASE_URL must be set")
	}

	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.Redis = client
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn("close redis", slog.Any("error", err))
			}
		})
	} else if !config.IsDev(cfg.Env) {
		return errors.New("REDIS_URL must be set")
	}
	return nil
}

func (a *App) remoteClient() pnw.Client {
	cfg := a.Config
	if cfg.Treasury.MainAPIKey == "" && config.IsDev(cfg.Env) {
		a.Logger.Warn("PNW_API_KEY not set; using the in-memory bank")
		return pnw.NewMemory()
	}
	return pnw.NewHTTPClient(pnw.Options{
		BaseURL:           cfg.APIURL,
		APIKey:            cfg.Treasury.MainAPIKey,
		RequestsPerMinute: cfg.RequestsPerMin,
		Logger:            a.Logger,
	})
}

func (a *App) notifier() notification.Notifier {
	notifiers := notification.Multi{notification.NewLoggerNotifier(a.Logger)}
	if a.Config.AMQPURL == "" {
		return notifiers
	}
	publisher, err := notification.NewAMQPPublisher(a.Config.AMQPURL, a.Config.EventsExchange, a.Logger)
	if err != nil {
		a.Logger.Warn("amqp publisher unavailable; notifications are logged only", slog.Any("error", err))
		return notifiers
	}
	a.closers = append(a.closers, publisher.Close)
	return append(notifiers, publisher)
}

// Close releases every connection in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
