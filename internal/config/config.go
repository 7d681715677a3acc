package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

const (
	defaultAppName         = "AllianceTreasury"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAPIURL          = "https://api.politicsandwar.com/graphql"
	defaultRequestsPerMin  = 60
	defaultRefreshSchedule = "@every 30m"
	defaultEventsExchange  = "treasury_events"
	defaultBalanceTTL      = 30 * time.Minute
	defaultLockTTL         = 60 * time.Second
	defaultLockWait        = 5 * time.Second
	withdrawalLimitPrefix  = "WITHDRAWAL_LIMIT_"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName         string
	Env             string
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	AMQPURL         string
	EventsExchange  string
	AdminJWTSecret  string
	OffshoreSecret  string
	APIURL          string
	RequestsPerMin  int
	RefreshSchedule string
	ShutdownPeriod  time.Duration
	IdempotencyTTL  time.Duration
	Treasury        Treasury
}

// Treasury is the immutable set of settings shared by the registry, the limit
// evaluator and the fulfillment coordinator.
type Treasury struct {
	MainAllianceID      int
	MainAPIKey          string
	MainMutationKey     string
	DailyLimits         map[ledger.Resource]decimal.Decimal
	MaxDailyWithdrawals int
	BalanceTTL          time.Duration
	LockTTL             time.Duration
	LockWait            time.Duration
}

// DailyLimit returns the configured per-day ceiling for r; ok is false when
// the resource is unlimited.
func (t Treasury) DailyLimit(r ledger.Resource) (decimal.Decimal, bool) {
	v, ok := t.DailyLimits[r]
	if !ok || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		Env:             getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		AMQPURL:         os.Getenv("AMQP_URL"),
		EventsExchange:  getEnv("EVENTS_EXCHANGE", defaultEventsExchange),
		AdminJWTSecret:  os.Getenv("ADMIN_JWT_SECRET"),
		OffshoreSecret:  os.Getenv("OFFSHORE_KEY_SECRET"),
		APIURL:          getEnv("PNW_API_URL", defaultAPIURL),
		RequestsPerMin:  defaultRequestsPerMin,
		RefreshSchedule: getEnv("BALANCE_REFRESH_SCHEDULE", defaultRefreshSchedule),
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.RequestsPerMin, err = intEnv("PNW_REQUESTS_PER_MINUTE", defaultRequestsPerMin); err != nil {
		return Config{}, err
	}

	if cfg.Treasury, err = loadTreasury(); err != nil {
		return Config{}, err
	}

	if !IsDev(cfg.Env) {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.AdminJWTSecret == "" {
			return Config{}, fmt.Errorf("ADMIN_JWT_SECRET must be set")
		}
		if cfg.OffshoreSecret == "" {
			return Config{}, fmt.Errorf("OFFSHORE_KEY_SECRET must be set")
		}
	}

	return cfg, nil
}

func loadTreasury() (Treasury, error) {
	t := Treasury{
		MainAPIKey:      os.Getenv("PNW_API_KEY"),
		MainMutationKey: os.Getenv("PNW_MUTATION_KEY"),
		DailyLimits:     make(map[ledger.Resource]decimal.Decimal),
	}

	var err error
	if t.MainAllianceID, err = intEnv("MAIN_ALLIANCE_ID", 0); err != nil {
		return Treasury{}, err
	}
	if t.MaxDailyWithdrawals, err = intEnv("MAX_DAILY_WITHDRAWALS", 0); err != nil {
		return Treasury{}, err
	}
	if t.BalanceTTL, err = durationEnv("BALANCE_CACHE_TTL", defaultBalanceTTL); err != nil {
		return Treasury{}, err
	}
	if t.LockTTL, err = durationEnv("FULFILLMENT_LOCK_TTL", defaultLockTTL); err != nil {
		return Treasury{}, err
	}
	if t.LockWait, err = durationEnv("FULFILLMENT_LOCK_WAIT", defaultLockWait); err != nil {
		return Treasury{}, err
	}
	if t.LockTTL <= 0 {
		return Treasury{}, fmt.Errorf("invalid FULFILLMENT_LOCK_TTL: must be positive, got %s", t.LockTTL)
	}

	for _, r := range ledger.All() {
		key := withdrawalLimitPrefix + strings.ToUpper(r.String())
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Treasury{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if v.IsPositive() {
			t.DailyLimits[r] = v
		}
	}

	return t, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether env names a development environment, where in-memory
// backends stand in for Postgres, Redis and the remote API.
func IsDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads KEY_SECONDS as an integer number of seconds, falling back
// to KEY as a Go duration string.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	secondsKey := key + "_SECONDS"
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
