package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Treasury.BalanceTTL != 30*time.Minute {
		t.Fatalf("expected 30m balance ttl, got %s", cfg.Treasury.BalanceTTL)
	}
	if cfg.Treasury.LockTTL != 60*time.Second || cfg.Treasury.LockWait != 5*time.Second {
		t.Fatalf("unexpected lock settings: ttl=%s wait=%s", cfg.Treasury.LockTTL, cfg.Treasury.LockWait)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestLoadTreasurySettings(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("MAIN_ALLIANCE_ID", "4221")
	t.Setenv("MAX_DAILY_WITHDRAWALS", "3")
	t.Setenv("WITHDRAWAL_LIMIT_MONEY", "5000000")
	t.Setenv("WITHDRAWAL_LIMIT_STEEL", "0")
	t.Setenv("FULFILLMENT_LOCK_WAIT_SECONDS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Treasury.MainAllianceID != 4221 {
		t.Fatalf("expected main alliance 4221, got %d", cfg.Treasury.MainAllianceID)
	}
	if cfg.Treasury.MaxDailyWithdrawals != 3 {
		t.Fatalf("expected max withdrawals 3, got %d", cfg.Treasury.MaxDailyWithdrawals)
	}
	limit, ok := cfg.Treasury.DailyLimit(ledger.Money)
	if !ok || !limit.Equal(decimal.NewFromInt(5_000_000)) {
		t.Fatalf("expected money limit 5000000, got %s (ok=%v)", limit, ok)
	}
	if _, ok := cfg.Treasury.DailyLimit(ledger.Steel); ok {
		t.Fatal("expected zero steel limit to mean unlimited")
	}
	if cfg.Treasury.LockWait != 2*time.Second {
		t.Fatalf("expected lock wait 2s, got %s", cfg.Treasury.LockWait)
	}
}

func TestLoadRequiresBackendsOutsideDev(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL to fail outside development")
	}
}

func TestLoadRejectsInvalidLimit(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("WITHDRAWAL_LIMIT_FOOD", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("expected invalid limit to fail")
	}
}

func TestLoadRejectsNonPositiveLockTTL(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("FULFILLMENT_LOCK_TTL_SECONDS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected zero lock ttl to fail")
	}
}
