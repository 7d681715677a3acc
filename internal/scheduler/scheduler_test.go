package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliance-treasury/alliance_treasury/internal/balances"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/secrets"
)

func newRegistry(t *testing.T, mainID int) (*offshore.Registry, *pnw.Memory) {
	t.Helper()
	treasury := config.Treasury{MainAllianceID: mainID, MainAPIKey: "main-read", BalanceTTL: 30 * time.Minute}
	box, err := secrets.NewBox("scheduler-test-secret")
	require.NoError(t, err)
	bank := pnw.NewMemory()
	cache := balances.NewCache(balances.NewMemoryStore(), treasury.BalanceTTL, logging.Discard())
	return offshore.NewRegistry(offshore.NewMemoryRepository(), bank, cache, box, treasury, logging.Discard()), bank
}

func TestRefreshWarmsEveryEnabledTreasury(t *testing.T) {
	reg, bank := newRegistry(t, 1000)
	ctx := context.Background()
	bank.SeedAlliance(1000, ledger.Of(map[ledger.Resource]float64{ledger.Money: 1}))
	bank.SeedAlliance(1, ledger.Of(map[ledger.Resource]float64{ledger.Money: 2}))
	bank.FailBalances(2, errors.New("boom"))
	for _, in := range []offshore.Input{
		{Name: "Alpha", AllianceID: 1, Enabled: true},
		{Name: "Broken", AllianceID: 2, Enabled: true},
		{Name: "Off", AllianceID: 3, Enabled: false},
	} {
		_, err := reg.Create(ctx, in)
		require.NoError(t, err)
	}

	report := NewRefresher(reg, logging.Discard()).Refresh(ctx, false)
	assert.Equal(t, Report{Refreshed: 2, Failed: 1}, report)

	reads := bank.BalanceReads()
	_, err := reg.MainBalances(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, reads, bank.BalanceReads())
}

func TestRefreshSkipsUnconfiguredMain(t *testing.T) {
	reg, _ := newRegistry(t, 0)
	report := NewRefresher(reg, logging.Discard()).Refresh(context.Background(), true)
	assert.Equal(t, Report{}, report)
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	reg, _ := newRegistry(t, 0)
	s := New(NewRefresher(reg, logging.Discard()), "not a schedule", logging.Discard())
	assert.Error(t, s.Start())

	ok := New(NewRefresher(reg, logging.Discard()), "@every 1h", logging.Discard())
	require.NoError(t, ok.Start())
	<-ok.Stop().Done()
}
