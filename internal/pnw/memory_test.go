package pnw

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

var botCreds = Credentials{APIKey: "read", MutationKey: "bot"}

func TestMemoryWithdrawMovesResources(t *testing.T) {
	bank := NewMemory()
	bank.SeedAlliance(2, ledger.Of(map[ledger.Resource]float64{ledger.Money: 5000, ledger.Oil: 10}))

	err := bank.Withdraw(context.Background(), WithdrawRequest{
		FromAllianceID: 2,
		ReceiverID:     1,
		ReceiverType:   ReceiverAlliance,
		Resources:      ledger.Of(map[ledger.Resource]float64{ledger.Money: 1200}),
		Credentials:    botCreds,
	})
	require.NoError(t, err)

	assert.True(t, bank.AllianceBalance(2).Get(ledger.Money).Equal(decimal.NewFromInt(3800)))
	assert.True(t, bank.AllianceBalance(1).Get(ledger.Money).Equal(decimal.NewFromInt(1200)))
	assert.Len(t, bank.Withdrawals(), 1)
}

func TestMemoryWithdrawRejectsOverdraw(t *testing.T) {
	bank := NewMemory()
	bank.SeedAlliance(2, ledger.Of(map[ledger.Resource]float64{ledger.Money: 100}))

	err := bank.Withdraw(context.Background(), WithdrawRequest{
		FromAllianceID: 2,
		ReceiverID:     9,
		ReceiverType:   ReceiverNation,
		Resources:      ledger.Of(map[ledger.Resource]float64{ledger.Money: 101}),
		Credentials:    botCreds,
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, bank.AllianceBalance(2).Get(ledger.Money).Equal(decimal.NewFromInt(100)))
	assert.Empty(t, bank.Withdrawals())
}

func TestMemoryConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	bank := NewMemory()
	bank.SeedAlliance(2, ledger.Of(map[ledger.Resource]float64{ledger.Money: 1000}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bank.Withdraw(context.Background(), WithdrawRequest{
				FromAllianceID: 2,
				ReceiverID:     1,
				ReceiverType:   ReceiverAlliance,
				Resources:      ledger.Of(map[ledger.Resource]float64{ledger.Money: 100}),
				Credentials:    botCreds,
			})
		}()
	}
	wg.Wait()

	assert.True(t, bank.AllianceBalance(2).Get(ledger.Money).IsZero())
	assert.Len(t, bank.Withdrawals(), 10)
}

func TestMemoryInjectedFailures(t *testing.T) {
	bank := NewMemory()
	bank.SeedAlliance(3, ledger.Of(map[ledger.Resource]float64{ledger.Money: 1}))
	bank.FailBalances(3, ErrConnection)

	_, err := bank.AllianceBalances(context.Background(), 3, Credentials{})
	assert.ErrorIs(t, err, ErrConnection)

	bank.FailBalances(3, nil)
	_, err = bank.AllianceBalances(context.Background(), 3, Credentials{})
	assert.NoError(t, err)
}
