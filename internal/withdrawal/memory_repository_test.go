package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

func TestMemoryRepositoryUpdateKeepsResources(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tx := Transaction{
		ID:        "tx-1",
		NationID:  9,
		Kind:      KindWithdrawal,
		Resources: ledger.Of(map[ledger.Resource]float64{ledger.Money: 10}),
		Status:    StatusPending,
		IsPending: true,
		CreatedAt: testNow,
	}
	require.NoError(t, repo.Create(ctx, tx))
	assert.ErrorIs(t, repo.Create(ctx, tx), ErrDuplicate)

	settled := testNow.Add(time.Minute)
	tx.Status = StatusSent
	tx.IsPending = false
	tx.SettledAt = &settled
	tx.Resources = ledger.Of(map[ledger.Resource]float64{ledger.Money: 99})
	require.NoError(t, repo.Update(ctx, tx))

	got, err := repo.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.True(t, got.Settled())
	assert.True(t, got.Resources.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 10})))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, Transaction{ID: "missing"}), ErrNotFound)
}
