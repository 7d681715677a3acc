package fulfillment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliance-treasury/alliance_treasury/internal/balances"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/lock"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/secrets"
	"github.com/alliance-treasury/alliance_treasury/internal/withdrawal"
)

const mainAlliance = 1000

type harness struct {
	bank     *pnw.Memory
	client   pnw.Client
	locker   *lock.Memory
	registry *offshore.Registry
	coord    *Coordinator
	treasury config.Treasury
}

func newHarness(t *testing.T, mutate ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		bank:   pnw.NewMemory(),
		locker: lock.NewMemory(),
		treasury: config.Treasury{
			MainAllianceID:  mainAlliance,
			MainAPIKey:      "main-read",
			MainMutationKey: "main-bot",
			BalanceTTL:      30 * time.Minute,
			LockTTL:         time.Minute,
			LockWait:        5 * time.Second,
		},
	}
	h.client = h.bank
	for _, fn := range mutate {
		fn(h)
	}
	box, err := secrets.NewBox("fulfillment-test-secret")
	require.NoError(t, err)
	cache := balances.NewCache(balances.NewMemoryStore(), h.treasury.BalanceTTL, logging.Discard())
	h.registry = offshore.NewRegistry(offshore.NewMemoryRepository(), h.client, cache, box, h.treasury, logging.Discard())
	h.coord = NewCoordinator(h.registry, h.client, h.locker, h.treasury, logging.Discard())
	h.bank.SeedAlliance(mainAlliance, ledger.Ledger{})
	return h
}

type offshoreSpec struct {
	name       string
	alliance   int
	priority   int
	balance    map[ledger.Resource]float64
	guardrails map[ledger.Resource]float64
	noKeys     bool
	disabled   bool
}

func (h *harness) addOffshore(t *testing.T, spec offshoreSpec) offshore.Offshore {
	t.Helper()
	ctx := context.Background()
	in := offshore.Input{Name: spec.name, AllianceID: spec.alliance, Enabled: !spec.disabled, Priority: spec.priority}
	if !spec.noKeys {
		read, bot := "read-"+spec.name, "bot-"+spec.name
		in.APIKey, in.MutationKey = &read, &bot
	}
	o, err := h.registry.Create(ctx, in)
	require.NoError(t, err)
	if len(spec.guardrails) > 0 {
		minimums := make(map[ledger.Resource]decimal.Decimal, len(spec.guardrails))
		for r, v := range spec.guardrails {
			minimums[r] = decimal.NewFromFloat(v)
		}
		o, err = h.registry.SyncGuardrails(ctx, o.ID, minimums)
		require.NoError(t, err)
	}
	h.bank.SeedAlliance(spec.alliance, ledger.Of(spec.balance))
	return o
}

func (h *harness) seedMain(balance map[ledger.Resource]float64) {
	h.bank.SeedAlliance(mainAlliance, ledger.Of(balance))
}

func txFor(resources map[ledger.Resource]float64) withdrawal.Transaction {
	return withdrawal.Transaction{
		ID:        uuid.New().String(),
		NationID:  77,
		Kind:      withdrawal.KindWithdrawal,
		Resources: ledger.Of(resources),
		Status:    withdrawal.StatusPending,
		IsPending: true,
	}
}

func amount(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestScenarioSingleOffshoreCoversShortfall(t *testing.T) {
	h := newHarness(t)
	vault := h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 2000}})

	tx := txFor(map[ledger.Resource]float64{ledger.Money: 1000})
	res := h.coord.CoverShortfall(context.Background(), tx)

	require.Equal(t, StatusFulfilled, res.Status, res.Message)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, vault.ID, res.Transfers[0].OffshoreID)
	assert.True(t, res.Transfers[0].Resources.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 1000})))
	assert.True(t, res.RemainingDeficits.IsZero())
	assert.True(t, res.ShouldSendWithdrawal())
	assert.False(t, res.RequiresAdminReview())

	sent := h.bank.Withdrawals()
	require.Len(t, sent, 1)
	assert.Equal(t, "Automated offshore fulfillment for transaction #"+tx.ID, sent[0].Note)
	assert.Equal(t, mainAlliance, sent[0].ReceiverID)
	assert.Equal(t, pnw.ReceiverAlliance, sent[0].ReceiverType)
	assert.True(t, h.bank.AllianceBalance(mainAlliance).Get(ledger.Money).Equal(amount(1000)))
}

func TestScenarioGuardrailLimitsDraw(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{
		name: "Vault", alliance: 1, priority: 1,
		balance:    map[ledger.Resource]float64{ledger.Money: 1000},
		guardrails: map[ledger.Resource]float64{ledger.Money: 500},
	})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Transfers, 1)
	assert.True(t, res.Transfers[0].Resources.Get(ledger.Money).Equal(amount(500)))
	assert.True(t, res.RemainingDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 500})))
	assert.Empty(t, res.GuardrailBlocks)
	assert.True(t, res.RequiresAdminReview())
	assert.True(t, h.bank.AllianceBalance(1).Get(ledger.Money).Equal(amount(500)))
}

func TestScenarioGuardrailSecondOffshoreCoversRemainder(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{
		name: "Guarded", alliance: 1, priority: 1,
		balance:    map[ledger.Resource]float64{ledger.Money: 1000},
		guardrails: map[ledger.Resource]float64{ledger.Money: 500},
	})
	h.addOffshore(t, offshoreSpec{name: "Backup", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Money: 800}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusFulfilled, res.Status)
	require.Len(t, res.Transfers, 2)
	assert.True(t, res.Transfers[0].Resources.Get(ledger.Money).Equal(amount(500)))
	assert.True(t, res.Transfers[1].Resources.Get(ledger.Money).Equal(amount(500)))
}

func TestScenarioNoOffshoresEnabled(t *testing.T) {
	h := newHarness(t)
	h.seedMain(map[ledger.Resource]float64{ledger.Coal: 10})
	h.addOffshore(t, offshoreSpec{name: "Dormant", alliance: 1, priority: 1, disabled: true, balance: map[ledger.Resource]float64{ledger.Coal: 1000}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Coal: 50}))

	require.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Transfers)
	assert.True(t, res.RemainingDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Coal: 40})))
	assert.True(t, res.InitialDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Coal: 40})))
	assert.Empty(t, h.bank.Withdrawals())
}

func TestScenarioEmptyRequestSkipsWithoutRemoteCalls(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 10}})
	reads := h.bank.BalanceReads()

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Credits: 5}))

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "No offshore coverage required", res.Message)
	assert.Empty(t, res.Transfers)
	assert.Equal(t, reads, h.bank.BalanceReads())
	assert.Empty(t, h.bank.Withdrawals())
}

func TestScenarioBusyLockTimesOut(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.treasury.LockWait = 80 * time.Millisecond })
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 2000}})
	guard, err := h.locker.Acquire(context.Background(), LockKey, time.Minute, 0)
	require.NoError(t, err)
	defer guard.Release(context.Background())
	reads := h.bank.BalanceReads()

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusTimeout, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "lock")
	assert.Equal(t, reads, h.bank.BalanceReads())
	assert.True(t, res.RequiresAdminReview())
}

func TestScenarioEmptyHighPriorityOffshoreIsSkippedSilently(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{name: "Empty", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Food: 100}})
	full := h.addOffshore(t, offshoreSpec{name: "Full", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Uranium: 300}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Uranium: 200}))

	require.Equal(t, StatusFulfilled, res.Status)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, full.ID, res.Transfers[0].OffshoreID)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.GuardrailBlocks)
}

func TestDeficitIsNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.seedMain(map[ledger.Resource]float64{ledger.Money: 5000, ledger.Coal: 5})
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Coal: 100, ledger.Money: 100}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 100, ledger.Coal: 20}))

	require.Equal(t, StatusFulfilled, res.Status)
	assert.False(t, res.InitialDeficits.HasNegative())
	assert.True(t, res.InitialDeficits.Get(ledger.Money).IsZero())
	assert.True(t, res.InitialDeficits.Get(ledger.Coal).Equal(amount(15)))
	for _, tr := range res.Transfers {
		assert.False(t, tr.Resources.HasNegative())
		assert.True(t, tr.Resources.Get(ledger.Money).IsZero(), "money was already covered")
	}
}

func TestGuardrailsHoldAfterEveryPass(t *testing.T) {
	cases := []struct {
		name      string
		balance   float64
		guardrail float64
		required  float64
	}{
		{name: "exact floor", balance: 500, guardrail: 500, required: 10},
		{name: "fractional headroom rounds down", balance: 1000.005, guardrail: 500, required: 600},
		{name: "tiny headroom", balance: 500.004, guardrail: 500, required: 1},
		{name: "deep deficit", balance: 2500.75, guardrail: 1200.5, required: 99999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.addOffshore(t, offshoreSpec{
				name: "Vault", alliance: 1, priority: 1,
				balance:    map[ledger.Resource]float64{ledger.Steel: tc.balance},
				guardrails: map[ledger.Resource]float64{ledger.Steel: tc.guardrail},
			})

			res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Steel: tc.required}))

			post := h.bank.AllianceBalance(1).Get(ledger.Steel)
			assert.True(t, post.GreaterThanOrEqual(amount(tc.guardrail)), "post balance %s below floor %v", post, tc.guardrail)
			assert.NotEqual(t, StatusTimeout, res.Status)
		})
	}
}

func TestGuardrailBlockIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{
		name: "Floor", alliance: 1, priority: 1,
		balance:    map[ledger.Resource]float64{ledger.Munitions: 300},
		guardrails: map[ledger.Resource]float64{ledger.Munitions: 400},
	})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Munitions: 50}))

	require.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.GuardrailBlocks, 1)
	block := res.GuardrailBlocks[0]
	assert.Equal(t, ledger.Munitions, block.Resource)
	assert.True(t, block.Balance.Equal(amount(300)))
	assert.True(t, block.Minimum.Equal(amount(400)))
	assert.Empty(t, res.Errors)
}

func TestPriorityOrderStopsAtFirstSufficientOffshore(t *testing.T) {
	h := newHarness(t)
	first := h.addOffshore(t, offshoreSpec{name: "One", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Gasoline: 1000}})
	h.addOffshore(t, offshoreSpec{name: "Two", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Gasoline: 1000}})
	h.addOffshore(t, offshoreSpec{name: "Three", alliance: 3, priority: 3, balance: map[ledger.Resource]float64{ledger.Gasoline: 1000}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Gasoline: 900}))

	require.Equal(t, StatusFulfilled, res.Status)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, first.ID, res.Transfers[0].OffshoreID)
	for _, w := range h.bank.Withdrawals() {
		assert.Equal(t, 1, w.FromAllianceID)
	}
	assert.True(t, h.bank.AllianceBalance(2).Get(ledger.Gasoline).Equal(amount(1000)))
	assert.True(t, h.bank.AllianceBalance(3).Get(ledger.Gasoline).Equal(amount(1000)))
}

func TestFulfilledTransfersSumToInitialDeficit(t *testing.T) {
	h := newHarness(t)
	h.seedMain(map[ledger.Resource]float64{ledger.Money: 250.5, ledger.Iron: 3})
	h.addOffshore(t, offshoreSpec{name: "A", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 300, ledger.Iron: 10}})
	h.addOffshore(t, offshoreSpec{name: "B", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Money: 10000, ledger.Bauxite: 80}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{
		ledger.Money: 1000.25, ledger.Iron: 8, ledger.Bauxite: 40.5,
	}))

	require.Equal(t, StatusFulfilled, res.Status)
	assert.True(t, res.Drawn().Equal(res.InitialDeficits), "drawn %s != initial %s", res.Drawn(), res.InitialDeficits)
	assert.True(t, res.InitialDeficits.Equal(ledger.Of(map[ledger.Resource]float64{
		ledger.Money: 749.75, ledger.Iron: 5, ledger.Bauxite: 40.5,
	})))
}

func TestPartialFailurePreservesAudit(t *testing.T) {
	h := newHarness(t)
	a := h.addOffshore(t, offshoreSpec{name: "A", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 600}})
	b := h.addOffshore(t, offshoreSpec{name: "B", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Money: 5000}})
	h.bank.FailWithdrawals(2, &pnw.APIError{Messages: []string{"bank is locked"}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, a.ID, res.Transfers[0].OffshoreID)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, b.ID, res.Errors[0].OffshoreID)
	assert.Contains(t, res.Errors[0].Message, "bank is locked")
	assert.True(t, res.RemainingDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 400})))
	assert.True(t, res.InitialDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 1000})))
}

func TestUnknownOffshoreBalanceIsAnErrorNotAGuardrailBlock(t *testing.T) {
	h := newHarness(t)
	down := h.addOffshore(t, offshoreSpec{
		name: "Down", alliance: 1, priority: 1,
		balance:    map[ledger.Resource]float64{ledger.Money: 5000},
		guardrails: map[ledger.Resource]float64{ledger.Money: 100},
	})
	h.addOffshore(t, offshoreSpec{name: "Up", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Money: 5000}})
	h.bank.FailBalances(1, pnw.ErrConnection)

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusFulfilled, res.Status)
	assert.Empty(t, res.GuardrailBlocks)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, down.ID, res.Errors[0].OffshoreID)
	assert.Contains(t, res.Errors[0].Message, offshore.ErrBalanceUnavailable.Error())
}

func TestOffshoreWithoutKeysIsSkippedWithError(t *testing.T) {
	h := newHarness(t)
	locked := h.addOffshore(t, offshoreSpec{name: "ReadOnly", alliance: 1, priority: 1, noKeys: true, balance: map[ledger.Resource]float64{ledger.Lead: 500}})
	h.addOffshore(t, offshoreSpec{name: "Keyed", alliance: 2, priority: 2, balance: map[ledger.Resource]float64{ledger.Lead: 500}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Lead: 100}))

	require.Equal(t, StatusFulfilled, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, locked.ID, res.Errors[0].OffshoreID)
	assert.True(t, h.bank.AllianceBalance(1).Get(ledger.Lead).Equal(amount(500)))
}

func TestMainBalanceFailureAbortsPass(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 2000}})
	h.bank.FailBalances(mainAlliance, pnw.ErrConnection)

	required := map[ledger.Resource]float64{ledger.Money: 1000, ledger.Food: 3}
	res := h.coord.CoverShortfall(context.Background(), txFor(required))

	require.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.InitialDeficits.Equal(ledger.Of(required)))
	assert.Empty(t, res.Transfers)
	assert.Empty(t, h.bank.Withdrawals())
	assert.False(t, h.locker.Held(LockKey))
}

func TestMissingMainAllianceFailsWithoutLocking(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.treasury.MainAllianceID = 0 })
	guard, err := h.locker.Acquire(context.Background(), LockKey, time.Minute, 0)
	require.NoError(t, err)
	defer guard.Release(context.Background())

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1}))

	require.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Main alliance ID is not configured", res.Errors[0].Message)
}

func TestMainAlreadySufficientSkips(t *testing.T) {
	h := newHarness(t)
	h.seedMain(map[ledger.Resource]float64{ledger.Money: 5000})
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 2000}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "Main bank has sufficient resources", res.Message)
	assert.Empty(t, res.Transfers)
	assert.Empty(t, h.bank.Withdrawals())
}

func TestMainCacheInvalidatedAfterTransfers(t *testing.T) {
	h := newHarness(t)
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Oil: 70}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Oil: 70}))
	require.Equal(t, StatusFulfilled, res.Status)

	mainBalance, err := h.registry.MainBalances(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, mainBalance.Get(ledger.Oil).Equal(amount(70)))
}

type panickingClient struct {
	pnw.Client
}

func (panickingClient) Withdraw(context.Context, pnw.WithdrawRequest) error {
	panic("remote client exploded")
}

func TestPanicBecomesFailedResultAndReleasesLock(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.client = panickingClient{Client: h.bank}
	})
	h.addOffshore(t, offshoreSpec{name: "Vault", alliance: 1, priority: 1, balance: map[ledger.Resource]float64{ledger.Money: 2000}})

	res := h.coord.CoverShortfall(context.Background(), txFor(map[ledger.Resource]float64{ledger.Money: 1000}))

	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "Offshore fulfillment aborted unexpectedly", res.Message)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1].Message, "remote client exploded")
	assert.True(t, res.InitialDeficits.Equal(ledger.Of(map[ledger.Resource]float64{ledger.Money: 1000})))
	assert.False(t, h.locker.Held(LockKey))
}

// concurrencyProbe records how many remote calls overlap.
type concurrencyProbe struct {
	pnw.Client
	inflight    int32
	maxInflight int32
}

func (p *concurrencyProbe) enter() func() {
	n := atomic.AddInt32(&p.inflight, 1)
	for {
		m := atomic.LoadInt32(&p.maxInflight)
		if n <= m || atomic.CompareAndSwapInt32(&p.maxInflight, m, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&p.inflight, -1) }
}

func (p *concurrencyProbe) AllianceBalances(ctx context.Context, allianceID int, creds pnw.Credentials) (ledger.Ledger, error) {
	defer p.enter()()
	return p.Client.AllianceBalances(ctx, allianceID, creds)
}

func (p *concurrencyProbe) Withdraw(ctx context.Context, req pnw.WithdrawRequest) error {
	defer p.enter()()
	return p.Client.Withdraw(ctx, req)
}

func TestConcurrentPassesAreSerialized(t *testing.T) {
	probe := &concurrencyProbe{}
	h := newHarness(t, func(h *harness) {
		probe.Client = h.bank
		h.client = probe
		h.treasury.LockWait = 10 * time.Second
	})
	h.addOffshore(t, offshoreSpec{
		name: "Shared", alliance: 1, priority: 1,
		balance:    map[ledger.Resource]float64{ledger.Aluminum: 1500},
		guardrails: map[ledger.Resource]float64{ledger.Aluminum: 200},
	})
	h.bank.SetDelay(5 * time.Millisecond)

	const workers = 6
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := txFor(map[ledger.Resource]float64{ledger.Aluminum: 500})
			results[i] = h.coord.CoverShortfall(context.Background(), tx)
			if results[i].ShouldSendWithdrawal() {
				_ = h.bank.Withdraw(context.Background(), pnw.WithdrawRequest{
					FromAllianceID: mainAlliance,
					ReceiverID:     tx.NationID,
					ReceiverType:   pnw.ReceiverNation,
					Resources:      tx.Resources,
					Credentials:    pnw.Credentials{APIKey: "main-read", MutationKey: "main-bot"},
				})
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&probe.maxInflight), "remote calls overlapped across passes")

	var drawn decimal.Decimal
	for _, res := range results {
		assert.NotEqual(t, StatusTimeout, res.Status)
		drawn = drawn.Add(res.Drawn().Get(ledger.Aluminum))
	}
	assert.True(t, drawn.LessThanOrEqual(amount(1300)), "drew %s beyond the available 1300", drawn)
	assert.True(t, h.bank.AllianceBalance(1).Get(ledger.Aluminum).GreaterThanOrEqual(amount(200)))
}
