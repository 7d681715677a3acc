package pnw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// Memory is a concurrency-safe in-memory bank used in development and tests.
type Memory struct {
	mu           sync.Mutex
	alliances    map[int]ledger.Ledger
	nations      map[int]ledger.Ledger
	withdrawals  []WithdrawRequest
	balanceErrs  map[int]error
	withdrawErrs map[int]error
	delay        time.Duration
	balanceReads int
}

// NewMemory creates an empty in-memory bank.
func NewMemory() *Memory {
	return &Memory{
		alliances:    make(map[int]ledger.Ledger),
		nations:      make(map[int]ledger.Ledger),
		balanceErrs:  make(map[int]error),
		withdrawErrs: make(map[int]error),
	}
}

func (m *Memory) AllianceBalances(ctx context.Context, allianceID int, _ Credentials) (ledger.Ledger, error) {
	if err := m.wait(ctx); err != nil {
		return ledger.Ledger{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceReads++
	if err, ok := m.balanceErrs[allianceID]; ok {
		return ledger.Ledger{}, err
	}
	balance, ok := m.alliances[allianceID]
	if !ok {
		return ledger.Ledger{}, &APIError{Messages: []string{fmt.Sprintf("alliance %d not found", allianceID)}}
	}
	return balance, nil
}

func (m *Memory) Withdraw(ctx context.Context, req WithdrawRequest) error {
	if !req.Credentials.CanMutate() {
		return ErrMissingCredentials
	}
	amounts := req.Resources.Positive()
	if amounts.IsZero() {
		return fmt.Errorf("withdrawal must move at least one resource")
	}
	if err := m.wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.withdrawErrs[req.FromAllianceID]; ok {
		return err
	}
	from, ok := m.alliances[req.FromAllianceID]
	if !ok {
		return &APIError{Messages: []string{fmt.Sprintf("alliance %d not found", req.FromAllianceID)}}
	}

	remaining := from.Sub(amounts)
	if remaining.HasNegative() {
		return &APIError{Messages: []string{"the alliance bank does not have enough resources"}}
	}
	m.alliances[req.FromAllianceID] = remaining

	switch req.ReceiverType {
	case ReceiverAlliance:
		m.alliances[req.ReceiverID] = m.alliances[req.ReceiverID].Add(amounts)
	default:
		m.nations[req.ReceiverID] = m.nations[req.ReceiverID].Add(amounts)
	}

	req.Resources = amounts
	m.withdrawals = append(m.withdrawals, req)
	return nil
}

func (m *Memory) wait(ctx context.Context) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
	case <-timer.C:
		return nil
	}
}
