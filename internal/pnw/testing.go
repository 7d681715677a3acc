package pnw

import (
	"time"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// SeedAlliance sets the bank balance of an alliance in the in-memory bank.
func (m *Memory) SeedAlliance(allianceID int, balance ledger.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alliances[allianceID] = balance
}

// AllianceBalance returns the current in-memory balance of an alliance.
func (m *Memory) AllianceBalance(allianceID int) ledger.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alliances[allianceID]
}

// NationBalance returns the resources an in-memory nation has received.
func (m *Memory) NationBalance(nationID int) ledger.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nations[nationID]
}

// FailBalances makes balance reads for the alliance return err; nil clears it.
func (m *Memory) FailBalances(allianceID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.balanceErrs, allianceID)
		return
	}
	m.balanceErrs[allianceID] = err
}

// FailWithdrawals makes withdrawals out of the alliance return err; nil clears it.
func (m *Memory) FailWithdrawals(allianceID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.withdrawErrs, allianceID)
		return
	}
	m.withdrawErrs[allianceID] = err
}

// SetDelay adds latency to every call, simulating a slow remote API.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Withdrawals returns the successful withdrawals in the order they landed.
func (m *Memory) Withdrawals() []WithdrawRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WithdrawRequest, len(m.withdrawals))
	copy(out, m.withdrawals)
	return out
}

// BalanceReads counts balance queries served so far.
func (m *Memory) BalanceReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceReads
}
