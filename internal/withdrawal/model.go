package withdrawal

import (
	"time"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// Kind classifies a bank transaction.
type Kind string

const (
	KindWithdrawal Kind = "withdrawal"
	KindDeposit    Kind = "deposit"
)

// Status is the lifecycle state of a transaction. Records are never deleted;
// they only move between states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
	StatusDenied   Status = "denied"
)

// Transaction is a member's request to move resources out of the main bank.
type Transaction struct {
	ID                    string        `json:"id"`
	NationID              int           `json:"nation_id"`
	AccountID             int           `json:"account_id"`
	Kind                  Kind          `json:"kind"`
	Resources             ledger.Ledger `json:"resources"`
	RequiresAdminApproval bool          `json:"requires_admin_approval"`
	PendingReason         string        `json:"pending_reason,omitempty"`
	IsPending             bool          `json:"is_pending"`
	Status                Status        `json:"status"`
	Note                  string        `json:"note,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	SettledAt             *time.Time    `json:"settled_at,omitempty"`
}

// Settled reports whether the transaction reached a final state.
func (t Transaction) Settled() bool {
	return t.Status == StatusSent || t.Status == StatusDenied
}
