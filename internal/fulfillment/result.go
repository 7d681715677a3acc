package fulfillment

import (
	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// Status is the outcome class of a fulfillment pass.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Transfer is one successful offshore-to-main withdrawal.
type Transfer struct {
	OffshoreID   string        `json:"offshore_id"`
	OffshoreName string        `json:"offshore_name"`
	Resources    ledger.Ledger `json:"resources"`
}

// Error is a failure recorded during a pass. Offshore fields are empty for
// failures that are not tied to one offshore.
type Error struct {
	OffshoreID   string `json:"offshore_id,omitempty"`
	OffshoreName string `json:"offshore_name,omitempty"`
	Message      string `json:"message"`
}

// GuardrailBlock records a resource an offshore could not give because its
// balance was at or below the guardrail minimum.
type GuardrailBlock struct {
	OffshoreID   string          `json:"offshore_id"`
	OffshoreName string          `json:"offshore_name"`
	Resource     ledger.Resource `json:"resource"`
	Balance      decimal.Decimal `json:"balance"`
	Minimum      decimal.Decimal `json:"minimum"`
}

// Result describes exactly what one fulfillment pass did.
type Result struct {
	Status            Status           `json:"status"`
	Message           string           `json:"message"`
	Transfers         []Transfer       `json:"transfers"`
	Errors            []Error          `json:"errors"`
	GuardrailBlocks   []GuardrailBlock `json:"guardrail_blocks"`
	RemainingDeficits ledger.Ledger    `json:"remaining_deficits"`
	InitialDeficits   ledger.Ledger    `json:"initial_deficits"`
}

// ShouldSendWithdrawal reports whether the main bank can now pay the
// withdrawal.
func (r Result) ShouldSendWithdrawal() bool {
	return r.Status == StatusSkipped || r.Status == StatusFulfilled
}

// RequiresAdminReview reports whether the withdrawal must go to manual review.
func (r Result) RequiresAdminReview() bool {
	return r.Status == StatusFailed || r.Status == StatusTimeout
}

// Drawn sums every transferred resource.
func (r Result) Drawn() ledger.Ledger {
	var total ledger.Ledger
	for _, t := range r.Transfers {
		total = total.Add(t.Resources)
	}
	return total
}
