package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

var (
	// ErrNotFound indicates the transaction does not exist.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicate indicates a transaction with the same id already exists.
	ErrDuplicate = errors.New("transaction already exists")
)

const (
	limitWindow = 24 * time.Hour

	reasonResourceLimit = "Exceeded daily limit for %s"
	reasonCountLimit    = "Reached the maximum automatic withdrawals for the day"
)

var limitEpsilon = decimal.New(1, -5)

// Decision is the outcome of checking a request against the daily limits.
type Decision struct {
	RequiresApproval  bool              `json:"requires_approval"`
	ExceededResources []ledger.Resource `json:"exceeded_resources"`
	CountLimitReached bool              `json:"count_limit_reached"`
	PendingReason     string            `json:"pending_reason,omitempty"`
}

// ExceededNames returns the exceeded resources by name.
func (d Decision) ExceededNames() []string {
	out := make([]string, 0, len(d.ExceededResources))
	for _, r := range d.ExceededResources {
		out = append(out, r.String())
	}
	return out
}

// LimitEvaluator decides whether a withdrawal must wait for an admin based on
// the nation's withdrawals over the trailing 24 hours.
type LimitEvaluator struct {
	repo     Repository
	treasury config.Treasury
	now      func() time.Time
}

// NewLimitEvaluator builds an evaluator over the configured daily ceilings.
func NewLimitEvaluator(repo Repository, treasury config.Treasury) *LimitEvaluator {
	return &LimitEvaluator{repo: repo, treasury: treasury, now: time.Now}
}

// Evaluate checks requested against the nation's auto-approved withdrawals in
// the last 24 hours. Withdrawals that were held for review do not count.
func (e *LimitEvaluator) Evaluate(ctx context.Context, nationID int, requested ledger.Ledger) (Decision, error) {
	history, err := e.repo.WithdrawalsSince(ctx, nationID, e.now().Add(-limitWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("load withdrawal history: %w", err)
	}

	var (
		used  ledger.Ledger
		count int
	)
	for _, tx := range history {
		if tx.RequiresAdminApproval {
			continue
		}
		used = used.Add(tx.Resources)
		count++
	}

	var d Decision
	for _, r := range ledger.All() {
		amount := requested.Get(r)
		if !amount.IsPositive() {
			continue
		}
		ceiling, limited := e.treasury.DailyLimit(r)
		if !limited {
			continue
		}
		if used.Get(r).Add(amount).GreaterThan(ceiling.Add(limitEpsilon)) {
			d.ExceededResources = append(d.ExceededResources, r)
		}
	}

	if limit := e.treasury.MaxDailyWithdrawals; limit > 0 && count >= limit {
		d.CountLimitReached = true
	}

	d.RequiresApproval = d.CountLimitReached || len(d.ExceededResources) > 0
	if d.RequiresApproval {
		var reasons []string
		if len(d.ExceededResources) > 0 {
			reasons = append(reasons, fmt.Sprintf(reasonResourceLimit, strings.Join(d.ExceededNames(), ", ")))
		}
		if d.CountLimitReached {
			reasons = append(reasons, reasonCountLimit)
		}
		d.PendingReason = strings.Join(reasons, " and ")
	}
	return d, nil
}
