package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/lock"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/withdrawal"
)

// LockKey serializes every fulfillment pass across processes.
const LockKey = "treasury:offshore-fulfillment"

const (
	msgNotRequired     = "No offshore coverage required"
	msgSufficient      = "Main bank has sufficient resources"
	msgNotConfigured   = "Main alliance ID is not configured"
	msgLockTimeout     = "Another offshore fulfillment is in progress; try again shortly"
	msgLockFailed      = "Unable to acquire the offshore fulfillment lock"
	msgMainUnavailable = "Unable to read the main bank balance"
	msgNoRegistry      = "Unable to load the offshore registry"
	msgShort           = "Offshores could not cover the full shortfall"
	msgFulfilled       = "Shortfall covered by offshore transfers"
	msgAborted         = "Offshore fulfillment aborted unexpectedly"

	notePrefix = "Automated offshore fulfillment for transaction #"
)

// deficitEpsilon is the remaining amount treated as covered.
var deficitEpsilon = decimal.New(1, -4)

// Coordinator covers main bank shortfalls by drawing from offshores in
// priority order under a global lock.
type Coordinator struct {
	registry *offshore.Registry
	client   pnw.Client
	locker   lock.Locker
	treasury config.Treasury
	logger   *slog.Logger
}

// NewCoordinator builds a fulfillment coordinator.
func NewCoordinator(registry *offshore.Registry, client pnw.Client, locker lock.Locker, treasury config.Treasury, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		client:   client,
		locker:   locker,
		treasury: treasury,
		logger:   logging.Component(logger, "offshore_fulfillment"),
	}
}

// pass accumulates the bookkeeping of one CoverShortfall call.
type pass struct {
	transfers []Transfer
	errors    []Error
	blocks    []GuardrailBlock
	initial   ledger.Ledger
	deficit   ledger.Ledger
}

func (p *pass) result(status Status, message string) Result {
	return Result{
		Status:            status,
		Message:           message,
		Transfers:         append([]Transfer{}, p.transfers...),
		Errors:            append([]Error{}, p.errors...),
		GuardrailBlocks:   append([]GuardrailBlock{}, p.blocks...),
		RemainingDeficits: p.deficit,
		InitialDeficits:   p.initial,
	}
}

func (p *pass) fail(o offshore.Offshore, message string) {
	p.errors = append(p.errors, Error{OffshoreID: o.ID, OffshoreName: o.Name, Message: message})
}

// CoverShortfall makes sure the main bank holds the resources tx needs,
// withdrawing the difference from offshores. It never returns an error:
// every failure is encoded in the Result.
func (c *Coordinator) CoverShortfall(ctx context.Context, tx withdrawal.Transaction) (result Result) {
	p := &pass{}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("offshore fulfillment panicked", slog.String("transaction_id", tx.ID), slog.Any("panic", rec))
			p.errors = append(p.errors, Error{Message: fmt.Sprint(rec)})
			result = p.result(StatusFailed, msgAborted)
		}
	}()

	if c.treasury.MainAllianceID <= 0 {
		p.errors = append(p.errors, Error{Message: msgNotConfigured})
		return p.result(StatusFailed, msgNotConfigured)
	}

	required := tx.Resources.Positive()
	if required.IsZero() {
		return p.result(StatusSkipped, msgNotRequired)
	}

	err := lock.WithLock(ctx, c.locker, LockKey, c.treasury.LockTTL, c.treasury.LockWait, func(ctx context.Context) error {
		result = c.cover(ctx, tx, required, p)
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		c.logger.Warn("offshore fulfillment lock busy", slog.String("transaction_id", tx.ID), slog.Duration("wait", c.treasury.LockWait))
		p.errors = append(p.errors, Error{Message: fmt.Sprintf("%s: %v", msgLockTimeout, err)})
		return p.result(StatusTimeout, msgLockTimeout)
	case err != nil:
		c.logger.Error("offshore fulfillment lock failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
		p.errors = append(p.errors, Error{Message: fmt.Sprintf("%s: %v", msgLockFailed, err)})
		return p.result(StatusFailed, msgLockFailed)
	}

	c.logger.Info("offshore fulfillment finished",
		slog.String("transaction_id", tx.ID),
		slog.String("status", string(result.Status)),
		slog.Int("transfers", len(result.Transfers)),
		slog.Int("errors", len(result.Errors)),
		slog.String("remaining", result.RemainingDeficits.String()))
	return result
}

func (c *Coordinator) cover(ctx context.Context, tx withdrawal.Transaction, required ledger.Ledger, p *pass) Result {
	mainBalance, err := c.registry.MainBalances(ctx, true)
	if err != nil {
		p.initial = required
		p.deficit = required
		p.errors = append(p.errors, Error{Message: fmt.Sprintf("%s: %v", msgMainUnavailable, err)})
		return p.result(StatusFailed, msgMainUnavailable)
	}

	p.deficit = required.Sub(mainBalance).ClampZero().DropBelow(deficitEpsilon)
	if p.deficit.IsZero() {
		return p.result(StatusSkipped, msgSufficient)
	}
	p.initial = p.deficit

	offshores, err := c.registry.All(ctx, false)
	if err != nil {
		p.errors = append(p.errors, Error{Message: fmt.Sprintf("%s: %v", msgNoRegistry, err)})
		return p.result(StatusFailed, msgNoRegistry)
	}

	for _, o := range offshores {
		if p.deficit.IsZero() {
			break
		}
		c.drawFrom(ctx, tx, o, p)
	}

	if len(p.transfers) > 0 {
		c.registry.InvalidateMain(ctx)
	}
	if !p.deficit.IsZero() {
		return p.result(StatusFailed, msgShort)
	}
	return p.result(StatusFulfilled, msgFulfilled)
}

// drawFrom withdraws whatever o can give towards the remaining deficit in a
// single transfer.
func (c *Coordinator) drawFrom(ctx context.Context, tx withdrawal.Transaction, o offshore.Offshore, p *pass) {
	balance, err := c.registry.GetBalances(ctx, o, false)
	if err != nil {
		p.fail(o, err.Error())
		return
	}

	var draw ledger.Ledger
	for _, r := range p.deficit.Resources() {
		remaining := p.deficit.Get(r)
		minimum := o.Minimum(r)
		available := decimal.Max(balance.Get(r).Sub(minimum), decimal.Zero)
		if !available.IsPositive() {
			if minimum.IsPositive() && remaining.IsPositive() {
				p.blocks = append(p.blocks, GuardrailBlock{
					OffshoreID:   o.ID,
					OffshoreName: o.Name,
					Resource:     r,
					Balance:      balance.Get(r),
					Minimum:      minimum,
				})
			}
			continue
		}
		amount := decimal.Min(available, remaining).Round(2)
		if amount.GreaterThan(available) {
			amount = available.RoundFloor(2)
		}
		if !amount.IsPositive() {
			continue
		}
		draw.Set(r, amount)
	}
	if draw.IsZero() {
		return
	}

	creds, err := c.registry.Credentials(o)
	if err == nil && !creds.CanMutate() {
		err = pnw.ErrMissingCredentials
	}
	if err != nil {
		c.logger.Warn("offshore cannot authorize withdrawals", slog.String("offshore_id", o.ID), slog.Any("error", err))
		p.fail(o, err.Error())
		return
	}

	err = c.client.Withdraw(ctx, pnw.WithdrawRequest{
		FromAllianceID: o.AllianceID,
		ReceiverID:     c.treasury.MainAllianceID,
		ReceiverType:   pnw.ReceiverAlliance,
		Resources:      draw,
		Note:           notePrefix + tx.ID,
		Credentials:    creds,
	})
	if err != nil {
		c.logger.Warn("offshore withdrawal failed",
			slog.String("offshore_id", o.ID),
			slog.String("transaction_id", tx.ID),
			slog.String("resources", draw.String()),
			slog.Any("error", err))
		p.fail(o, err.Error())
		return
	}

	if _, err := c.registry.RefreshBalances(ctx, o, true); err != nil {
		c.logger.Warn("offshore balance refresh after withdrawal failed", slog.String("offshore_id", o.ID), slog.Any("error", err))
	}
	p.deficit = p.deficit.Sub(draw).DropBelow(deficitEpsilon)
	p.transfers = append(p.transfers, Transfer{OffshoreID: o.ID, OffshoreName: o.Name, Resources: draw})
	c.logger.Info("offshore withdrawal sent",
		slog.String("offshore_id", o.ID),
		slog.String("transaction_id", tx.ID),
		slog.String("resources", draw.String()))
}
