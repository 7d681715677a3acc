package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/fulfillment"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/lock"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/notification"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/withdrawal"
)

var (
	// ErrInvalidRequest indicates a malformed withdrawal request.
	ErrInvalidRequest = errors.New("invalid withdrawal request")

	// ErrNotPending indicates the transaction already left the pending state.
	ErrNotPending = errors.New("transaction is not pending")

	// ErrBusy indicates another admin action holds the transaction.
	ErrBusy = errors.New("transaction is being processed")
)

const (
	recordLockTTL  = 2 * time.Minute
	recordLockWait = 2 * time.Second

	sendNotePrefix = "Withdrawal for transaction #"
)

// Service runs the withdrawal workflow: limit check, offshore coverage and the
// final main bank payout.
type Service struct {
	repo        withdrawal.Repository
	limits      *withdrawal.LimitEvaluator
	coordinator *fulfillment.Coordinator
	registry    *offshore.Registry
	client      pnw.Client
	locker      lock.Locker
	notifier    notification.Notifier
	treasury    config.Treasury
	logger      *slog.Logger
	now         func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Repository  withdrawal.Repository
	Limits      *withdrawal.LimitEvaluator
	Coordinator *fulfillment.Coordinator
	Registry    *offshore.Registry
	Client      pnw.Client
	Locker      lock.Locker
	Notifier    notification.Notifier
	Logger      *slog.Logger
}

// NewService constructs the withdrawal workflow service.
func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repository,
		limits:      d.Limits,
		coordinator: d.Coordinator,
		registry:    d.Registry,
		client:      d.Client,
		locker:      d.Locker,
		notifier:    d.Notifier,
		treasury:    d.Registry.Treasury(),
		logger:      logging.Component(d.Logger, "payout"),
		now:         time.Now,
	}
}

// SubmitInput is a member's withdrawal request.
type SubmitInput struct {
	NationID  int
	AccountID int
	Resources ledger.Ledger
	Note      string
}

// Outcome is the state of a transaction after a workflow step.
type Outcome struct {
	Transaction withdrawal.Transaction `json:"transaction"`
	Decision    *withdrawal.Decision   `json:"decision,omitempty"`
	Fulfillment *fulfillment.Result    `json:"fulfillment,omitempty"`
}

// Submit records a withdrawal and either holds it for an admin or pays it
// out, covering any main bank shortfall from offshores first.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Outcome, error) {
	if in.NationID <= 0 {
		return Outcome{}, fmt.Errorf("%w: nation id is required", ErrInvalidRequest)
	}
	if in.Resources.HasNegative() {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, ledger.ErrNegativeAmount)
	}
	if in.Resources.Positive().IsZero() {
		return Outcome{}, fmt.Errorf("%w: at least one resource is required", ErrInvalidRequest)
	}

	var (
		decision withdrawal.Decision
		tx       withdrawal.Transaction
		guard    lock.Guard
	)
	err := lock.WithLock(ctx, s.locker, nationLockKey(in.NationID), recordLockTTL, recordLockWait, func(ctx context.Context) error {
		var err error
		if decision, err = s.limits.Evaluate(ctx, in.NationID, in.Resources); err != nil {
			return err
		}
		tx = s.newWithdrawal(in, decision)
		// Held until dispatch settles the record; Approve and Deny wait on it.
		if guard, err = s.locker.Acquire(ctx, recordLockKey(tx.ID), recordLockTTL, recordLockWait); err != nil {
			return err
		}
		if err = s.repo.Create(ctx, tx); err != nil {
			release(guard)
			guard = nil
			return err
		}
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return Outcome{}, ErrBusy
	}
	if err != nil {
		return Outcome{}, err
	}
	defer release(guard)

	if decision.RequiresApproval {
		s.logger.Info("withdrawal held for approval",
			slog.String("transaction_id", tx.ID),
			slog.Int("nation_id", tx.NationID),
			slog.String("reason", tx.PendingReason))
		s.notify(ctx, notification.KindWithdrawalHeld, tx, tx.PendingReason)
		return Outcome{Transaction: tx, Decision: &decision}, nil
	}

	out, err := s.dispatch(ctx, tx)
	out.Decision = &decision
	return out, err
}

func (s *Service) newWithdrawal(in SubmitInput, decision withdrawal.Decision) withdrawal.Transaction {
	now := s.now().UTC()
	return withdrawal.Transaction{
		ID:                    uuid.New().String(),
		NationID:              in.NationID,
		AccountID:             in.AccountID,
		Kind:                  withdrawal.KindWithdrawal,
		Resources:             in.Resources,
		RequiresAdminApproval: decision.RequiresApproval,
		PendingReason:         decision.PendingReason,
		IsPending:             true,
		Status:                withdrawal.StatusPending,
		Note:                  strings.TrimSpace(in.Note),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Approve pays out a pending transaction on an admin's behalf. When coverage
// or the payout fails the transaction stays pending with a new reason.
func (s *Service) Approve(ctx context.Context, id, approver string) (Outcome, error) {
	var out Outcome
	err := s.withRecord(ctx, id, func(ctx context.Context, tx withdrawal.Transaction) error {
		s.logger.Info("withdrawal approved", slog.String("transaction_id", tx.ID), slog.String("approver", approver))
		tx.RequiresAdminApproval = true
		tx.Status = withdrawal.StatusApproved
		var err error
		out, err = s.dispatch(ctx, tx)
		return err
	})
	return out, err
}

// Deny rejects a pending transaction.
func (s *Service) Deny(ctx context.Context, id, reason string) (Outcome, error) {
	var out Outcome
	err := s.withRecord(ctx, id, func(ctx context.Context, tx withdrawal.Transaction) error {
		now := s.now().UTC()
		tx.Status = withdrawal.StatusDenied
		tx.IsPending = false
		if reason = strings.TrimSpace(reason); reason != "" {
			tx.PendingReason = reason
		}
		tx.UpdatedAt = now
		tx.SettledAt = &now
		if err := s.repo.Update(ctx, tx); err != nil {
			return err
		}
		s.logger.Info("withdrawal denied", slog.String("transaction_id", tx.ID), slog.String("reason", tx.PendingReason))
		s.notify(ctx, notification.KindWithdrawalDenied, tx, tx.PendingReason)
		out = Outcome{Transaction: tx}
		return nil
	})
	return out, err
}

// Cover runs an offshore fulfillment pass for a stored transaction without
// paying it out.
func (s *Service) Cover(ctx context.Context, id string) (fulfillment.Result, error) {
	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		return fulfillment.Result{}, err
	}
	if tx.Settled() {
		return fulfillment.Result{}, ErrNotPending
	}
	return s.coordinator.CoverShortfall(ctx, tx), nil
}

// Limits previews the limit decision for a prospective withdrawal.
func (s *Service) Limits(ctx context.Context, nationID int, resources ledger.Ledger) (withdrawal.Decision, error) {
	if nationID <= 0 {
		return withdrawal.Decision{}, fmt.Errorf("%w: nation id is required", ErrInvalidRequest)
	}
	return s.limits.Evaluate(ctx, nationID, resources)
}

// Get returns a stored transaction.
func (s *Service) Get(ctx context.Context, id string) (withdrawal.Transaction, error) {
	return s.repo.Get(ctx, id)
}

// withRecord loads a pending transaction under a per-record lock so two admins
// cannot settle it twice.
func (s *Service) withRecord(ctx context.Context, id string, fn func(ctx context.Context, tx withdrawal.Transaction) error) error {
	err := lock.WithLock(ctx, s.locker, recordLockKey(id), recordLockTTL, recordLockWait, func(ctx context.Context) error {
		tx, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !tx.IsPending || tx.Settled() {
			return ErrNotPending
		}
		return fn(ctx, tx)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrBusy
	}
	return err
}

// dispatch covers the shortfall and sends the resources to the nation. Only
// storage failures are returned as errors; remote failures leave the
// transaction pending for review.
func (s *Service) dispatch(ctx context.Context, tx withdrawal.Transaction) (Outcome, error) {
	result := s.coordinator.CoverShortfall(ctx, tx)
	out := Outcome{Fulfillment: &result}

	if !result.ShouldSendWithdrawal() {
		tx = s.holdForReview(tx, "Offshore coverage failed: "+result.Message)
		if err := s.repo.Update(ctx, tx); err != nil {
			return out, err
		}
		s.logger.Warn("withdrawal needs review after coverage",
			slog.String("transaction_id", tx.ID),
			slog.String("fulfillment_status", string(result.Status)),
			slog.String("remaining", result.RemainingDeficits.String()))
		s.notify(ctx, notification.KindWithdrawalReview, tx, tx.PendingReason)
		out.Transaction = tx
		return out, nil
	}

	err := s.client.Withdraw(ctx, pnw.WithdrawRequest{
		FromAllianceID: s.treasury.MainAllianceID,
		ReceiverID:     tx.NationID,
		ReceiverType:   pnw.ReceiverNation,
		Resources:      tx.Resources.Positive(),
		Note:           sendNotePrefix + tx.ID,
		Credentials:    s.registry.MainCredentials(),
	})
	if err != nil {
		tx = s.holdForReview(tx, "Withdrawal failed: "+err.Error())
		if uerr := s.repo.Update(ctx, tx); uerr != nil {
			return out, uerr
		}
		s.logger.Warn("withdrawal send failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
		s.notify(ctx, notification.KindWithdrawalReview, tx, tx.PendingReason)
		out.Transaction = tx
		return out, nil
	}
	s.registry.InvalidateMain(ctx)

	now := s.now().UTC()
	tx.Status = withdrawal.StatusSent
	tx.IsPending = false
	tx.PendingReason = ""
	tx.UpdatedAt = now
	tx.SettledAt = &now
	if err := s.repo.Update(ctx, tx); err != nil {
		return out, fmt.Errorf("record sent withdrawal %s: %w", tx.ID, err)
	}
	s.logger.Info("withdrawal sent",
		slog.String("transaction_id", tx.ID),
		slog.Int("nation_id", tx.NationID),
		slog.String("resources", tx.Resources.String()))
	s.notify(ctx, notification.KindWithdrawalSent, tx, "Sent "+tx.Resources.String())
	out.Transaction = tx
	return out, nil
}

func recordLockKey(id string) string {
	return "treasury:withdrawal:" + id
}

// nationLockKey serializes the limit check and record creation of one nation.
func nationLockKey(nationID int) string {
	return "treasury:withdrawal-limits:" + strconv.Itoa(nationID)
}

func release(guard lock.Guard) {
	if guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = guard.Release(ctx)
}

func (s *Service) holdForReview(tx withdrawal.Transaction, reason string) withdrawal.Transaction {
	tx.Status = withdrawal.StatusPending
	tx.IsPending = true
	tx.RequiresAdminApproval = true
	tx.PendingReason = reason
	tx.UpdatedAt = s.now().UTC()
	return tx
}

func (s *Service) notify(ctx context.Context, kind string, tx withdrawal.Transaction, body string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: strconv.Itoa(tx.NationID),
		Body:        body,
		Data:        tx,
	})
	if err != nil {
		s.logger.Warn("notification failed", slog.String("kind", kind), slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
}
