package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/notification"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
)

var (
	// ErrNotFound indicates the transfer record does not exist.
	ErrNotFound = errors.New("transfer not found")

	// ErrInvalidRoute rejects transfers that would not move anything between treasuries.
	ErrInvalidRoute = errors.New("invalid transfer route")

	// ErrInvalidTransfer indicates a malformed transfer request.
	ErrInvalidTransfer = errors.New("invalid transfer")
)

const defaultListLimit = 50

// Service moves resources between the main bank and offshores on an
// admin's request. It does not take the fulfillment lock.
type Service struct {
	repo     Repository
	registry *offshore.Registry
	client   pnw.Client
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a transfer service.
func NewService(repo Repository, registry *offshore.Registry, client pnw.Client, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		client:   client,
		notifier: notifier,
		logger:   logging.Component(logger, "treasury_transfer"),
		now:      time.Now,
	}
}

// Request describes an admin transfer.
type Request struct {
	Source      Endpoint
	Destination Endpoint
	Resources   ledger.Ledger
	Note        string
	RequestedBy string
}

// party is a resolved endpoint.
type party struct {
	endpoint   Endpoint
	name       string
	allianceID int
	creds      pnw.Credentials
	credErr    error
	offshore   offshore.Offshore
}

type hop struct {
	from, to party
	note     string
}

// Execute records and performs a transfer. Remote failures mark the record
// failed and are not returned as errors; validation and storage failures are.
func (s *Service) Execute(ctx context.Context, req Request) (Record, error) {
	if err := validateRoute(req.Source, req.Destination); err != nil {
		return Record{}, err
	}
	if req.Resources.HasNegative() {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidTransfer, ledger.ErrNegativeAmount)
	}
	resources := req.Resources.Positive()
	if resources.IsZero() {
		return Record{}, fmt.Errorf("%w: at least one resource is required", ErrInvalidTransfer)
	}

	src, err := s.resolve(ctx, req.Source)
	if err != nil {
		return Record{}, err
	}
	dst, err := s.resolve(ctx, req.Destination)
	if err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:          uuid.New().String(),
		Source:      req.Source,
		Destination: req.Destination,
		Resources:   resources,
		Note:        strings.TrimSpace(req.Note),
		Status:      StatusPending,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.Note == "" {
		rec.Note = "Treasury transfer #" + rec.ID
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return Record{}, err
	}

	var hops []hop
	if src.endpoint.Kind == EndpointOffshore && dst.endpoint.Kind == EndpointOffshore {
		mainParty, err := s.resolve(ctx, Main())
		if err != nil {
			return s.settle(ctx, rec, err)
		}
		hops = []hop{
			{from: src, to: mainParty, note: rec.Note + " (Step 1/2)"},
			{from: mainParty, to: dst, note: rec.Note + " (Step 2/2)"},
		}
	} else {
		hops = []hop{{from: src, to: dst, note: rec.Note}}
	}

	for _, h := range hops {
		if err := s.move(ctx, rec, h); err != nil {
			return s.settle(ctx, rec, err)
		}
	}
	return s.settle(ctx, rec, nil)
}

// Get returns a transfer record.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// List returns recent transfer records.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) move(ctx context.Context, rec Record, h hop) error {
	creds := h.from.creds
	if h.from.credErr != nil {
		return h.from.credErr
	}
	if !creds.CanMutate() {
		return fmt.Errorf("%w for %s", pnw.ErrMissingCredentials, h.from.name)
	}
	err := s.client.Withdraw(ctx, pnw.WithdrawRequest{
		FromAllianceID: h.from.allianceID,
		ReceiverID:     h.to.allianceID,
		ReceiverType:   pnw.ReceiverAlliance,
		Resources:      rec.Resources,
		Note:           h.note,
		Credentials:    creds,
	})
	if err != nil {
		return err
	}
	s.logger.Info("treasury transfer hop sent",
		slog.String("transfer_id", rec.ID),
		slog.String("from", h.from.name),
		slog.String("to", h.to.name),
		slog.String("note", h.note),
		slog.String("resources", rec.Resources.String()))
	s.invalidate(ctx, rec, h.from)
	s.invalidate(ctx, rec, h.to)
	return nil
}

func (s *Service) invalidate(ctx context.Context, rec Record, p party) {
	if p.endpoint.Kind == EndpointMain {
		s.registry.InvalidateMain(ctx)
	} else {
		s.registry.InvalidateOffshore(ctx, p.offshore)
	}
	s.logger.Info("treasury balance cache invalidated", slog.String("transfer_id", rec.ID), slog.String("treasury", p.name))
}

func (s *Service) settle(ctx context.Context, rec Record, cause error) (Record, error) {
	now := s.now().UTC()
	rec.UpdatedAt = now
	if cause != nil {
		rec.Status = StatusFailed
		rec.Error = cause.Error()
		s.logger.Warn("treasury transfer failed", slog.String("transfer_id", rec.ID), slog.Any("error", cause))
	} else {
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
	}
	if err := s.repo.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("record transfer %s: %w", rec.ID, err)
	}
	if s.notifier != nil {
		body := fmt.Sprintf("Transfer %s from %s to %s %s", rec.Resources.String(), rec.Source, rec.Destination, rec.Status)
		if err := s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTreasuryTransfer,
			Destination: rec.RequestedBy,
			Body:        body,
			Data:        rec,
		}); err != nil {
			s.logger.Warn("notification failed", slog.String("transfer_id", rec.ID), slog.Any("error", err))
		}
	}
	return rec, nil
}

func (s *Service) resolve(ctx context.Context, e Endpoint) (party, error) {
	switch e.Kind {
	case EndpointMain:
		treasury := s.registry.Treasury()
		if treasury.MainAllianceID <= 0 {
			return party{}, offshore.ErrMainNotConfigured
		}
		return party{endpoint: e, name: "main", allianceID: treasury.MainAllianceID, creds: s.registry.MainCredentials()}, nil
	case EndpointOffshore:
		o, err := s.registry.Get(ctx, e.OffshoreID)
		if err != nil {
			return party{}, err
		}
		creds, credErr := s.registry.Credentials(o)
		return party{endpoint: e, name: o.Name, allianceID: o.AllianceID, creds: creds, credErr: credErr, offshore: o}, nil
	default:
		return party{}, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidRoute, e.Kind)
	}
}

func validateRoute(src, dst Endpoint) error {
	for _, e := range []Endpoint{src, dst} {
		switch e.Kind {
		case EndpointMain:
		case EndpointOffshore:
			if e.OffshoreID == "" {
				return fmt.Errorf("%w: offshore id is required", ErrInvalidRoute)
			}
		default:
			return fmt.Errorf("%w: unknown endpoint %q", ErrInvalidRoute, e.Kind)
		}
	}
	if src.Kind == EndpointMain && dst.Kind == EndpointMain {
		return fmt.Errorf("%w: main to main", ErrInvalidRoute)
	}
	if src.Kind == EndpointOffshore && dst.Kind == EndpointOffshore && src.OffshoreID == dst.OffshoreID {
		return fmt.Errorf("%w: source and destination are the same offshore", ErrInvalidRoute)
	}
	return nil
}
