package offshore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/balances"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
	"github.com/alliance-treasury/alliance_treasury/internal/secrets"
)

var (
	// ErrNotFound indicates the offshore does not exist.
	ErrNotFound = errors.New("offshore not found")

	// ErrDuplicate indicates an offshore with the same id already exists.
	ErrDuplicate = errors.New("offshore already exists")

	// ErrInvalidOffshore wraps validation failures on offshore input.
	ErrInvalidOffshore = errors.New("invalid offshore")

	// ErrBalanceUnavailable means a treasury balance could not be read. It is
	// never reported as an empty balance.
	ErrBalanceUnavailable = errors.New("treasury balance unavailable")

	// ErrMainNotConfigured indicates the main alliance id is missing.
	ErrMainNotConfigured = errors.New("main alliance is not configured")
)

// Registry is the priority-ordered view over offshore treasuries, their
// guardrails and cached balances.
type Registry struct {
	repo     Repository
	client   pnw.Client
	cache    *balances.Cache
	box      *secrets.Box
	treasury config.Treasury
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry wires the registry to its store, the game API and the balance cache.
func NewRegistry(repo Repository, client pnw.Client, cache *balances.Cache, box *secrets.Box, treasury config.Treasury, logger *slog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		client:   client,
		cache:    cache,
		box:      box,
		treasury: treasury,
		logger:   logging.Component(logger, "offshore_registry"),
		now:      time.Now,
	}
}

// Treasury returns the treasury settings the registry was built with.
func (r *Registry) Treasury() config.Treasury {
	return r.treasury
}

// All lists offshores with enabled ones first, then by ascending priority.
func (r *Registry) All(ctx context.Context, includeDisabled bool) ([]Offshore, error) {
	list, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offshores: %w", err)
	}
	out := list[:0]
	for _, o := range list {
		if includeDisabled || o.Enabled {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Enabled != b.Enabled {
			return a.Enabled
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Get returns one offshore.
func (r *Registry) Get(ctx context.Context, id string) (Offshore, error) {
	return r.repo.Get(ctx, id)
}

// GuardrailFor returns the guardrail protecting r in o, if any.
func (r *Registry) GuardrailFor(o Offshore, res ledger.Resource) (Guardrail, bool) {
	return o.GuardrailFor(res)
}

// Credentials opens the sealed key pair of o. A pair that cannot be opened is
// reported as missing.
func (r *Registry) Credentials(o Offshore) (pnw.Credentials, error) {
	apiKey, err := r.open(o.SealedAPIKey)
	if err != nil {
		return pnw.Credentials{}, fmt.Errorf("%w: offshore %s api key: %v", pnw.ErrMissingCredentials, o.Name, err)
	}
	mutationKey, err := r.open(o.SealedMutationKey)
	if err != nil {
		return pnw.Credentials{}, fmt.Errorf("%w: offshore %s mutation key: %v", pnw.ErrMissingCredentials, o.Name, err)
	}
	return pnw.Credentials{APIKey: apiKey, MutationKey: mutationKey}, nil
}

// MainCredentials returns the key pair of the main treasury.
func (r *Registry) MainCredentials() pnw.Credentials {
	return pnw.Credentials{APIKey: r.treasury.MainAPIKey, MutationKey: r.treasury.MainMutationKey}
}

// GetBalances returns the cached balance of o, fetching it when absent or
// when force is set.
func (r *Registry) GetBalances(ctx context.Context, o Offshore, force bool) (ledger.Ledger, error) {
	snap, err := r.cache.Remember(ctx, balances.OffshoreKey(o.ID), force, func(ctx context.Context) (ledger.Ledger, error) {
		return r.fetchOffshore(ctx, o)
	})
	if err != nil {
		return ledger.Ledger{}, err
	}
	return snap.Resources, nil
}

// RefreshBalances drops the cached balance of o and reads it live.
func (r *Registry) RefreshBalances(ctx context.Context, o Offshore, force bool) (ledger.Ledger, error) {
	key := balances.OffshoreKey(o.ID)
	if err := r.cache.Forget(ctx, key); err != nil {
		r.logger.Warn("offshore balance invalidation failed", slog.String("offshore_id", o.ID), slog.Any("error", err))
	}
	snap, err := r.cache.Remember(ctx, key, true, func(ctx context.Context) (ledger.Ledger, error) {
		return r.fetchOffshore(ctx, o)
	})
	if err != nil {
		return ledger.Ledger{}, err
	}
	r.logger.Info("offshore balances refreshed",
		slog.String("offshore_id", o.ID),
		slog.String("offshore", o.Name),
		slog.Bool("force", force))
	return snap.Resources, nil
}

// InvalidateOffshore drops the cached balance of o.
func (r *Registry) InvalidateOffshore(ctx context.Context, o Offshore) {
	if err := r.cache.Forget(ctx, balances.OffshoreKey(o.ID)); err != nil {
		r.logger.Warn("offshore balance invalidation failed", slog.String("offshore_id", o.ID), slog.Any("error", err))
		return
	}
	r.logger.Info("offshore balance cache invalidated", slog.String("offshore_id", o.ID), slog.String("offshore", o.Name))
}

// MainBalances returns the main treasury balance, cached unless force is set.
func (r *Registry) MainBalances(ctx context.Context, force bool) (ledger.Ledger, error) {
	snap, err := r.cache.Remember(ctx, balances.MainKey, force, r.fetchMain)
	if err != nil {
		return ledger.Ledger{}, err
	}
	return snap.Resources, nil
}

// RefreshMainBalances drops the cached main balance and reads it live.
func (r *Registry) RefreshMainBalances(ctx context.Context, force bool) (ledger.Ledger, error) {
	if err := r.cache.Forget(ctx, balances.MainKey); err != nil {
		r.logger.Warn("main balance invalidation failed", slog.Any("error", err))
	}
	snap, err := r.cache.Remember(ctx, balances.MainKey, true, r.fetchMain)
	if err != nil {
		return ledger.Ledger{}, err
	}
	r.logger.Info("main balances refreshed", slog.Bool("force", force))
	return snap.Resources, nil
}

// InvalidateMain drops the cached main balance.
func (r *Registry) InvalidateMain(ctx context.Context) {
	if err := r.cache.Forget(ctx, balances.MainKey); err != nil {
		r.logger.Warn("main balance invalidation failed", slog.Any("error", err))
		return
	}
	r.logger.Info("main balance cache invalidated")
}

// Create validates and stores a new offshore, sealing its keys.
func (r *Registry) Create(ctx context.Context, in Input) (Offshore, error) {
	if err := r.validate(in); err != nil {
		return Offshore{}, err
	}
	now := r.now().UTC()
	o := Offshore{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(in.Name),
		AllianceID: in.AllianceID,
		Enabled:    in.Enabled,
		Priority:   in.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.applyKeys(&o, in); err != nil {
		return Offshore{}, err
	}
	if err := r.repo.Create(ctx, o); err != nil {
		return Offshore{}, err
	}
	r.logger.Info("offshore created", slog.String("offshore_id", o.ID), slog.String("offshore", o.Name), slog.Int("priority", o.Priority))
	return o, nil
}

// Update replaces the editable fields of an offshore and drops its cached
// balance, since the alliance or keys may have changed.
func (r *Registry) Update(ctx context.Context, id string, in Input) (Offshore, error) {
	if err := r.validate(in); err != nil {
		return Offshore{}, err
	}
	o, err := r.repo.Get(ctx, id)
	if err != nil {
		return Offshore{}, err
	}
	o.Name = strings.TrimSpace(in.Name)
	o.AllianceID = in.AllianceID
	o.Enabled = in.Enabled
	o.Priority = in.Priority
	o.UpdatedAt = r.now().UTC()
	if err := r.applyKeys(&o, in); err != nil {
		return Offshore{}, err
	}
	if err := r.repo.Update(ctx, o); err != nil {
		return Offshore{}, err
	}
	r.InvalidateOffshore(ctx, o)
	return o, nil
}

// Delete removes an offshore with its guardrails and cached balance.
func (r *Registry) Delete(ctx context.Context, id string) error {
	o, err := r.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.InvalidateOffshore(ctx, o)
	r.logger.Info("offshore deleted", slog.String("offshore_id", o.ID), slog.String("offshore", o.Name))
	return nil
}

// SyncGuardrails makes minimums the complete guardrail set of the offshore:
// listed resources are upserted and every other guardrail is removed.
func (r *Registry) SyncGuardrails(ctx context.Context, id string, minimums map[ledger.Resource]decimal.Decimal) (Offshore, error) {
	guardrails := make([]Guardrail, 0, len(minimums))
	for _, res := range ledger.All() {
		minimum, ok := minimums[res]
		if !ok {
			continue
		}
		if !res.Bankable() {
			return Offshore{}, fmt.Errorf("%w: %s cannot be held in a bank", ErrInvalidOffshore, res)
		}
		if minimum.IsNegative() {
			return Offshore{}, fmt.Errorf("%w: guardrail for %s", ledger.ErrNegativeAmount, res)
		}
		guardrails = append(guardrails, Guardrail{OffshoreID: id, Resource: res, MinimumAmount: minimum})
	}
	if err := r.repo.ReplaceGuardrails(ctx, id, guardrails); err != nil {
		return Offshore{}, err
	}
	o, err := r.repo.Get(ctx, id)
	if err != nil {
		return Offshore{}, err
	}
	r.logger.Info("offshore guardrails synced", slog.String("offshore_id", id), slog.Int("guardrails", len(guardrails)))
	return o, nil
}

func (r *Registry) fetchOffshore(ctx context.Context, o Offshore) (ledger.Ledger, error) {
	creds, err := r.Credentials(o)
	if err != nil {
		r.logger.Warn("offshore credentials unavailable; reading with service key", slog.String("offshore_id", o.ID), slog.Any("error", err))
		creds = pnw.Credentials{}
	}
	resources, err := r.client.AllianceBalances(ctx, o.AllianceID, pnw.Credentials{APIKey: creds.APIKey})
	if err != nil {
		r.logger.Warn("offshore balance fetch failed",
			slog.String("offshore_id", o.ID),
			slog.Int("alliance_id", o.AllianceID),
			slog.Any("error", err))
		return ledger.Ledger{}, fmt.Errorf("%w: offshore %s: %w", ErrBalanceUnavailable, o.Name, err)
	}
	return resources, nil
}

func (r *Registry) fetchMain(ctx context.Context) (ledger.Ledger, error) {
	if r.treasury.MainAllianceID <= 0 {
		return ledger.Ledger{}, ErrMainNotConfigured
	}
	resources, err := r.client.AllianceBalances(ctx, r.treasury.MainAllianceID, pnw.Credentials{APIKey: r.treasury.MainAPIKey})
	if err != nil {
		r.logger.Warn("main balance fetch failed", slog.Int("alliance_id", r.treasury.MainAllianceID), slog.Any("error", err))
		return ledger.Ledger{}, fmt.Errorf("%w: main treasury: %w", ErrBalanceUnavailable, err)
	}
	return resources, nil
}

func (r *Registry) validate(in Input) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOffshore)
	}
	if in.AllianceID <= 0 {
		return fmt.Errorf("%w: alliance id must be positive", ErrInvalidOffshore)
	}
	if in.AllianceID == r.treasury.MainAllianceID {
		return fmt.Errorf("%w: the main alliance cannot be its own offshore", ErrInvalidOffshore)
	}
	return nil
}

func (r *Registry) applyKeys(o *Offshore, in Input) error {
	if in.APIKey != nil {
		sealed, err := r.seal(strings.TrimSpace(*in.APIKey))
		if err != nil {
			return err
		}
		o.SealedAPIKey = sealed
	}
	if in.MutationKey != nil {
		sealed, err := r.seal(strings.TrimSpace(*in.MutationKey))
		if err != nil {
			return err
		}
		o.SealedMutationKey = sealed
	}
	return nil
}

func (r *Registry) seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if r.box == nil {
		return "", fmt.Errorf("%w: no key sealing secret configured", ErrInvalidOffshore)
	}
	return r.box.Seal(plain)
}

func (r *Registry) open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if r.box == nil {
		return "", secrets.ErrDecrypt
	}
	return r.box.Open(sealed)
}
