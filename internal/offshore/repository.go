package offshore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// Repository persists offshores and their guardrails.
type Repository interface {
	List(ctx context.Context) ([]Offshore, error)
	Get(ctx context.Context, id string) (Offshore, error)
	Create(ctx context.Context, o Offshore) error
	Update(ctx context.Context, o Offshore) error
	Delete(ctx context.Context, id string) error
	ReplaceGuardrails(ctx context.Context, offshoreID string, guardrails []Guardrail) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed offshore repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const offshoreColumns = `id, name, alliance_id, enabled, priority, api_key_sealed, mutation_key_sealed, created_at, updated_at`

// List returns every offshore with its guardrails attached.
func (r *PostgresRepository) List(ctx context.Context) ([]Offshore, error) {
	rows, err := r.db.Query(ctx, `SELECT `+offshoreColumns+` FROM offshores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offshore
	index := make(map[string]int)
	for rows.Next() {
		o, err := scanOffshore(rows)
		if err != nil {
			return nil, err
		}
		index[o.ID] = len(out)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	guardrails, err := r.guardrails(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, g := range guardrails {
		if i, ok := index[g.OffshoreID]; ok {
			out[i].Guardrails = append(out[i].Guardrails, g)
		}
	}
	return out, nil
}

// Get fetches one offshore by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Offshore, error) {
	offshoreID, err := uuid.Parse(id)
	if err != nil {
		return Offshore{}, ErrNotFound
	}
	o, err := scanOffshore(r.db.QueryRow(ctx, `SELECT `+offshoreColumns+` FROM offshores WHERE id = $1`, offshoreID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offshore{}, ErrNotFound
		}
		return Offshore{}, err
	}
	if o.Guardrails, err = r.guardrails(ctx, o.ID); err != nil {
		return Offshore{}, err
	}
	return o, nil
}

// Create inserts a new offshore.
func (r *PostgresRepository) Create(ctx context.Context, o Offshore) error {
	offshoreID, err := uuid.Parse(o.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO offshores (id, name, alliance_id, enabled, priority, api_key_sealed, mutation_key_sealed, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		offshoreID, o.Name, o.AllianceID, o.Enabled, o.Priority, o.SealedAPIKey, o.SealedMutationKey, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert offshore: %w", err)
	}
	return nil
}

// Update overwrites the editable fields of an offshore.
func (r *PostgresRepository) Update(ctx context.Context, o Offshore) error {
	offshoreID, err := uuid.Parse(o.ID)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE offshores SET name = $1, alliance_id = $2, enabled = $3, priority = $4,
        api_key_sealed = $5, mutation_key_sealed = $6, updated_at = $7 WHERE id = $8`,
		o.Name, o.AllianceID, o.Enabled, o.Priority, o.SealedAPIKey, o.SealedMutationKey, o.UpdatedAt.UTC(), offshoreID)
	if err != nil {
		return fmt.Errorf("update offshore: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an offshore; guardrails cascade.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	offshoreID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM offshore_guardrails WHERE offshore_id = $1`, offshoreID); err != nil {
		return fmt.Errorf("delete guardrails: %w", err)
	}
	cmd, err := tx.Exec(ctx, `DELETE FROM offshores WHERE id = $1`, offshoreID)
	if err != nil {
		return fmt.Errorf("delete offshore: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// ReplaceGuardrails upserts the given set by resource and deletes every
// stored guardrail absent from it, in one transaction.
func (r *PostgresRepository) ReplaceGuardrails(ctx context.Context, id string, guardrails []Guardrail) error {
	offshoreID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM offshores WHERE id = $1 FOR UPDATE`, offshoreID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	keep := make([]string, 0, len(guardrails))
	for _, g := range guardrails {
		keep = append(keep, g.Resource.String())
		if _, err := tx.Exec(ctx, `INSERT INTO offshore_guardrails (offshore_id, resource, minimum_amount)
            VALUES ($1, $2, $3::numeric)
            ON CONFLICT (offshore_id, resource) DO UPDATE SET minimum_amount = EXCLUDED.minimum_amount`,
			offshoreID, g.Resource.String(), g.MinimumAmount.String()); err != nil {
			return fmt.Errorf("upsert guardrail %s: %w", g.Resource, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM offshore_guardrails WHERE offshore_id = $1 AND NOT (resource = ANY($2::text[]))`, offshoreID, keep); err != nil {
		return fmt.Errorf("prune guardrails: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE offshores SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), offshoreID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) guardrails(ctx context.Context, offshoreID string) ([]Guardrail, error) {
	query := `SELECT offshore_id, resource, minimum_amount::text FROM offshore_guardrails`
	var args []any
	if offshoreID != "" {
		id, err := uuid.Parse(offshoreID)
		if err != nil {
			return nil, ErrNotFound
		}
		query += ` WHERE offshore_id = $1`
		args = append(args, id)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Guardrail
	for rows.Next() {
		var (
			id       uuid.UUID
			resource string
			minimum  string
		)
		if err := rows.Scan(&id, &resource, &minimum); err != nil {
			return nil, err
		}
		res, err := ledger.ParseResource(resource)
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(minimum)
		if err != nil {
			return nil, fmt.Errorf("decode guardrail %s: %w", resource, err)
		}
		out = append(out, Guardrail{OffshoreID: id.String(), Resource: res, MinimumAmount: amount})
	}
	return out, rows.Err()
}

func scanOffshore(row pgx.Row) (Offshore, error) {
	var (
		id uuid.UUID
		o  Offshore
	)
	if err := row.Scan(&id, &o.Name, &o.AllianceID, &o.Enabled, &o.Priority, &o.SealedAPIKey, &o.SealedMutationKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Offshore{}, err
	}
	o.ID = id.String()
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
