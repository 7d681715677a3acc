package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists bank transactions.
type Repository interface {
	Create(ctx context.Context, tx Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	Update(ctx context.Context, tx Transaction) error
	WithdrawalsSince(ctx context.Context, nationID int, since time.Time) ([]Transaction, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed transaction repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `id, nation_id, account_id, kind, resources, requires_admin_approval, pending_reason,
    is_pending, status, note, created_at, updated_at, settled_at`

// Create inserts a new transaction record.
func (r *PostgresRepository) Create(ctx context.Context, tx Transaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return err
	}
	resources, err := json.Marshal(tx.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO treasury_transactions (`+transactionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, tx.NationID, tx.AccountID, string(tx.Kind), resources, tx.RequiresAdminApproval, tx.PendingReason,
		tx.IsPending, string(tx.Status), tx.Note, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(), tx.SettledAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Get fetches a transaction by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrNotFound
	}
	tx, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM treasury_transactions WHERE id = $1`, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return tx, nil
}

// Update writes the mutable state of a transaction.
func (r *PostgresRepository) Update(ctx context.Context, tx Transaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE treasury_transactions SET requires_admin_approval = $1, pending_reason = $2,
        is_pending = $3, status = $4, note = $5, updated_at = $6, settled_at = $7 WHERE id = $8`,
		tx.RequiresAdminApproval, tx.PendingReason, tx.IsPending, string(tx.Status), tx.Note, tx.UpdatedAt.UTC(), tx.SettledAt, id)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithdrawalsSince lists a nation's withdrawal transactions created after since.
func (r *PostgresRepository) WithdrawalsSince(ctx context.Context, nationID int, since time.Time) ([]Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+` FROM treasury_transactions
        WHERE nation_id = $1 AND kind = $2 AND created_at >= $3 ORDER BY created_at`,
		nationID, string(KindWithdrawal), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		id        uuid.UUID
		kind      string
		status    string
		resources []byte
		tx        Transaction
	)
	if err := row.Scan(&id, &tx.NationID, &tx.AccountID, &kind, &resources, &tx.RequiresAdminApproval, &tx.PendingReason,
		&tx.IsPending, &status, &tx.Note, &tx.CreatedAt, &tx.UpdatedAt, &tx.SettledAt); err != nil {
		return Transaction{}, err
	}
	if err := json.Unmarshal(resources, &tx.Resources); err != nil {
		return Transaction{}, fmt.Errorf("decode resources: %w", err)
	}
	tx.ID = id.String()
	tx.Kind = Kind(kind)
	tx.Status = Status(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}
