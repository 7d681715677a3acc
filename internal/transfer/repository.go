package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists transfer records.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed transfer repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transferColumns = `id, source_kind, source_offshore_id, destination_kind, destination_offshore_id, resources,
    note, status, error, requested_by, created_at, updated_at, completed_at`

// Create inserts a new transfer record.
func (r *PostgresRepository) Create(ctx context.Context, rec Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return err
	}
	srcID, err := offshoreID(rec.Source)
	if err != nil {
		return err
	}
	dstID, err := offshoreID(rec.Destination)
	if err != nil {
		return err
	}
	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO treasury_transfers (`+transferColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, string(rec.Source.Kind), srcID, string(rec.Destination.Kind), dstID, resources,
		rec.Note, string(rec.Status), rec.Error, rec.RequestedBy, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// Update writes the settlement state of a transfer.
func (r *PostgresRepository) Update(ctx context.Context, rec Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE treasury_transfers SET status = $1, error = $2, updated_at = $3, completed_at = $4
        WHERE id = $5`, string(rec.Status), rec.Error, rec.UpdatedAt.UTC(), rec.CompletedAt, id)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a transfer by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Record, error) {
	recID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM treasury_transfers WHERE id = $1`, recID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns the most recent transfers first.
func (r *PostgresRepository) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.db.Query(ctx, `SELECT `+transferColumns+` FROM treasury_transfers ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func offshoreID(e Endpoint) (*uuid.UUID, error) {
	if e.Kind != EndpointOffshore {
		return nil, nil
	}
	id, err := uuid.Parse(e.OffshoreID)
	if err != nil {
		return nil, fmt.Errorf("%w: offshore id %q", ErrInvalidRoute, e.OffshoreID)
	}
	return &id, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		id                       uuid.UUID
		srcID, dstID             *uuid.UUID
		srcKind, dstKind, status string
		resources                []byte
		rec                      Record
	)
	if err := row.Scan(&id, &srcKind, &srcID, &dstKind, &dstID, &resources, &rec.Note, &status, &rec.Error,
		&rec.RequestedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(resources, &rec.Resources); err != nil {
		return Record{}, fmt.Errorf("decode resources: %w", err)
	}
	rec.ID = id.String()
	rec.Source = Endpoint{Kind: EndpointKind(srcKind)}
	if srcID != nil {
		rec.Source.OffshoreID = srcID.String()
	}
	rec.Destination = Endpoint{Kind: EndpointKind(dstKind)}
	if dstID != nil {
		rec.Destination.OffshoreID = dstID.String()
	}
	rec.Status = Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
