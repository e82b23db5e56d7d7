package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the ledger service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error)
	MarkSolved(ctx context.Context, tx pgx.Tx, id int64, ruling int, ruledAt time.Time) error
	Get(ctx context.Context, id int64) (Dispute, error)
}

const disputeColumns = `id, arbitrated, choices, ruling, status::text, created_at, ruled_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed dispute repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends a waiting dispute inside the caller's transaction.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const insertSQL = `
        INSERT INTO disputes (arbitrated, choices, created_at)
        VALUES ($1, $2, $3)
        RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, insertSQL, d.Arbitrated, d.Choices, d.CreatedAt))
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitrator: insert dispute: %w", err)
	}
	return created, nil
}

// GetForUpdate loads a dispute row under a row lock.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	d, err := scanDispute(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("arbitrator: load dispute: %w", err)
	}
	return d, nil
}

func (r *PGRepository) MarkSolved(ctx context.Context, tx pgx.Tx, id int64, ruling int, ruledAt time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = 'solved', ruling = $2, ruled_at = $3
        WHERE id = $1
    `, id, ruling, ruledAt)
	if err != nil {
		return fmt.Errorf("arbitrator: mark solved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a dispute without locking, for read-only queries.
func (r *PGRepository) Get(ctx context.Context, id int64) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	d, err := scanDispute(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("arbitrator: get dispute: %w", err)
	}
	return d, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.Arbitrated,
		&d.Choices,
		&d.Ruling,
		&d.Status,
		&d.CreatedAt,
		&d.RuledAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
