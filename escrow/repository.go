package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the service. Write methods
// run inside the caller's transaction so the status change, fund movement,
// and event emission commit or roll back together.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Transaction, error)
	GetByDisputeForUpdate(ctx context.Context, tx pgx.Tx, disputeID int64) (Transaction, error)
	MarkReclaimed(ctx context.Context, tx pgx.Tx, id int64, feeDeposit int64, reclaimedAt time.Time) error
	MarkDisputed(ctx context.Context, tx pgx.Tx, id int64, feeDeposit int64, disputeID int64) error
	MarkResolved(ctx context.Context, tx pgx.Tx, id int64, resolvedAt time.Time) error
	Get(ctx context.Context, id int64) (Transaction, error)
}

const txColumns = `
    id, payer, payee, arbitrator, value, status::text,
    payer_fee_deposit, payee_fee_deposit, dispute_id,
    reclamation_period_secs, fee_deposit_period_secs,
    created_at, reclaimed_at, resolved_at
`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed escrow repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends a new transaction row in status initial.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	const insertSQL = `
        INSERT INTO escrow_transactions
            (payer, payee, arbitrator, value, reclamation_period_secs, fee_deposit_period_secs, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING ` + txColumns

	created, err := scanTransaction(tx.QueryRow(ctx, insertSQL,
		t.Payer,
		t.Payee,
		t.Arbitrator,
		t.Value,
		int64(t.ReclamationPeriod/time.Second),
		int64(t.FeeDepositPeriod/time.Second),
		t.CreatedAt,
	))
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return created, nil
}

// GetForUpdate loads a transaction row under a row lock.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Transaction, error) {
	const selectSQL = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: load transaction: %w", err)
	}
	return t, nil
}

// GetByDisputeForUpdate resolves the transaction owning a dispute and locks
// its row. The dispute correlation is unique, written once at dispute
// creation.
func (r *PGRepository) GetByDisputeForUpdate(ctx context.Context, tx pgx.Tx, disputeID int64) (Transaction, error) {
	const selectSQL = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE dispute_id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, selectSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: no transaction for dispute %d", ErrNotFound, disputeID)
		}
		return Transaction{}, fmt.Errorf("escrow: load transaction by dispute: %w", err)
	}
	return t, nil
}

func (r *PGRepository) MarkReclaimed(ctx context.Context, tx pgx.Tx, id int64, feeDeposit int64, reclaimedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrow_transactions
        SET status = 'reclaimed', payer_fee_deposit = $2, reclaimed_at = $3
        WHERE id = $1
    `, id, feeDeposit, reclaimedAt)
	if err != nil {
		return fmt.Errorf("escrow: mark reclaimed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkDisputed(ctx context.Context, tx pgx.Tx, id int64, feeDeposit int64, disputeID int64) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrow_transactions
        SET status = 'disputed', payee_fee_deposit = $2, dispute_id = $3
        WHERE id = $1
    `, id, feeDeposit, disputeID)
	if err != nil {
		return fmt.Errorf("escrow: mark disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, id int64, resolvedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrow_transactions
        SET status = 'resolved', resolved_at = $2
        WHERE id = $1
    `, id, resolvedAt)
	if err != nil {
		return fmt.Errorf("escrow: mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a transaction without locking, for read-only queries.
func (r *PGRepository) Get(ctx context.Context, id int64) (Transaction, error) {
	const selectSQL = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get transaction: %w", err)
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t               Transaction
		reclamationSecs int64
		feeDepositSecs  int64
	)
	err := row.Scan(
		&t.ID,
		&t.Payer,
		&t.Payee,
		&t.Arbitrator,
		&t.Value,
		&t.Status,
		&t.PayerFeeDeposit,
		&t.PayeeFeeDeposit,
		&t.DisputeID,
		&reclamationSecs,
		&feeDepositSecs,
		&t.CreatedAt,
		&t.ReclaimedAt,
		&t.ResolvedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	t.ReclamationPeriod = time.Duration(reclamationSecs) * time.Second
	t.FeeDepositPeriod = time.Duration(feeDepositSecs) * time.Second
	return t, nil
}
