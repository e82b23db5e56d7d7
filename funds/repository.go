package funds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Account is a ledger account snapshot.
type Account struct {
	Owner     string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository provides read access to ledger accounts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Balance fetches the current balance of an account; missing accounts read
// as zero.
func (r *Repository) Balance(ctx context.Context, owner string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE owner = $1`, owner).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("funds: query balance: %w", err)
	}
	return balance, nil
}

// Deposit credits an account outside of any escrow flow (onboarding, tests).
func (r *Repository) Deposit(ctx context.Context, owner string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("funds: deposit amount must be positive")
	}
	if _, err := r.pool.Exec(ctx, `
        INSERT INTO accounts (owner, balance) VALUES ($1, $2)
        ON CONFLICT (owner) DO UPDATE
        SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
    `, owner, amount); err != nil {
		return fmt.Errorf("funds: deposit: %w", err)
	}
	return nil
}

// List fetches up to limit accounts ordered by owner.
func (r *Repository) List(ctx context.Context, limit int) ([]Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
        SELECT owner, balance, created_at, updated_at
        FROM accounts
        ORDER BY owner ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("funds: list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0, limit)
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Owner, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("funds: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("funds: iterate accounts: %w", err)
	}

	return accounts, nil
}
