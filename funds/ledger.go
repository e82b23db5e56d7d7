package funds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNoAccount signals the debited party has no ledger account.
	ErrNoAccount = errors.New("funds: no such account")
	// ErrInsufficientFunds signals the debited account cannot cover the amount.
	ErrInsufficientFunds = errors.New("funds: insufficient funds")
)

// Mover is the atomic push-payment primitive. A failed Transfer must abort
// the enclosing operation: implementations run inside the caller's database
// transaction so nothing is committed on failure.
type Mover interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error
}

// Ledger is the Postgres-backed Mover over the accounts table.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// CustodyAccount returns the owner key of the custody account holding an
// escrow transaction's funds.
func CustodyAccount(txID int64) string {
	return fmt.Sprintf("txn/%d", txID)
}

// Transfer debits from and credits to within the caller's transaction.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("funds: negative amount %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return fmt.Errorf("funds: transfer to self (%s)", from)
	}

	// Lock both rows in stable owner order so concurrent transfers over the
	// same pair cannot deadlock.
	rows, err := tx.Query(ctx, `SELECT owner FROM accounts WHERE owner = ANY($1) ORDER BY owner FOR UPDATE`, []string{from, to})
	if err != nil {
		return fmt.Errorf("funds: lock accounts: %w", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("funds: lock accounts: %w", err)
	}

	tag, err := tx.Exec(ctx, `
        UPDATE accounts
        SET balance = balance - $2, updated_at = now()
        WHERE owner = $1 AND balance >= $2
    `, from, amount)
	if err != nil {
		return fmt.Errorf("funds: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE owner = $1)`, from).Scan(&exists); err != nil {
			return fmt.Errorf("funds: check account %s: %w", from, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNoAccount, from)
		}
		return fmt.Errorf("%w: account %s owes %d", ErrInsufficientFunds, from, amount)
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO accounts (owner, balance) VALUES ($1, $2)
        ON CONFLICT (owner) DO UPDATE
        SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
    `, to, amount); err != nil {
		return fmt.Errorf("funds: credit %s: %w", to, err)
	}

	return nil
}
