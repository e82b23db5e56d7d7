// Package oracles holds the invariants checked while the stress actors run.
// Each oracle is a query that must return zero rows on a healthy system.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_negative_balance",
			SQL:  `SELECT owner, balance FROM accounts WHERE balance < 0`,
		},
		{
			Name: "O2_status_timestamps",
			SQL: `SELECT id, status FROM escrow_transactions
                  WHERE (status = 'resolved' AND resolved_at IS NULL)
                     OR (status = 'disputed' AND dispute_id IS NULL)
                     OR (status IN ('reclaimed','disputed') AND reclaimed_at IS NULL)`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT tx_id, seq,
                             LAG(seq) OVER (PARTITION BY tx_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_dispute_correlation",
			SQL: `SELECT t.id, t.dispute_id FROM escrow_transactions t
                  LEFT JOIN disputes d ON d.id = t.dispute_id
                  WHERE t.dispute_id IS NOT NULL AND d.id IS NULL`,
		},
		{
			Name: "O5_solved_dispute_resolves_transaction",
			SQL: `SELECT d.id FROM disputes d
                  JOIN escrow_transactions t ON t.dispute_id = d.id
                  WHERE d.status = 'solved' AND t.status <> 'resolved'`,
		},
		{
			// With equal payer and payee fee deposits, custody after
			// resolution holds nothing except for a refused ruling, which
			// strands value plus the payer's fee.
			Name: "O6_custody_settlement",
			SQL: `SELECT t.id, a.balance FROM escrow_transactions t
                  JOIN accounts a ON a.owner = 'txn/' || t.id
                  LEFT JOIN disputes d ON d.id = t.dispute_id
                  WHERE t.status = 'resolved'
                    AND a.balance <> CASE
                        WHEN d.id IS NULL OR d.ruling = 1 THEN 0
                        WHEN d.ruling = 2 THEN t.payer_fee_deposit - t.payee_fee_deposit
                        ELSE t.value + t.payer_fee_deposit
                    END`,
		},
		{
			Name: "O7_delete_guard_present",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrow_transactions')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_timeline_events')`,
		},
		{
			Name: "O8_ruling_in_range",
			SQL:  `SELECT id, ruling FROM disputes WHERE ruling < 0 OR ruling > choices`,
		},
	}
}

// Run executes all oracles plus the value-conservation check against the
// total minted at seeding. It returns the first failure (name and a sample
// row) or an empty name when everything holds.
func Run(ctx context.Context, pool *pgxpool.Pool, mintedTotal int64) (string, string, error) {
	var total int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return "O0_value_conservation", "", fmt.Errorf("sum balances: %w", err)
	}
	if total != mintedTotal {
		return "O0_value_conservation", fmt.Sprintf("sum=%d minted=%d", total, mintedTotal), nil
	}

	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
