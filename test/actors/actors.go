// Package actors hosts the concurrent workloads the stress test races
// against each other: opening escrow transactions, releasing, reclaiming,
// countering with fee deposits, ruling disputes, and draining the outbox.
// Guard rejections and connection kills are expected under contention, so
// actors swallow operation errors and only stop on cancellation.
package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitrator"
	"escrowflow/escrow"
)

func pause(minMillis, jitterMillis int) {
	time.Sleep(time.Duration(minMillis+rand.Intn(jitterMillis)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// randomTxInStatus picks an arbitrary transaction id of the payer in the
// given status, or false when none exists yet.
func randomTxInStatus(ctx context.Context, pool *pgxpool.Pool, payer, status string) (int64, bool) {
	var id int64
	err := pool.QueryRow(ctx, `
        SELECT id FROM escrow_transactions
        WHERE payer = $1 AND status = $2::escrow_status
        ORDER BY random() LIMIT 1
    `, payer, status).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Opener keeps creating short-lived escrow transactions so the other actors
// always have fresh material to fight over.
func Opener(ctx context.Context, svc *escrow.Service, payer, payee, arbIdentity string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = svc.Create(ctx, escrow.CreateParams{
			Payer:             payer,
			Payee:             payee,
			Arbitrator:        arbIdentity,
			Value:             int64(1 + rand.Intn(50)),
			ReclamationPeriod: time.Duration(1+rand.Intn(2)) * time.Second,
			FeeDepositPeriod:  time.Duration(1+rand.Intn(2)) * time.Second,
		})
		pause(20, 40)
	}
	return nil
}

// Releaser races Release calls against reclaims on the same transactions,
// alternating between the payer (always allowed) and the payee (only after
// the reclamation window).
func Releaser(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, payer, payee string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomTxInStatus(ctx, pool, payer, "initial"); ok {
			caller := payer
			if rand.Intn(2) == 0 {
				caller = payee
			}
			_, _ = svc.Release(ctx, id, caller)
		}
		pause(15, 35)
	}
	return nil
}

// Reclaimer drives the payer side of the dispute path: reclaims on initial
// transactions, then forfeiture retries on reclaimed ones.
func Reclaimer(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, payer string, fee int64, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomTxInStatus(ctx, pool, payer, "initial"); ok {
			_, _ = svc.Reclaim(ctx, id, payer, fee)
		}
		if id, ok := randomTxInStatus(ctx, pool, payer, "reclaimed"); ok {
			_, _ = svc.Reclaim(ctx, id, payer, 0)
		}
		pause(20, 40)
	}
	return nil
}

// PayeeDepositor counters reclaims with the payee-side arbitration fee,
// turning reclaimed transactions into disputes.
func PayeeDepositor(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, payer, payee string, fee int64, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomTxInStatus(ctx, pool, payer, "reclaimed"); ok {
			_, _ = svc.DepositArbitrationFeeForPayee(ctx, id, payee, fee)
		}
		pause(30, 50)
	}
	return nil
}

// EvidenceSubmitter appends evidence events to unresolved transactions.
func EvidenceSubmitter(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, payer string, stop <-chan struct{}) error {
	statuses := []string{"initial", "reclaimed", "disputed"}
	for !stopped(ctx, stop) {
		if id, ok := randomTxInStatus(ctx, pool, payer, statuses[rand.Intn(len(statuses))]); ok {
			_ = svc.SubmitEvidence(ctx, id, payer, "stress evidence")
		}
		pause(40, 60)
	}
	return nil
}

// Ruler plays the ledger administrator: it picks waiting disputes and rules
// them, occasionally with an out-of-range value to exercise the guard.
func Ruler(ctx context.Context, pool *pgxpool.Pool, arb *arbitrator.Service, judge string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id int64
		err := pool.QueryRow(ctx, `
            SELECT id FROM disputes WHERE status = 'waiting'
            ORDER BY random() LIMIT 1
        `).Scan(&id)
		if err == nil {
			_, _ = arb.Rule(ctx, id, rand.Intn(4), judge)
		}
		pause(30, 50)
	}
	return nil
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, simulating
// occasional delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		drainOutboxBatch(ctx, pool)
		pause(80, 60)
	}
	return nil
}

func drainOutboxBatch(ctx context.Context, pool *pgxpool.Pool) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id FROM outbox WHERE status = 'pending'
        ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10
    `)
	if err != nil {
		return
	}
	ids := make([]string, 0, 10)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if rand.Intn(10) == 0 {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id)
			continue
		}
		_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id)
	}
	_ = tx.Commit(ctx)
}

// WindowWatcher polls the read-only window queries so snapshot reads run
// alongside the mutators.
func WindowWatcher(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, payer string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomTxInStatus(ctx, pool, payer, "initial"); ok {
			_, _ = svc.RemainingTimeToReclaim(ctx, id)
		}
		if id, ok := randomTxInStatus(ctx, pool, payer, "reclaimed"); ok {
			_, _ = svc.RemainingTimeToDepositFee(ctx, id)
		}
		pause(50, 50)
	}
	return nil
}
