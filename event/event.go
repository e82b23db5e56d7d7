// Package event writes the externally observable lifecycle log: an
// append-only timeline keyed by escrow transaction, and a transactional
// outbox for downstream delivery. The core never reads either back.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Lifecycle event types emitted by the registry and the dispute ledger.
const (
	TypeTransactionCreated   = "TRANSACTION_CREATED"
	TypeTransactionReleased  = "TRANSACTION_RELEASED"
	TypeTransactionReclaimed = "TRANSACTION_RECLAIMED"
	TypeReclaimForfeited     = "RECLAIM_FORFEITED"
	TypeDisputeOpened        = "DISPUTE_OPENED"
	TypeEvidenceSubmitted    = "EVIDENCE_SUBMITTED"
	TypeRulingApplied        = "RULING_APPLIED"
)

// Timeline appends events to timeline_events with a per-transaction
// monotonic sequence.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Append writes one event inside the caller's transaction. The seq scan and
// insert are serialized by the escrow row lock every mutator already holds.
func (Timeline) Append(ctx context.Context, tx pgx.Tx, txID int64, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE tx_id = $1`, txID).Scan(&seq); err != nil {
		return fmt.Errorf("event: next seq: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (tx_id, seq, type, actor_id, payload)
        VALUES ($1, $2, $3, $4, $5::jsonb)
    `, txID, seq, eventType, actor, body); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues messages for external subscribers.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue writes one outbox row inside the caller's transaction.
func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)
    `, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}
