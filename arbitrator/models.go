package arbitrator

import "time"

// Status represents the lifecycle of a dispute record. It is set exactly
// once to solved.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusSolved  Status = "solved"
)

// Dispute mirrors the disputes table. IDs are dense and never reused. Ruling
// stays 0 until the dispute is solved.
type Dispute struct {
	ID         int64
	Arbitrated string
	Choices    int
	Ruling     int
	Status     Status
	CreatedAt  time.Time
	RuledAt    *time.Time
}

// Outbox topics published by the ledger.
const (
	TopicDisputeCreated = "dispute.created"
	TopicDisputeRuled   = "dispute.ruled"
)
