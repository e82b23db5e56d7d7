package escrow

import "time"

// Status represents the lifecycle of an escrow transaction. Transitions only
// move forward along initial -> reclaimed -> disputed -> resolved.
type Status string

const (
	StatusInitial   Status = "initial"
	StatusReclaimed Status = "reclaimed"
	StatusDisputed  Status = "disputed"
	StatusResolved  Status = "resolved"
)

// Ruling values the arbitrator may deliver. RulingRefused resolves the
// dispute without paying either party.
const (
	RulingRefused   = 0
	RulingPayerWins = 1
	RulingPayeeWins = 2
)

// NumberOfRulingOptions is the ruling range offered per dispute; value 0 is
// reserved for refusal.
const NumberOfRulingOptions = 2

// Transaction mirrors the escrow_transactions table. IDs are dense, assigned
// at creation, and never reused.
type Transaction struct {
	ID                int64
	Payer             string
	Payee             string
	Arbitrator        string
	Value             int64
	Status            Status
	PayerFeeDeposit   int64
	PayeeFeeDeposit   int64
	DisputeID         *int64
	ReclamationPeriod time.Duration
	FeeDepositPeriod  time.Duration
	CreatedAt         time.Time
	ReclaimedAt       *time.Time
	ResolvedAt        *time.Time
}

// CreateParams carries the inputs for opening a new escrow transaction. The
// deposited value moves from the payer's account into custody on success.
type CreateParams struct {
	Payer             string
	Payee             string
	Arbitrator        string
	Metadata          string
	ReclamationPeriod time.Duration
	FeeDepositPeriod  time.Duration
	Value             int64
}

// Outbox topics published by the registry.
const (
	TopicCreated   = "escrow.created"
	TopicReleased  = "escrow.released"
	TopicReclaimed = "escrow.reclaimed"
	TopicForfeited = "escrow.forfeited"
	TopicDisputed  = "escrow.disputed"
	TopicEvidence  = "escrow.evidence"
	TopicRuled     = "escrow.ruled"
)
