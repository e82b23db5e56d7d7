package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/event"
	"escrowflow/funds"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Arbitrator is the capability handed to the registry at wiring time. It is
// compared by identity when a ruling comes back.
type Arbitrator interface {
	// Identity returns the principal the arbitrator rules under.
	Identity() string
	// ArbitrationCost reports the fee a party must escrow to open a dispute.
	ArbitrationCost(ctx context.Context) (int64, error)
	// CreateDispute records a pending dispute inside the caller's database
	// transaction and returns its id. The payment has already been moved to
	// the arbitrator's account.
	CreateDispute(ctx context.Context, tx pgx.Tx, choices int, payment int64) (int64, error)
}

// TimelineWriter appends externally observable lifecycle events.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, txID int64, eventType string, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues messages for external subscribers.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service implements the transaction lifecycle state machine. Every mutator
// runs as one database transaction: row lock, guards, fund movement, status
// update, event emission. A failed transfer rolls the whole call back.
type Service struct {
	pool     TxBeginner
	repo     Repository
	mover    funds.Mover
	arb      Arbitrator
	timeline TimelineWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, mover funds.Mover, arb Arbitrator, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		mover:    mover,
		arb:      arb,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

// WithClock overrides the sampled clock; deadlines are evaluated lazily at
// call time, never scheduled.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new escrow transaction and deposits params.Value from the
// payer's account into custody.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.Payer == "" || params.Payee == "" {
		return Transaction{}, fmt.Errorf("escrow: payer and payee required")
	}
	if params.Payer == params.Payee {
		return Transaction{}, fmt.Errorf("escrow: payer and payee must differ")
	}
	if params.Arbitrator == "" {
		return Transaction{}, fmt.Errorf("escrow: arbitrator required")
	}
	if params.Arbitrator != s.arb.Identity() {
		return Transaction{}, fmt.Errorf("%w: %q, rulings come from %q", ErrUnknownArbitrator, params.Arbitrator, s.arb.Identity())
	}
	if params.Value <= 0 {
		return Transaction{}, fmt.Errorf("escrow: value must be positive")
	}
	if params.ReclamationPeriod <= 0 || params.FeeDepositPeriod <= 0 {
		return Transaction{}, fmt.Errorf("escrow: reclamation and fee deposit periods required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Transaction{
		Payer:             params.Payer,
		Payee:             params.Payee,
		Arbitrator:        params.Arbitrator,
		Value:             params.Value,
		ReclamationPeriod: params.ReclamationPeriod,
		FeeDepositPeriod:  params.FeeDepositPeriod,
		CreatedAt:         s.now().UTC(),
	})
	if err != nil {
		return Transaction{}, err
	}

	if err := s.mover.Transfer(ctx, tx, created.Payer, funds.CustodyAccount(created.ID), created.Value); err != nil {
		return Transaction{}, err
	}

	if err := s.emit(ctx, tx, created.ID, event.TypeTransactionCreated, created.Payer, TopicCreated, map[string]any{
		"payer":                   created.Payer,
		"payee":                   created.Payee,
		"arbitrator":              created.Arbitrator,
		"value":                   created.Value,
		"metadata":                params.Metadata,
		"reclamation_period_secs": int64(created.ReclamationPeriod / time.Second),
		"fee_deposit_period_secs": int64(created.FeeDepositPeriod / time.Second),
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return created, nil
}

// Release pays the escrowed value to the payee. The payer may release at any
// time; anyone else only after the reclamation period has elapsed.
func (s *Service) Release(ctx context.Context, txID int64, caller string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusInitial {
		return Transaction{}, fmt.Errorf("%w: release requires %s, have %s", ErrInvalidStatus, StatusInitial, t.Status)
	}

	now := s.now().UTC()
	if caller != t.Payer && now.Sub(t.CreatedAt) <= t.ReclamationPeriod {
		return Transaction{}, ErrReleasedTooEarly
	}

	if err := s.mover.Transfer(ctx, tx, funds.CustodyAccount(t.ID), t.Payee, t.Value); err != nil {
		return Transaction{}, err
	}
	if err := s.repo.MarkResolved(ctx, tx, t.ID, now); err != nil {
		return Transaction{}, err
	}

	if err := s.emit(ctx, tx, t.ID, event.TypeTransactionReleased, caller, TopicReleased, map[string]any{
		"payee":  t.Payee,
		"amount": t.Value,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	t.Status = StatusResolved
	t.ResolvedAt = &now
	return t, nil
}

// Reclaim is the payer's dispute claim. On an initial transaction it escrows
// the payer's arbitration fee and opens the payee's counter-deposit window.
// On a reclaimed transaction whose window has lapsed it resolves in the
// payer's favor.
func (s *Service) Reclaim(ctx context.Context, txID int64, caller string, depositedFee int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if caller != t.Payer {
		return Transaction{}, ErrNotPayer
	}

	now := s.now().UTC()

	switch t.Status {
	case StatusInitial:
		// The reclamation deadline is inclusive of the period.
		if now.Sub(t.CreatedAt) > t.ReclamationPeriod {
			return Transaction{}, ErrReclaimedTooLate
		}
		cost, err := s.arb.ArbitrationCost(ctx)
		if err != nil {
			return Transaction{}, err
		}
		if depositedFee < cost {
			return Transaction{}, &InsufficientPaymentError{Available: depositedFee, Required: cost}
		}

		if err := s.mover.Transfer(ctx, tx, caller, funds.CustodyAccount(t.ID), depositedFee); err != nil {
			return Transaction{}, err
		}
		if err := s.repo.MarkReclaimed(ctx, tx, t.ID, depositedFee, now); err != nil {
			return Transaction{}, err
		}
		if err := s.emit(ctx, tx, t.ID, event.TypeTransactionReclaimed, caller, TopicReclaimed, map[string]any{
			"payer_fee_deposit": depositedFee,
		}); err != nil {
			return Transaction{}, err
		}

		if err := tx.Commit(ctx); err != nil {
			return Transaction{}, fmt.Errorf("escrow: commit reclaim: %w", err)
		}
		t.Status = StatusReclaimed
		t.PayerFeeDeposit = depositedFee
		t.ReclaimedAt = &now
		return t, nil

	case StatusReclaimed:
		if now.Sub(*t.ReclaimedAt) <= t.FeeDepositPeriod {
			return Transaction{}, ErrPayeeDepositStillPending
		}

		// Payee silence forfeits the claim: value plus the payer's escrowed
		// fee go back to the payer.
		refund := t.Value + t.PayerFeeDeposit
		if err := s.mover.Transfer(ctx, tx, funds.CustodyAccount(t.ID), t.Payer, refund); err != nil {
			return Transaction{}, err
		}
		if err := s.repo.MarkResolved(ctx, tx, t.ID, now); err != nil {
			return Transaction{}, err
		}
		if err := s.emit(ctx, tx, t.ID, event.TypeReclaimForfeited, caller, TopicForfeited, map[string]any{
			"payer":  t.Payer,
			"amount": refund,
		}); err != nil {
			return Transaction{}, err
		}

		if err := tx.Commit(ctx); err != nil {
			return Transaction{}, fmt.Errorf("escrow: commit forfeiture: %w", err)
		}
		t.Status = StatusResolved
		t.ResolvedAt = &now
		return t, nil

	default:
		return Transaction{}, fmt.Errorf("%w: reclaim requires %s or %s, have %s", ErrInvalidStatus, StatusInitial, StatusReclaimed, t.Status)
	}
}

// DepositArbitrationFeeForPayee escrows the payee-side arbitration fee and
// requests a dispute from the arbitrator. Any caller may deposit; sufficiency
// of the payment is the arbitrator's concern.
func (s *Service) DepositArbitrationFeeForPayee(ctx context.Context, txID int64, caller string, depositedFee int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusReclaimed {
		return Transaction{}, fmt.Errorf("%w: fee deposit requires %s, have %s", ErrInvalidStatus, StatusReclaimed, t.Status)
	}

	// The fee is forwarded to the arbitrator as the dispute payment.
	if err := s.mover.Transfer(ctx, tx, caller, s.arb.Identity(), depositedFee); err != nil {
		return Transaction{}, err
	}

	disputeID, err := s.arb.CreateDispute(ctx, tx, NumberOfRulingOptions, depositedFee)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.repo.MarkDisputed(ctx, tx, t.ID, depositedFee, disputeID); err != nil {
		return Transaction{}, err
	}

	if err := s.emit(ctx, tx, t.ID, event.TypeDisputeOpened, caller, TopicDisputed, map[string]any{
		"dispute_id":        disputeID,
		"payee_fee_deposit": depositedFee,
		"arbitrator":        t.Arbitrator,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit fee deposit: %w", err)
	}
	t.Status = StatusDisputed
	t.PayeeFeeDeposit = depositedFee
	t.DisputeID = &disputeID
	return t, nil
}

// SubmitEvidence emits an evidence event for an unresolved transaction. Only
// the payer and the payee may submit; no transaction state changes.
func (s *Service) SubmitEvidence(ctx context.Context, txID int64, caller string, evidence string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return err
	}
	if t.Status == StatusResolved {
		return fmt.Errorf("%w: evidence after resolution", ErrInvalidStatus)
	}
	if caller != t.Payer && caller != t.Payee {
		return ErrThirdPartyNotAllowed
	}

	if err := s.emit(ctx, tx, t.ID, event.TypeEvidenceSubmitted, caller, TopicEvidence, map[string]any{
		"arbitrator": t.Arbitrator,
		"party":      caller,
		"evidence":   evidence,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit evidence: %w", err)
	}
	return nil
}

// ApplyRuling applies the arbitrator's decision to the transaction that
// opened the dispute. It runs inside the arbitrator ledger's database
// transaction so the ruling record and the payout commit together. The
// status guard makes a second ruling for the same dispute fail here.
func (s *Service) ApplyRuling(ctx context.Context, tx pgx.Tx, disputeID int64, ruling int, caller string) error {
	t, err := s.repo.GetByDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if caller != t.Arbitrator {
		return ErrNotArbitrator
	}
	if t.Status != StatusDisputed {
		return fmt.Errorf("%w: ruling requires %s, have %s", ErrInvalidStatus, StatusDisputed, t.Status)
	}
	if ruling < 0 || ruling > NumberOfRulingOptions {
		return &InvalidRulingError{Ruling: ruling, MaxChoices: NumberOfRulingOptions}
	}

	var (
		winner string
		amount int64
	)
	switch ruling {
	case RulingPayerWins:
		winner, amount = t.Payer, t.Value+t.PayerFeeDeposit
	case RulingPayeeWins:
		winner, amount = t.Payee, t.Value+t.PayeeFeeDeposit
	case RulingRefused:
		// Refusal resolves without paying either party; remaining custody
		// funds stay put.
	}
	if winner != "" {
		if err := s.mover.Transfer(ctx, tx, funds.CustodyAccount(t.ID), winner, amount); err != nil {
			return err
		}
	}

	if err := s.repo.MarkResolved(ctx, tx, t.ID, s.now().UTC()); err != nil {
		return err
	}

	payload := map[string]any{
		"dispute_id": disputeID,
		"ruling":     ruling,
	}
	if winner != "" {
		payload["winner"] = winner
		payload["amount"] = amount
	}
	return s.emit(ctx, tx, t.ID, event.TypeRulingApplied, caller, TopicRuled, payload)
}

// Get fetches a transaction snapshot.
func (s *Service) Get(ctx context.Context, txID int64) (Transaction, error) {
	return s.repo.Get(ctx, txID)
}

// RemainingTimeToReclaim reports how long the payer can still reclaim an
// initial transaction.
func (s *Service) RemainingTimeToReclaim(ctx context.Context, txID int64) (time.Duration, error) {
	t, err := s.repo.Get(ctx, txID)
	if err != nil {
		return 0, err
	}
	if t.Status != StatusInitial {
		return 0, fmt.Errorf("%w: reclaim window query requires %s, have %s", ErrInvalidStatus, StatusInitial, t.Status)
	}
	return remaining(t.CreatedAt.Add(t.ReclamationPeriod), s.now().UTC()), nil
}

// RemainingTimeToDepositFee reports how long the payee can still counter a
// reclaim with an arbitration fee deposit.
func (s *Service) RemainingTimeToDepositFee(ctx context.Context, txID int64) (time.Duration, error) {
	t, err := s.repo.Get(ctx, txID)
	if err != nil {
		return 0, err
	}
	if t.Status != StatusReclaimed {
		return 0, fmt.Errorf("%w: fee deposit window query requires %s, have %s", ErrInvalidStatus, StatusReclaimed, t.Status)
	}
	return remaining(t.ReclaimedAt.Add(t.FeeDepositPeriod), s.now().UTC()), nil
}

func remaining(deadline, now time.Time) time.Duration {
	if rem := deadline.Sub(now); rem > 0 {
		return rem
	}
	return 0
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, txID int64, eventType, actor, topic string, payload map[string]any) error {
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, txID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		out := map[string]any{"tx_id": txID}
		for k, v := range payload {
			out[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, out); err != nil {
			return err
		}
	}
	return nil
}
