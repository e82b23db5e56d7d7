package arbitrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/funds"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Arbitrable is the registry a ruling is delivered to. ApplyRuling runs
// inside the ledger's database transaction, so a rejected ruling rolls the
// whole ruling call back.
type Arbitrable interface {
	ApplyRuling(ctx context.Context, tx pgx.Tx, disputeID int64, ruling int, caller string) error
}

// OutboxWriter enqueues messages for external subscribers.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Config describes a ledger instance.
type Config struct {
	// Identity is the principal the ledger rules under; dispute payments
	// accrue to its account and rulings are authorized against it.
	Identity string
	// Owner is the administrator allowed to rule and reprice.
	Owner string
	// ArbitrationFee is the initial flat dispute cost.
	ArbitrationFee int64
}

// Service is the dispute ledger: it accepts paid dispute requests and later
// forwards the administrator's binding ruling to the registry that opened
// the dispute.
type Service struct {
	pool   TxBeginner
	repo   Repository
	mover  funds.Mover
	outbox OutboxWriter
	now    func() time.Time

	identity string
	owner    string

	mu         sync.RWMutex
	fee        int64
	arbitrated string
	arbitrable Arbitrable
}

func NewService(pool TxBeginner, repo Repository, mover funds.Mover, outbox OutboxWriter, cfg Config) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		mover:    mover,
		outbox:   outbox,
		now:      time.Now,
		identity: cfg.Identity,
		owner:    cfg.Owner,
		fee:      cfg.ArbitrationFee,
	}
}

// WithClock overrides the sampled clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Bind registers the single arbitrable registry rulings are delivered to.
func (s *Service) Bind(name string, a Arbitrable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arbitrated = name
	s.arbitrable = a
}

// Identity returns the principal the ledger rules under.
func (s *Service) Identity() string {
	return s.identity
}

// ArbitrationCost reports the current flat dispute cost.
func (s *Service) ArbitrationCost(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fee, nil
}

// SetArbitrationCost reprices future disputes. Owner only. Rulings refund
// the cost in effect at ruling time, so repricing between dispute creation
// and ruling skews the refund.
func (s *Service) SetArbitrationCost(ctx context.Context, caller string, fee int64) error {
	if caller != s.owner {
		return ErrNotOwner
	}
	if fee < 0 {
		return fmt.Errorf("arbitrator: negative fee %d", fee)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee = fee
	return nil
}

// AppealCost is effectively unaffordable: appeals are permanently disabled
// in this ledger.
func (s *Service) AppealCost(ctx context.Context) (int64, error) {
	return math.MaxInt64, nil
}

// AppealPeriod is the empty window.
func (s *Service) AppealPeriod(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

// CreateDispute records a waiting dispute inside the caller's transaction
// and returns its id. Each call creates a distinct dispute; double-dispute
// prevention is the requesting registry's status guard, not ledger-side
// deduplication.
func (s *Service) CreateDispute(ctx context.Context, tx pgx.Tx, choices int, payment int64) (int64, error) {
	if choices <= 0 {
		return 0, fmt.Errorf("arbitrator: choices must be positive")
	}

	s.mu.RLock()
	fee := s.fee
	arbitrated := s.arbitrated
	s.mu.RUnlock()

	if payment < fee {
		return 0, &InsufficientPaymentError{Available: payment, Required: fee}
	}

	created, err := s.repo.Insert(ctx, tx, Dispute{
		Arbitrated: arbitrated,
		Choices:    choices,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicDisputeCreated, map[string]any{
			"dispute_id": created.ID,
			"arbitrated": created.Arbitrated,
			"choices":    created.Choices,
			"payment":    payment,
		}); err != nil {
			return 0, err
		}
	}

	return created.ID, nil
}

// Rule records the administrator's decision, forwards it to the bound
// registry, and refunds the current arbitration cost to the caller. The
// ruling record, the registry's payout, and the refund commit together.
func (s *Service) Rule(ctx context.Context, disputeID int64, ruling int, caller string) (Dispute, error) {
	if caller != s.owner {
		return Dispute{}, ErrNotOwner
	}

	s.mu.RLock()
	arbitrable := s.arbitrable
	refund := s.fee
	s.mu.RUnlock()
	if arbitrable == nil {
		return Dispute{}, ErrNotBound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if ruling < 0 || ruling > d.Choices {
		return Dispute{}, &InvalidRulingError{Ruling: ruling, Choices: d.Choices}
	}
	if d.Status != StatusWaiting {
		return Dispute{}, fmt.Errorf("%w: ruling requires %s, have %s", ErrInvalidStatus, StatusWaiting, d.Status)
	}

	now := s.now().UTC()
	if err := s.repo.MarkSolved(ctx, tx, d.ID, ruling, now); err != nil {
		return Dispute{}, err
	}

	if err := arbitrable.ApplyRuling(ctx, tx, d.ID, ruling, s.identity); err != nil {
		return Dispute{}, err
	}

	// Refund at the cost in effect now, which may differ from the payment
	// deposited at dispute creation.
	if err := s.mover.Transfer(ctx, tx, s.identity, caller, refund); err != nil {
		return Dispute{}, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicDisputeRuled, map[string]any{
			"dispute_id": d.ID,
			"ruling":     ruling,
			"refund":     refund,
		}); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("arbitrator: commit ruling: %w", err)
	}

	d.Status = StatusSolved
	d.Ruling = ruling
	d.RuledAt = &now
	return d, nil
}

// DisputeStatus reports whether a dispute is waiting or solved.
func (s *Service) DisputeStatus(ctx context.Context, disputeID int64) (Status, error) {
	d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

// CurrentRuling reports the last recorded ruling, 0 while waiting.
func (s *Service) CurrentRuling(ctx context.Context, disputeID int64) (int, error) {
	d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return 0, err
	}
	return d.Ruling, nil
}
