package arbitrator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, mover *fakeMover, arbitrable Arbitrable) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, repo, mover, nil, Config{
		Identity:       "court",
		Owner:          "judge",
		ArbitrationFee: 10,
	}).WithClock(func() time.Time { return t0 })
	if arbitrable != nil {
		svc.Bind("registry", arbitrable)
	}
	return svc, pool
}

func TestCreateDispute_InsufficientPayment(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeMover{}, nil)

	_, err := svc.CreateDispute(context.Background(), &fakeTx{}, 2, 9)
	var insufficient *InsufficientPaymentError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPaymentError, got %v", err)
	}
	if insufficient.Available != 9 || insufficient.Required != 10 {
		t.Fatalf("unexpected payment diagnostics: %+v", insufficient)
	}
}

func TestCreateDispute_EachCallIsDistinct(t *testing.T) {
	repo := &fakeRepo{}
	svc, _ := newTestService(repo, &fakeMover{}, &fakeArbitrable{})

	first, err := svc.CreateDispute(context.Background(), &fakeTx{}, 2, 10)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	second, err := svc.CreateDispute(context.Background(), &fakeTx{}, 2, 10)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct dispute ids, got %d twice", first)
	}
	if repo.disputes[first].Arbitrated != "registry" {
		t.Fatalf("expected dispute bound to registry, got %q", repo.disputes[first].Arbitrated)
	}
}

func TestSetArbitrationCost(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeMover{}, nil)

	if err := svc.SetArbitrationCost(context.Background(), "mallory", 20); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := svc.SetArbitrationCost(context.Background(), "judge", -1); err == nil {
		t.Fatal("expected error for negative fee")
	}
	if err := svc.SetArbitrationCost(context.Background(), "judge", 20); err != nil {
		t.Fatalf("set cost: %v", err)
	}
	cost, err := svc.ArbitrationCost(context.Background())
	if err != nil {
		t.Fatalf("arbitration cost: %v", err)
	}
	if cost != 20 {
		t.Fatalf("expected cost 20, got %d", cost)
	}
}

func TestAppealsDisabled(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeMover{}, nil)

	cost, err := svc.AppealCost(context.Background())
	if err != nil {
		t.Fatalf("appeal cost: %v", err)
	}
	if cost != math.MaxInt64 {
		t.Fatalf("expected appeal cost MaxInt64, got %d", cost)
	}

	period, err := svc.AppealPeriod(context.Background())
	if err != nil {
		t.Fatalf("appeal period: %v", err)
	}
	if period != 0 {
		t.Fatalf("expected zero appeal period, got %s", period)
	}
}

func TestRule_Authorization(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeMover{}, &fakeArbitrable{})

	if _, err := svc.Rule(context.Background(), 1, 1, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestRule_NotBound(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, &fakeMover{}, nil)

	if _, err := svc.Rule(context.Background(), 1, 1, "judge"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestRule_RangeGuard(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusWaiting})
	svc, _ := newTestService(repo, &fakeMover{}, &fakeArbitrable{})

	_, err := svc.Rule(context.Background(), 1, 3, "judge")
	var invalid *InvalidRulingError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidRulingError, got %v", err)
	}
	if invalid.Ruling != 3 || invalid.Choices != 2 {
		t.Fatalf("unexpected ruling diagnostics: %+v", invalid)
	}
}

func TestRule_AlreadySolved(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusSolved, Ruling: 1})
	svc, _ := newTestService(repo, &fakeMover{}, &fakeArbitrable{})

	if _, err := svc.Rule(context.Background(), 1, 2, "judge"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestRule_ForwardsAndRefunds(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusWaiting})
	mover := &fakeMover{}
	arbitrable := &fakeArbitrable{}
	svc, pool := newTestService(repo, mover, arbitrable)

	ruled, err := svc.Rule(context.Background(), 1, 2, "judge")
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if ruled.Status != StatusSolved || ruled.Ruling != 2 {
		t.Fatalf("unexpected dispute after ruling: %+v", ruled)
	}
	if ruled.RuledAt == nil || !ruled.RuledAt.Equal(t0) {
		t.Fatalf("expected ruledAt %v, got %v", t0, ruled.RuledAt)
	}
	if arbitrable.disputeID != 1 || arbitrable.ruling != 2 || arbitrable.caller != "court" {
		t.Fatalf("unexpected forwarded ruling: %+v", arbitrable)
	}
	mover.expectOne(t, transfer{from: "court", to: "judge", amount: 10})
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

// Repricing between dispute creation and ruling refunds the current cost,
// not the amount deposited.
func TestRule_RefundsCurrentCost(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusWaiting})
	mover := &fakeMover{}
	svc, _ := newTestService(repo, mover, &fakeArbitrable{})

	if err := svc.SetArbitrationCost(context.Background(), "judge", 25); err != nil {
		t.Fatalf("set cost: %v", err)
	}
	if _, err := svc.Rule(context.Background(), 1, 1, "judge"); err != nil {
		t.Fatalf("rule: %v", err)
	}
	mover.expectOne(t, transfer{from: "court", to: "judge", amount: 25})
}

func TestRule_RejectedRulingRollsBack(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusWaiting})
	applyErr := errors.New("escrow: transaction is not disputed")
	svc, pool := newTestService(repo, &fakeMover{}, &fakeArbitrable{err: applyErr})

	if _, err := svc.Rule(context.Background(), 1, 1, "judge"); !errors.Is(err, applyErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected no commit when the registry rejects the ruling")
	}
	if !pool.tx.rolled {
		t.Fatal("expected rollback")
	}
}

func TestDisputeStatusAndCurrentRuling(t *testing.T) {
	repo := &fakeRepo{}
	repo.put(Dispute{ID: 1, Arbitrated: "registry", Choices: 2, Status: StatusWaiting})
	svc, _ := newTestService(repo, &fakeMover{}, &fakeArbitrable{})

	status, err := svc.DisputeStatus(context.Background(), 1)
	if err != nil {
		t.Fatalf("dispute status: %v", err)
	}
	if status != StatusWaiting {
		t.Fatalf("expected waiting, got %s", status)
	}

	ruling, err := svc.CurrentRuling(context.Background(), 1)
	if err != nil {
		t.Fatalf("current ruling: %v", err)
	}
	if ruling != 0 {
		t.Fatalf("expected ruling 0 while waiting, got %d", ruling)
	}

	if _, err := svc.DisputeStatus(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeArbitrable struct {
	err       error
	disputeID int64
	ruling    int
	caller    string
}

func (f *fakeArbitrable) ApplyRuling(ctx context.Context, tx pgx.Tx, disputeID int64, ruling int, caller string) error {
	if f.err != nil {
		return f.err
	}
	f.disputeID = disputeID
	f.ruling = ruling
	f.caller = caller
	return nil
}

type transfer struct {
	from   string
	to     string
	amount int64
}

type fakeMover struct {
	transfers []transfer
	err       error
}

func (f *fakeMover) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if f.err != nil {
		return f.err
	}
	f.transfers = append(f.transfers, transfer{from: from, to: to, amount: amount})
	return nil
}

func (f *fakeMover) expectOne(t *testing.T, want transfer) {
	t.Helper()
	if len(f.transfers) != 1 {
		t.Fatalf("expected exactly one transfer, got %+v", f.transfers)
	}
	if f.transfers[0] != want {
		t.Fatalf("expected transfer %+v, got %+v", want, f.transfers[0])
	}
}

type fakeRepo struct {
	disputes map[int64]Dispute
	nextID   int64
}

func (f *fakeRepo) put(d Dispute) {
	if f.disputes == nil {
		f.disputes = make(map[int64]Dispute)
	}
	f.disputes[d.ID] = d
	if d.ID >= f.nextID {
		f.nextID = d.ID
	}
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	f.nextID++
	d.ID = f.nextID
	d.Status = StatusWaiting
	f.put(d)
	return d, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error) {
	d, ok := f.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeRepo) MarkSolved(ctx context.Context, tx pgx.Tx, id int64, ruling int, ruledAt time.Time) error {
	d := f.disputes[id]
	d.Status = StatusSolved
	d.Ruling = ruling
	at := ruledAt
	d.RuledAt = &at
	f.put(d)
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Dispute, error) {
	d, ok := f.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
