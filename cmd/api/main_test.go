package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/funds"
)

type stubEscrowService struct {
	txn         escrow.Transaction
	createErr   error
	getErr      error
	releaseErr  error
	reclaimErr  error
	depositErr  error
	evidenceErr error
	remaining   time.Duration
	windowErr   error
}

func (s *stubEscrowService) Create(_ context.Context, _ escrow.CreateParams) (escrow.Transaction, error) {
	return s.txn, s.createErr
}

func (s *stubEscrowService) Get(_ context.Context, _ int64) (escrow.Transaction, error) {
	return s.txn, s.getErr
}

func (s *stubEscrowService) Release(_ context.Context, _ int64, _ string) (escrow.Transaction, error) {
	return s.txn, s.releaseErr
}

func (s *stubEscrowService) Reclaim(_ context.Context, _ int64, _ string, _ int64) (escrow.Transaction, error) {
	return s.txn, s.reclaimErr
}

func (s *stubEscrowService) DepositArbitrationFeeForPayee(_ context.Context, _ int64, _ string, _ int64) (escrow.Transaction, error) {
	return s.txn, s.depositErr
}

func (s *stubEscrowService) SubmitEvidence(_ context.Context, _ int64, _ string, _ string) error {
	return s.evidenceErr
}

func (s *stubEscrowService) RemainingTimeToReclaim(_ context.Context, _ int64) (time.Duration, error) {
	return s.remaining, s.windowErr
}

func (s *stubEscrowService) RemainingTimeToDepositFee(_ context.Context, _ int64) (time.Duration, error) {
	return s.remaining, s.windowErr
}

type stubArbitratorService struct {
	cost      int64
	costErr   error
	setErr    error
	dispute   arbitrator.Dispute
	ruleErr   error
	status    arbitrator.Status
	statusErr error
	ruling    int
	rulingErr error
}

func (s *stubArbitratorService) ArbitrationCost(_ context.Context) (int64, error) {
	return s.cost, s.costErr
}

func (s *stubArbitratorService) SetArbitrationCost(_ context.Context, _ string, _ int64) error {
	return s.setErr
}

func (s *stubArbitratorService) Rule(_ context.Context, _ int64, _ int, _ string) (arbitrator.Dispute, error) {
	return s.dispute, s.ruleErr
}

func (s *stubArbitratorService) DisputeStatus(_ context.Context, _ int64) (arbitrator.Status, error) {
	return s.status, s.statusErr
}

func (s *stubArbitratorService) CurrentRuling(_ context.Context, _ int64) (int, error) {
	return s.ruling, s.rulingErr
}

type stubAccountService struct {
	balance    int64
	accounts   []funds.Account
	balanceErr error
	depositErr error
	listErr    error
}

func (s *stubAccountService) Balance(_ context.Context, _ string) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubAccountService) Deposit(_ context.Context, _ string, _ int64) error {
	return s.depositErr
}

func (s *stubAccountService) List(_ context.Context, _ int) ([]funds.Account, error) {
	return s.accounts, s.listErr
}

func authed(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func sampleTransaction() escrow.Transaction {
	return escrow.Transaction{
		ID:                1,
		Payer:             "user-1",
		Payee:             "user-2",
		Arbitrator:        "court",
		Value:             100,
		Status:            escrow.StatusInitial,
		ReclamationPeriod: 180 * time.Second,
		FeeDepositPeriod:  180 * time.Second,
		CreatedAt:         time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleCreateTransaction_Success(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txn: sampleTransaction()}}

	body := strings.NewReader(`{"payee":"user-2","arbitrator":"court","value":100,"reclamationPeriodSecs":180,"feeDepositPeriodSecs":180}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions", body), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactions(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 1 || resp.Status != "initial" || resp.Value != 100 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.ReclamationPeriodSecs != 180 {
		t.Fatalf("expected reclamation period 180s, got %d", resp.ReclamationPeriodSecs)
	}
}

func TestHandleCreateTransaction_InsufficientFunds(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{createErr: funds.ErrInsufficientFunds}}

	body := strings.NewReader(`{"payee":"user-2","arbitrator":"court","value":100,"reclamationPeriodSecs":180,"feeDepositPeriodSecs":180}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions", body), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactions(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleTransactionDetail_Get(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txn: sampleTransaction()}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/transactions/1", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleTransactionDetail_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{getErr: escrow.ErrNotFound}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/transactions/99", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleTransactionDetail_InvalidID(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/transactions/abc", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRelease_TooEarly(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{releaseErr: escrow.ErrReleasedTooEarly}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions/1/release", nil), "user-3", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleReclaim_NotPayer(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{reclaimErr: escrow.ErrNotPayer}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions/1/reclaim", strings.NewReader(`{"fee":10}`)), "user-2", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleReclaim_InsufficientFee(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{
		reclaimErr: &escrow.InsufficientPaymentError{Available: 5, Required: 10},
	}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions/1/reclaim", strings.NewReader(`{"fee":5}`)), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEvidence_ThirdParty(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{evidenceErr: escrow.ErrThirdPartyNotAllowed}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/transactions/1/evidence", strings.NewReader(`{"evidence":"receipt"}`)), "user-9", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleReclaimWindow(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{remaining: 120 * time.Second}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/transactions/1/reclaim-window", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleTransactionDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		RemainingSecs int64 `json:"remainingSecs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RemainingSecs != 120 {
		t.Fatalf("expected 120s remaining, got %d", payload.RemainingSecs)
	}
}

func TestHandleRuling_Success(t *testing.T) {
	ruledAt := time.Now().UTC()
	server := &Server{arbitratorService: &stubArbitratorService{
		dispute: arbitrator.Dispute{ID: 7, Status: arbitrator.StatusSolved, Ruling: 2, RuledAt: &ruledAt},
	}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/disputes/7/ruling", strings.NewReader(`{"ruling":2}`)), "judge", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.Status != "solved" || resp.Ruling != 2 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleRuling_NotOwner(t *testing.T) {
	server := &Server{arbitratorService: &stubArbitratorService{ruleErr: arbitrator.ErrNotOwner}}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/disputes/7/ruling", strings.NewReader(`{"ruling":1}`)), "mallory", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleDispute_NotFound(t *testing.T) {
	server := &Server{arbitratorService: &stubArbitratorService{statusErr: arbitrator.ErrNotFound}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/disputes/99", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleArbitrationCost(t *testing.T) {
	server := &Server{arbitratorService: &stubArbitratorService{cost: 10}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/arbitration/cost", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleArbitrationCost(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Cost int64 `json:"cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Cost != 10 {
		t.Fatalf("expected cost 10, got %d", payload.Cost)
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	server := &Server{authService: auth.NewService(nil, "secret")}

	handler := server.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/transactions/1", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleAccounts_OperatorLists(t *testing.T) {
	server := &Server{accountService: &stubAccountService{accounts: []funds.Account{
		{Owner: "user-1", Balance: 250},
		{Owner: "user-2", Balance: 100},
	}}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/accounts?limit=10", nil), "ops", auth.RoleOperator)
	rec := httptest.NewRecorder()

	server.handleAccounts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var accounts []accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accounts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(accounts) != 2 || accounts[0].Owner != "user-1" || accounts[0].Balance != 250 {
		t.Fatalf("unexpected accounts payload: %+v", accounts)
	}
}

func TestHandleAccounts_NonOperatorForbidden(t *testing.T) {
	server := &Server{accountService: &stubAccountService{}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/accounts", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleAccounts(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleBalance(t *testing.T) {
	server := &Server{accountService: &stubAccountService{balance: 250}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/accounts/balance", nil), "user-1", auth.RoleParticipant)
	rec := httptest.NewRecorder()

	server.handleBalance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Owner   string `json:"owner"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Owner != "user-1" || payload.Balance != 250 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
