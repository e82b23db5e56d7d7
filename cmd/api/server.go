package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/funds"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Transaction, error)
	Get(ctx context.Context, txID int64) (escrow.Transaction, error)
	Release(ctx context.Context, txID int64, caller string) (escrow.Transaction, error)
	Reclaim(ctx context.Context, txID int64, caller string, depositedFee int64) (escrow.Transaction, error)
	DepositArbitrationFeeForPayee(ctx context.Context, txID int64, caller string, depositedFee int64) (escrow.Transaction, error)
	SubmitEvidence(ctx context.Context, txID int64, caller string, evidence string) error
	RemainingTimeToReclaim(ctx context.Context, txID int64) (time.Duration, error)
	RemainingTimeToDepositFee(ctx context.Context, txID int64) (time.Duration, error)
}

type arbitratorService interface {
	ArbitrationCost(ctx context.Context) (int64, error)
	SetArbitrationCost(ctx context.Context, caller string, fee int64) error
	Rule(ctx context.Context, disputeID int64, ruling int, caller string) (arbitrator.Dispute, error)
	DisputeStatus(ctx context.Context, disputeID int64) (arbitrator.Status, error)
	CurrentRuling(ctx context.Context, disputeID int64) (int, error)
}

type accountService interface {
	Balance(ctx context.Context, owner string) (int64, error)
	Deposit(ctx context.Context, owner string, amount int64) error
	List(ctx context.Context, limit int) ([]funds.Account, error)
}

// Server holds the HTTP handlers and their service dependencies.
type Server struct {
	authService       *auth.Service
	escrowService     escrowService
	arbitratorService arbitratorService
	accountService    accountService
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/transactions", s.requireAuth(http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/api/transactions/", s.requireAuth(http.HandlerFunc(s.handleTransactionDetail)))
	mux.Handle("/api/disputes/", s.requireAuth(http.HandlerFunc(s.handleDisputeDetail)))
	mux.Handle("/api/arbitration/cost", s.requireAuth(http.HandlerFunc(s.handleArbitrationCost)))
	mux.Handle("/api/accounts", s.requireAuth(http.HandlerFunc(s.handleAccounts)))
	mux.Handle("/api/accounts/balance", s.requireAuth(http.HandlerFunc(s.handleBalance)))
	mux.Handle("/api/accounts/deposit", s.requireAuth(http.HandlerFunc(s.handleDeposit)))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     auth.Role(req.Role),
	})
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		if errors.Is(err, auth.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:        result.User.ID,
			Email:     result.User.Email,
			FullName:  result.User.FullName,
			Role:      string(result.User.Role),
			CreatedAt: result.User.CreatedAt.Format(time.RFC3339),
		},
	})
}

type createTransactionRequest struct {
	Payee                 string `json:"payee"`
	Arbitrator            string `json:"arbitrator"`
	Metadata              string `json:"metadata"`
	Value                 int64  `json:"value"`
	ReclamationPeriodSecs int64  `json:"reclamationPeriodSecs"`
	FeeDepositPeriodSecs  int64  `json:"feeDepositPeriodSecs"`
}

type transactionResponse struct {
	ID                    int64  `json:"id"`
	Payer                 string `json:"payer"`
	Payee                 string `json:"payee"`
	Arbitrator            string `json:"arbitrator"`
	Value                 int64  `json:"value"`
	Status                string `json:"status"`
	PayerFeeDeposit       int64  `json:"payerFeeDeposit"`
	PayeeFeeDeposit       int64  `json:"payeeFeeDeposit"`
	DisputeID             *int64 `json:"disputeId,omitempty"`
	ReclamationPeriodSecs int64  `json:"reclamationPeriodSecs"`
	FeeDepositPeriodSecs  int64  `json:"feeDepositPeriodSecs"`
	CreatedAt             string `json:"createdAt"`
	ReclaimedAt           string `json:"reclaimedAt,omitempty"`
	ResolvedAt            string `json:"resolvedAt,omitempty"`
}

func toTransactionResponse(t escrow.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                    t.ID,
		Payer:                 t.Payer,
		Payee:                 t.Payee,
		Arbitrator:            t.Arbitrator,
		Value:                 t.Value,
		Status:                string(t.Status),
		PayerFeeDeposit:       t.PayerFeeDeposit,
		PayeeFeeDeposit:       t.PayeeFeeDeposit,
		DisputeID:             t.DisputeID,
		ReclamationPeriodSecs: int64(t.ReclamationPeriod / time.Second),
		FeeDepositPeriodSecs:  int64(t.FeeDepositPeriod / time.Second),
		CreatedAt:             t.CreatedAt.Format(time.RFC3339),
	}
	if t.ReclaimedAt != nil {
		resp.ReclaimedAt = t.ReclaimedAt.Format(time.RFC3339)
	}
	if t.ResolvedAt != nil {
		resp.ResolvedAt = t.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	caller, ok := r.Context().Value(ctxKeyUserID).(string)
	if !ok || caller == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	created, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		Payer:             caller,
		Payee:             req.Payee,
		Arbitrator:        req.Arbitrator,
		Metadata:          req.Metadata,
		Value:             req.Value,
		ReclamationPeriod: time.Duration(req.ReclamationPeriodSecs) * time.Second,
		FeeDepositPeriod:  time.Duration(req.FeeDepositPeriodSecs) * time.Second,
	})
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(created))
}

// handleTransactionDetail routes /api/transactions/{id} and its
// sub-resources: release, reclaim, payee-fee, evidence, reclaim-window,
// fee-deposit-window.
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	idPart, action, _ := strings.Cut(rest, "/")
	txID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || txID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	caller, _ := r.Context().Value(ctxKeyUserID).(string)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		t, err := s.escrowService.Get(r.Context(), txID)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(t))

	case action == "release" && r.Method == http.MethodPost:
		t, err := s.escrowService.Release(r.Context(), txID, caller)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(t))

	case action == "reclaim" && r.Method == http.MethodPost:
		var req struct {
			Fee int64 `json:"fee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		t, err := s.escrowService.Reclaim(r.Context(), txID, caller, req.Fee)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(t))

	case action == "payee-fee" && r.Method == http.MethodPost:
		var req struct {
			Fee int64 `json:"fee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		t, err := s.escrowService.DepositArbitrationFeeForPayee(r.Context(), txID, caller, req.Fee)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionResponse(t))

	case action == "evidence" && r.Method == http.MethodPost:
		var req struct {
			Evidence string `json:"evidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.escrowService.SubmitEvidence(r.Context(), txID, caller, req.Evidence); err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})

	case action == "reclaim-window" && r.Method == http.MethodGet:
		rem, err := s.escrowService.RemainingTimeToReclaim(r.Context(), txID)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"remainingSecs": int64(rem / time.Second)})

	case action == "fee-deposit-window" && r.Method == http.MethodGet:
		rem, err := s.escrowService.RemainingTimeToDepositFee(r.Context(), txID)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"remainingSecs": int64(rem / time.Second)})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type disputeResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Ruling int    `json:"ruling"`
}

// handleDisputeDetail routes /api/disputes/{id} and /api/disputes/{id}/ruling.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	idPart, action, _ := strings.Cut(rest, "/")
	disputeID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || disputeID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}

	caller, _ := r.Context().Value(ctxKeyUserID).(string)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		status, err := s.arbitratorService.DisputeStatus(r.Context(), disputeID)
		if err != nil {
			writeArbitratorError(w, err)
			return
		}
		ruling, err := s.arbitratorService.CurrentRuling(r.Context(), disputeID)
		if err != nil {
			writeArbitratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disputeResponse{ID: disputeID, Status: string(status), Ruling: ruling})

	case action == "ruling" && r.Method == http.MethodPost:
		var req struct {
			Ruling int `json:"ruling"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		ruled, err := s.arbitratorService.Rule(r.Context(), disputeID, req.Ruling, caller)
		if err != nil {
			writeArbitratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disputeResponse{ID: ruled.ID, Status: string(ruled.Status), Ruling: ruled.Ruling})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleArbitrationCost(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cost, err := s.arbitratorService.ArbitrationCost(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query cost")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"cost": cost})

	case http.MethodPut:
		caller, _ := r.Context().Value(ctxKeyUserID).(string)
		var req struct {
			Cost int64 `json:"cost"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.arbitratorService.SetArbitrationCost(r.Context(), caller, req.Cost); err != nil {
			writeArbitratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"cost": req.Cost})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type accountResponse struct {
	Owner     string `json:"owner"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// handleAccounts lists ledger accounts. Operator only.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if role != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	accounts, err := s.accountService.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list accounts")
		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{
			Owner:     a.Owner,
			Balance:   a.Balance,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
			UpdatedAt: a.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	caller, _ := r.Context().Value(ctxKeyUserID).(string)
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = caller
	}

	balance, err := s.accountService.Balance(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "balance": balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	caller, _ := r.Context().Value(ctxKeyUserID).(string)
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.accountService.Deposit(r.Context(), caller, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := s.accountService.Balance(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": caller, "balance": balance})
}

func writeEscrowError(w http.ResponseWriter, err error) {
	var insufficient *escrow.InsufficientPaymentError
	var invalidRuling *escrow.InvalidRulingError

	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, escrow.ErrNotPayer),
		errors.Is(err, escrow.ErrNotArbitrator),
		errors.Is(err, escrow.ErrThirdPartyNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrReleasedTooEarly),
		errors.Is(err, escrow.ErrReclaimedTooLate),
		errors.Is(err, escrow.ErrPayeeDepositStillPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrUnknownArbitrator):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient), errors.As(err, &invalidRuling):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, funds.ErrInsufficientFunds), errors.Is(err, funds.ErrNoAccount):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var arbInsufficient *arbitrator.InsufficientPaymentError
		if errors.As(err, &arbInsufficient) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeArbitratorError(w http.ResponseWriter, err error) {
	var invalidRuling *arbitrator.InvalidRulingError

	switch {
	case errors.Is(err, arbitrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, arbitrator.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, arbitrator.ErrInvalidStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalidRuling):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		// Ruling delivery runs the registry's payout in the same call, so
		// registry-side guards surface here too.
		writeEscrowError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
