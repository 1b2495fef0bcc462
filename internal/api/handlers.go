package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/billing"
	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/gateway"
	"github.com/umemepay/prepaid-billing/internal/logging"
	"github.com/umemepay/prepaid-billing/internal/ratelimit"
	"github.com/umemepay/prepaid-billing/internal/repository"
	"github.com/umemepay/prepaid-billing/internal/units"
)

// Store is the slice of the ledger store the handlers depend on.
// *repository.Repository satisfies it; tests provide an in-memory fake.
type Store interface {
	CreateUser(ctx context.Context, user *db.User) error
	FindUserByMeter(ctx context.Context, meterNumber string) (*db.User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	FindUserByEmail(ctx context.Context, email string) (*db.User, error)
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]db.Transaction, error)
	ListConsumptionByUser(ctx context.Context, userID uuid.UUID) ([]db.ConsumptionRecord, error)
	CreateConsumptionRecord(ctx context.Context, record *db.ConsumptionRecord) error
	AddUserUnits(ctx context.Context, userID uuid.UUID, delta float64) (float64, error)
}

var _ Store = (*repository.Repository)(nil)

// Reconciler owns transaction creation and settlement reconciliation.
type Reconciler interface {
	CreateOnInitiation(ctx context.Context, meterNumber string, amount float64, status, reference string) (*db.Transaction, error)
	ReconcileCallback(ctx context.Context, raw []byte) (billing.ReconcileResult, error)
}

var _ Reconciler = (*billing.Recorder)(nil)

// PaymentInitiator is the slice of the gateway client the handlers need.
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, meterNumber, phone string, amount float64) (*gateway.InitiationResponse, error)
}

// ReplayQueue parks callback payloads that failed to reconcile in-request.
type ReplayQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// RateLimits configures per-minute request budgets. Zero disables a limit.
type RateLimits struct {
	PaymentPerMinute int
	BalancePerMinute int
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	repo      Store
	recorder  Reconciler
	calc      *billing.Calculator
	initiator PaymentInitiator
	replay    ReplayQueue
	limiter   *ratelimit.Limiter
	limits    RateLimits
	logger    *zap.Logger
}

// NewHandlers creates the handler set. initiator, replay and limiter may be
// nil; the corresponding features degrade to disabled.
func NewHandlers(
	repo Store,
	recorder Reconciler,
	calc *billing.Calculator,
	initiator PaymentInitiator,
	replay ReplayQueue,
	limiter *ratelimit.Limiter,
	limits RateLimits,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		repo:      repo,
		recorder:  recorder,
		calc:      calc,
		initiator: initiator,
		replay:    replay,
		limiter:   limiter,
		limits:    limits,
		logger:    logger,
	}
}

type registerRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	MeterNumber string `json:"meter_number"`
	Phone       string `json:"phone"`
}

// RegisterUser handles POST /api/v1/users.
func (h *Handlers) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" || req.MeterNumber == "" {
		writeError(w, http.StatusBadRequest, "name, email and meter_number are required")
		return
	}

	user := &db.User{
		Name:        req.Name,
		Email:       req.Email,
		MeterNumber: req.MeterNumber,
		Phone:       req.Phone,
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			msg := "user with this meter number already exists"
			if _, lookupErr := h.repo.FindUserByEmail(r.Context(), req.Email); lookupErr == nil {
				msg = "user with this email already exists"
			}
			writeError(w, http.StatusConflict, msg)
			return
		}
		h.logger.Error("user registration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           user.ID.String(),
		"meter_number": user.MeterNumber,
		"created_at":   user.CreatedAt.Format(time.RFC3339),
	})
}

type paymentRequest struct {
	MeterNumber string  `json:"meter_number"`
	Phone       string  `json:"phone"`
	Amount      float64 `json:"amount"`
}

// InitiatePayment handles POST /api/v1/payments. It asks the gateway to
// charge the phone, then records the acknowledged transaction. Settlement
// arrives later on the callback endpoint.
func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MeterNumber == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "meter_number and a positive amount are required")
		return
	}

	if !h.allow(w, r, "payment", req.MeterNumber, h.limits.PaymentPerMinute) {
		return
	}

	if h.initiator == nil {
		writeError(w, http.StatusServiceUnavailable, "payment gateway is not configured")
		return
	}

	ack, err := h.initiator.InitiatePayment(r.Context(), req.MeterNumber, req.Phone, req.Amount)
	if err != nil {
		var gatewayErr *gateway.ErrorResponse
		if errors.As(err, &gatewayErr) {
			writeError(w, http.StatusBadGateway, gatewayErr.Error())
			return
		}
		h.logger.Error("payment initiation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment could not be initiated")
		return
	}
	if !ack.Accepted() {
		msg := ack.ResponseDescription
		if msg == "" {
			msg = "payment request was rejected by the gateway"
		}
		writeError(w, http.StatusBadGateway, msg)
		return
	}

	tx, err := h.recorder.CreateOnInitiation(r.Context(), req.MeterNumber, req.Amount, db.StatusSuccess, ack.ConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		h.logger.Error("failed to record initiated transaction",
			zap.String("conversation_id", ack.ConversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "payment accepted but could not be recorded")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"transaction_id":  tx.ID.String(),
		"conversation_id": ack.ConversationID,
		"units":           tx.Units,
		"remainder":       tx.Remainder,
		"status":          tx.Status,
	})
}

// callbackAck is the gateway-formatted acknowledgment. The gateway retries
// on anything that is not a success acknowledgment, so this endpoint always
// reports ResultCode 0 regardless of the internal outcome.
type callbackAck struct {
	ResultCode    int    `json:"ResultCode"`
	ResultDesc    string `json:"ResultDesc"`
	TransactionID string `json:"TransactionID,omitempty"`
}

// SettlementCallback handles POST /api/v1/payments/callback.
func (h *Handlers) SettlementCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("failed to read callback body", zap.Error(err))
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	result, err := h.recorder.ReconcileCallback(r.Context(), body)
	if err != nil {
		h.logger.Error("callback reconciliation failed", zap.Error(err))
		// Validation failures are permanent; everything else is parked for
		// out-of-band replay. The gateway is acknowledged either way.
		if h.replay != nil && !errors.Is(err, billing.ErrMissingBillRef) {
			if enqErr := h.replay.Enqueue(r.Context(), body); enqErr != nil {
				h.logger.Error("failed to enqueue callback for replay", zap.Error(enqErr))
			}
		}
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	desc := "Accepted"
	if result.Duplicate {
		desc = "Duplicate"
	}
	writeJSON(w, http.StatusOK, callbackAck{
		ResultCode:    0,
		ResultDesc:    desc,
		TransactionID: result.TransactionID,
	})
}

// GetBalance handles GET /api/v1/balance/{meterNumber}.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	meterNumber := chi.URLParam(r, "meterNumber")

	if !h.allow(w, r, "balance", meterNumber, h.limits.BalancePerMinute) {
		return
	}

	balance, err := h.calc.BalanceByMeter(r.Context(), meterNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		logging.WithMeter(h.logger, meterNumber).Error("balance query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "balance query failed")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetBalanceSummary handles GET /api/v1/users/{meterNumber}/balance.
func (h *Handlers) GetBalanceSummary(w http.ResponseWriter, r *http.Request) {
	meterNumber := chi.URLParam(r, "meterNumber")

	user, err := h.repo.FindUserByMeter(r.Context(), meterNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	summary, err := h.calc.UserBalance(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("balance summary failed",
			zap.String("user_id", user.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "balance summary failed")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListTransactions handles GET /api/v1/users/{meterNumber}/transactions.
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	meterNumber := chi.URLParam(r, "meterNumber")

	user, err := h.repo.FindUserByMeter(r.Context(), meterNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	txs, err := h.repo.ListTransactionsByUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("transaction list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "transaction list failed")
		return
	}

	type transactionView struct {
		ID            string  `json:"id"`
		Amount        float64 `json:"amount"`
		Units         float64 `json:"units"`
		Status        string  `json:"status"`
		Reference     string  `json:"reference,omitempty"`
		ReceiptNumber string  `json:"receipt_number,omitempty"`
		TransactionAt string  `json:"transaction_at"`
	}

	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		v := transactionView{
			ID:            tx.ID.String(),
			Amount:        tx.Amount,
			Units:         tx.Units,
			Status:        tx.Status,
			Reference:     tx.Reference,
			TransactionAt: tx.TransactionAt.Format(time.RFC3339),
		}
		if tx.ReceiptNumber != nil {
			v.ReceiptNumber = *tx.ReceiptNumber
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
}

// GetTransaction handles GET /api/v1/transactions/{transactionID}. Clients
// poll it after initiation to learn the settlement outcome.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	tx, err := h.repo.FindTransactionByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("transaction lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	owner, err := h.repo.FindUserByID(r.Context(), tx.UserID)
	if err != nil {
		h.logger.Error("transaction owner lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := map[string]any{
		"id":             tx.ID.String(),
		"meter_number":   tx.MeterNumber,
		"owner_name":     owner.Name,
		"amount":         tx.Amount,
		"units":          tx.Units,
		"remainder":      tx.Remainder,
		"status":         tx.Status,
		"reference":      tx.Reference,
		"transaction_at": tx.TransactionAt.Format(time.RFC3339),
	}
	if tx.ReceiptNumber != nil {
		resp["receipt_number"] = *tx.ReceiptNumber
	}
	if tx.ResultDesc != nil {
		resp["result_desc"] = *tx.ResultDesc
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListConsumption handles GET /api/v1/users/{meterNumber}/consumption.
func (h *Handlers) ListConsumption(w http.ResponseWriter, r *http.Request) {
	meterNumber := chi.URLParam(r, "meterNumber")

	user, err := h.repo.FindUserByMeter(r.Context(), meterNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	records, err := h.repo.ListConsumptionByUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("consumption list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "consumption list failed")
		return
	}

	type consumptionView struct {
		UnitsConsumed float64 `json:"units_consumed"`
		UnitsBefore   float64 `json:"units_before"`
		UnitsAfter    float64 `json:"units_after"`
		Kind          string  `json:"kind"`
		RecordedAt    string  `json:"recorded_at"`
	}

	views := make([]consumptionView, 0, len(records))
	for _, rec := range records {
		views = append(views, consumptionView{
			UnitsConsumed: rec.UnitsConsumed,
			UnitsBefore:   rec.UnitsBefore,
			UnitsAfter:    rec.UnitsAfter,
			Kind:          rec.Kind,
			RecordedAt:    rec.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"consumption": views})
}

type consumptionRequest struct {
	MeterNumber string  `json:"meter_number"`
	Units       float64 `json:"units"`
}

// ReportConsumption handles POST /api/v1/consumption, the device-facing
// drain endpoint. The route is guarded by the shared-secret middleware.
func (h *Handlers) ReportConsumption(w http.ResponseWriter, r *http.Request) {
	var req consumptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MeterNumber == "" || req.Units <= 0 {
		writeError(w, http.StatusBadRequest, "meter_number and positive units are required")
		return
	}

	user, err := h.repo.FindUserByMeter(r.Context(), req.MeterNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user owns this meter")
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	available, err := h.calc.AvailableUnits(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("balance recompute failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "consumption could not be recorded")
		return
	}

	consumed := units.Round2(req.Units)
	if consumed > available {
		consumed = available
	}
	if consumed <= 0 {
		writeJSON(w, http.StatusOK, map[string]any{"units_consumed": 0.0, "units_after": available})
		return
	}

	record := &db.ConsumptionRecord{
		UserID:        user.ID,
		UnitsConsumed: consumed,
		UnitsBefore:   available,
		UnitsAfter:    units.Round2(available - consumed),
		Rate:          req.Units,
		Kind:          db.ConsumptionManual,
	}
	if err := h.repo.CreateConsumptionRecord(r.Context(), record); err != nil {
		h.logger.Error("failed to record consumption", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "consumption could not be recorded")
		return
	}

	after, err := h.repo.AddUserUnits(r.Context(), user.ID, -consumed)
	if err != nil {
		h.logger.Error("atomic balance decrement failed, cache heals on next recompute",
			zap.String("user_id", user.ID.String()), zap.Error(err))
		after = record.UnitsAfter
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"units_consumed": consumed,
		"units_after":    after,
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

// allow applies the fixed-window limit and writes a 429 when exhausted.
// Returns false when the request must not proceed.
func (h *Handlers) allow(w http.ResponseWriter, r *http.Request, scope, subject string, limit int) bool {
	if h.limiter == nil || limit <= 0 {
		return true
	}

	count, retryAfter, err := h.limiter.Consume(r.Context(), scope, subject, limit, time.Minute)
	if err != nil {
		// Rate limiting is best effort; a broken limiter never blocks payments.
		h.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfter))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
