package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/anomaly"
	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/mq"
	"github.com/umemepay/prepaid-billing/internal/repository"
	"github.com/umemepay/prepaid-billing/internal/units"
)

// SettlementPublisher is the slice of the event publisher the recorder needs.
type SettlementPublisher interface {
	PublishSettlementEvent(ctx context.Context, event mq.SettlementEvent) error
}

// ReconcileResult reports the outcome of a settlement callback. The webhook
// layer always converts it into a success acknowledgment toward the gateway;
// Success here is an internal tag for logging and replay decisions only.
type ReconcileResult struct {
	Success       bool
	Duplicate     bool
	TransactionID string
	Status        string
}

// Recorder owns transaction creation and settlement. It is the only writer
// of transaction records.
type Recorder struct {
	store     Store
	converter *units.Converter
	calc      *Calculator
	publisher SettlementPublisher
	detector  *anomaly.Detector
	logger    *zap.Logger
	now       func() time.Time
}

// NewRecorder creates a new transaction recorder. detector may be nil to
// disable payment anomaly flagging.
func NewRecorder(store Store, converter *units.Converter, calc *Calculator, publisher SettlementPublisher, detector *anomaly.Detector, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:     store,
		converter: converter,
		calc:      calc,
		publisher: publisher,
		detector:  detector,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateOnInitiation records a transaction right after the gateway
// acknowledges a payment request. The acknowledgment is provisional, not a
// settlement; callers pass the status the gateway's response code implies.
// On SUCCESS the user's payment metadata and cached balance are refreshed.
func (r *Recorder) CreateOnInitiation(ctx context.Context, meterNumber string, amount float64, status, reference string) (*db.Transaction, error) {
	user, err := r.store.FindUserByMeter(ctx, meterNumber)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	tx := &db.Transaction{
		UserID:        user.ID,
		MeterNumber:   meterNumber,
		Amount:        units.Round2(amount),
		Units:         r.converter.AmountToUnits(amount),
		Remainder:     r.converter.Remainder(amount),
		Status:        normalizeStatus(status),
		Reference:     reference,
		TransactionAt: now,
	}

	if err := r.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	r.logger.Info("transaction recorded on initiation",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("meter_number", meterNumber),
		zap.Float64("amount", tx.Amount),
		zap.Float64("units", tx.Units),
		zap.String("status", tx.Status),
	)

	if tx.Status == db.StatusSuccess {
		r.applySuccessfulPayment(ctx, tx)
	}

	return tx, nil
}

// ReconcileCallback processes an asynchronous settlement callback.
//
// A callback carrying a receipt number already on file is a duplicate and
// mutates nothing. A callback whose conversation id matches an existing
// transaction's reference settles that transaction in place; otherwise a new
// transaction is created for the referenced meter. Result code 0 maps to
// SUCCESS, anything else to FAILED.
func (r *Recorder) ReconcileCallback(ctx context.Context, raw []byte) (ReconcileResult, error) {
	fields, err := NormalizeCallback(raw, r.now)
	if err != nil {
		return ReconcileResult{}, err
	}

	if fields.ReceiptNumber != "" {
		existing, err := r.store.FindTransactionByReceipt(ctx, fields.ReceiptNumber)
		if err == nil {
			r.logger.Info("duplicate settlement callback ignored",
				zap.String("receipt_number", fields.ReceiptNumber),
				zap.String("transaction_id", existing.ID.String()),
			)
			return ReconcileResult{
				Success:       true,
				Duplicate:     true,
				TransactionID: existing.ID.String(),
				Status:        existing.Status,
			}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return ReconcileResult{}, fmt.Errorf("receipt lookup failed: %w", err)
		}
	}

	status := db.StatusFailed
	if fields.ResultCode == 0 {
		status = db.StatusSuccess
	}

	tx, err := r.settleOrCreate(ctx, fields, status, raw)
	if err != nil {
		return ReconcileResult{}, err
	}

	if status == db.StatusSuccess {
		r.applySuccessfulPayment(ctx, tx)
	} else if _, err := r.calc.RefreshUserUnits(ctx, tx.UserID); err != nil {
		// A FAILED settlement may reverse an optimistically credited
		// initiation; the recompute drops that credit from the cache.
		r.logger.Error("balance refresh after failed settlement failed",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}

	return ReconcileResult{
		Success:       true,
		TransactionID: tx.ID.String(),
		Status:        status,
	}, nil
}

func (r *Recorder) settleOrCreate(ctx context.Context, fields *CallbackFields, status string, raw []byte) (*db.Transaction, error) {
	settle := repository.SettleParams{
		Status:        status,
		RawPayload:    raw,
		TransactionAt: fields.TransactionAt,
	}
	if fields.ReceiptNumber != "" {
		settle.ReceiptNumber = &fields.ReceiptNumber
	}
	if fields.Phone != "" {
		settle.Phone = &fields.Phone
	}
	settle.ResultCode = &fields.ResultCode
	if fields.ResultDesc != "" {
		settle.ResultDesc = &fields.ResultDesc
	}

	if fields.ConversationID != "" {
		matched, err := r.store.FindTransactionByReference(ctx, fields.ConversationID)
		if err == nil {
			if err := r.store.SettleTransaction(ctx, matched.ID, settle); err != nil {
				return nil, err
			}
			r.logger.Info("settlement matched to initiated transaction",
				zap.String("transaction_id", matched.ID.String()),
				zap.String("conversation_id", fields.ConversationID),
				zap.String("status", status),
			)
			matched.Status = status
			matched.ReceiptNumber = settle.ReceiptNumber
			matched.Phone = settle.Phone
			matched.ResultCode = settle.ResultCode
			matched.ResultDesc = settle.ResultDesc
			matched.TransactionAt = fields.TransactionAt
			return matched, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("reference lookup failed: %w", err)
		}
	}

	user, err := r.store.FindUserByMeter(ctx, fields.BillRefNumber)
	if err != nil {
		return nil, err
	}

	tx := &db.Transaction{
		UserID:        user.ID,
		MeterNumber:   fields.BillRefNumber,
		Amount:        units.Round2(fields.Amount),
		Units:         r.converter.AmountToUnits(fields.Amount),
		Remainder:     r.converter.Remainder(fields.Amount),
		Status:        status,
		Reference:     fields.ConversationID,
		ReceiptNumber: settle.ReceiptNumber,
		Phone:         settle.Phone,
		ResultCode:    settle.ResultCode,
		ResultDesc:    settle.ResultDesc,
		RawPayload:    raw,
		TransactionAt: fields.TransactionAt,
	}
	if err := r.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	r.logger.Info("settlement created unmatched transaction",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("meter_number", fields.BillRefNumber),
		zap.String("status", status),
	)
	return tx, nil
}

// applySuccessfulPayment refreshes user payment metadata, the cached balance
// and the settlement event stream. The transaction record is already durable
// at this point and remains the source of truth: failures here are logged
// only, and a stale cache self-heals on the next recompute.
func (r *Recorder) applySuccessfulPayment(ctx context.Context, tx *db.Transaction) {
	r.flagAnomalousPayment(ctx, tx)

	if err := r.store.RecordUserPayment(ctx, tx.UserID, tx.ID, tx.Amount, tx.TransactionAt); err != nil {
		r.logger.Error("failed to record user payment metadata",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}

	if _, err := r.calc.RefreshUserUnits(ctx, tx.UserID); err != nil {
		r.logger.Error("balance refresh after payment failed",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}

	if r.publisher != nil {
		event := mq.SettlementEvent{
			TransactionID: tx.ID.String(),
			UserID:        tx.UserID.String(),
			MeterNumber:   tx.MeterNumber,
			Amount:        tx.Amount,
			Units:         tx.Units,
			Status:        tx.Status,
			SettledAt:     tx.TransactionAt.Format(time.RFC3339),
		}
		if tx.ReceiptNumber != nil {
			event.ReceiptNumber = *tx.ReceiptNumber
		}
		if err := r.publisher.PublishSettlementEvent(ctx, event); err != nil {
			r.logger.Error("failed to publish settlement event",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}
	}
}

// flagAnomalousPayment checks the settled amount against the user's previous
// settled payments. A flag is log-only; the settlement already happened and
// the ledger is never blocked on it.
func (r *Recorder) flagAnomalousPayment(ctx context.Context, tx *db.Transaction) {
	if r.detector == nil {
		return
	}

	history, err := r.store.ListTransactionsByUser(ctx, tx.UserID)
	if err != nil {
		r.logger.Warn("payment history unavailable for anomaly check",
			zap.String("user_id", tx.UserID.String()), zap.Error(err))
		return
	}

	var previousAmounts []float64
	for i := range history {
		if history[i].ID == tx.ID {
			continue
		}
		if strings.EqualFold(history[i].Status, db.StatusSuccess) || strings.EqualFold(history[i].Status, "completed") {
			previousAmounts = append(previousAmounts, history[i].Amount)
		}
	}

	if flagged, reason := r.detector.CheckAmount(tx.Amount, previousAmounts); flagged {
		r.logger.Warn("anomalous payment flagged",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("meter_number", tx.MeterNumber),
			zap.Float64("amount", tx.Amount),
			zap.String("reason", reason),
		)
	}
}

// HandleReplay processes a parked callback payload from the replay queue.
// Validation failures are permanent and go to the DLQ via the returned error.
func (r *Recorder) HandleReplay(ctx context.Context, body []byte) error {
	result, err := r.ReconcileCallback(ctx, body)
	if err != nil {
		return err
	}
	r.logger.Info("replayed settlement callback",
		zap.String("transaction_id", result.TransactionID),
		zap.Bool("duplicate", result.Duplicate),
		zap.String("status", result.Status),
	)
	return nil
}

func normalizeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case db.StatusSuccess, "COMPLETED":
		return db.StatusSuccess
	case db.StatusFailed:
		return db.StatusFailed
	default:
		return db.StatusPending
	}
}
