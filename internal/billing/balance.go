package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/units"
)

// BalanceSummary is the aggregate reporting view of a user's account.
type BalanceSummary struct {
	TotalAmountPaid     float64 `json:"totalAmountPaid"`
	TotalUnitsPurchased float64 `json:"totalUnitsPurchased"`
	AvailableUnits      float64 `json:"availableUnits"`
	TransactionCount    int     `json:"transactionCount"`
}

// MeterBalance is the user-facing balance of a single meter.
type MeterBalance struct {
	AvailableUnits float64   `json:"availableUnits"`
	Timestamp      time.Time `json:"timestamp"`
}

// Calculator derives available units from the transaction and consumption
// history. The recomputation here is ground truth; the cached current_units
// field on the user row is only ever written with values this type produced.
type Calculator struct {
	store  Store
	logger *zap.Logger
}

// NewCalculator creates a new balance calculator
func NewCalculator(store Store, logger *zap.Logger) *Calculator {
	return &Calculator{store: store, logger: logger}
}

// AvailableUnits recomputes a user's balance from the full event history:
// sum of settled purchase units minus sum of consumed units, clamped at zero.
// Recompute-from-source is order-independent, so it stays correct even when a
// settlement and a consumption tick race on the same user.
func (c *Calculator) AvailableUnits(ctx context.Context, userID uuid.UUID) (float64, error) {
	_, purchased, _, err := c.store.SuccessfulTransactionStats(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum purchased units: %w", err)
	}

	consumed, err := c.store.SumConsumedUnits(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum consumed units: %w", err)
	}

	available := units.Round2(purchased - consumed)
	if available < 0 {
		available = 0
	}
	return available, nil
}

// RefreshUserUnits recomputes the balance and persists it into the cache
// field on the user row, returning the recomputed value.
func (c *Calculator) RefreshUserUnits(ctx context.Context, userID uuid.UUID) (float64, error) {
	available, err := c.AvailableUnits(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := c.store.SetUserUnits(ctx, userID, available); err != nil {
		return available, fmt.Errorf("failed to persist balance cache: %w", err)
	}
	return available, nil
}

// UserBalance builds the aggregate reporting view. The transaction count
// covers settled transactions only.
func (c *Calculator) UserBalance(ctx context.Context, userID uuid.UUID) (*BalanceSummary, error) {
	totalAmount, totalUnits, count, err := c.store.SuccessfulTransactionStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}

	available, err := c.AvailableUnits(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &BalanceSummary{
		TotalAmountPaid:     units.Round2(totalAmount),
		TotalUnitsPurchased: units.Round2(totalUnits),
		AvailableUnits:      available,
		TransactionCount:    count,
	}, nil
}

// BalanceByMeter answers the user-facing balance query. The cached value on
// the user row is preferred; when the cache has never been written the
// balance is recomputed and the cache filled in passing.
func (c *Calculator) BalanceByMeter(ctx context.Context, meterNumber string) (*MeterBalance, error) {
	user, err := c.store.FindUserByMeter(ctx, meterNumber)
	if err != nil {
		return nil, err
	}

	if user.CurrentUnits != nil {
		return &MeterBalance{
			AvailableUnits: units.Round2(*user.CurrentUnits),
			Timestamp:      time.Now().UTC(),
		}, nil
	}

	available, err := c.AvailableUnits(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetUserUnits(ctx, user.ID, available); err != nil {
		c.logger.Warn("balance cache fill failed, serving recomputed value",
			zap.String("meter_number", meterNumber), zap.Error(err))
	}

	return &MeterBalance{
		AvailableUnits: available,
		Timestamp:      time.Now().UTC(),
	}, nil
}
