package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/repository"
)

// Store is the slice of the ledger store the billing services depend on.
// *repository.Repository satisfies it; tests provide an in-memory fake.
type Store interface {
	FindUserByMeter(ctx context.Context, meterNumber string) (*db.User, error)
	SetUserUnits(ctx context.Context, userID uuid.UUID, units float64) error
	RecordUserPayment(ctx context.Context, userID, transactionID uuid.UUID, amount float64, paidAt time.Time) error

	CreateTransaction(ctx context.Context, tx *db.Transaction) error
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]db.Transaction, error)
	SettleTransaction(ctx context.Context, id uuid.UUID, params repository.SettleParams) error
	FindTransactionByReceipt(ctx context.Context, receiptNumber string) (*db.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*db.Transaction, error)
	SuccessfulTransactionStats(ctx context.Context, userID uuid.UUID) (totalAmount, totalUnits float64, count int, err error)

	SumConsumedUnits(ctx context.Context, userID uuid.UUID) (float64, error)
}

var _ Store = (*repository.Repository)(nil)
