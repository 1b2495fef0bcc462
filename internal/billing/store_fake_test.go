package billing_test

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/repository"
)

// fakeStore is an in-memory ledger used by the billing tests.
type fakeStore struct {
	users        []*db.User
	transactions []*db.Transaction
	consumed     map[uuid.UUID]float64

	setUnitsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{consumed: make(map[uuid.UUID]float64)}
}

func (s *fakeStore) addUser(meterNumber string) *db.User {
	user := &db.User{
		ID:          uuid.New(),
		Name:        "Test User",
		Email:       meterNumber + "@example.com",
		MeterNumber: meterNumber,
		CreatedAt:   time.Now().UTC(),
	}
	s.users = append(s.users, user)
	return user
}

func (s *fakeStore) FindUserByMeter(_ context.Context, meterNumber string) (*db.User, error) {
	for _, u := range s.users {
		if u.MeterNumber == meterNumber {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no user for meter %s: %w", meterNumber, repository.ErrNotFound)
}

func (s *fakeStore) SetUserUnits(_ context.Context, userID uuid.UUID, units float64) error {
	if s.setUnitsErr != nil {
		return s.setUnitsErr
	}
	for _, u := range s.users {
		if u.ID == userID {
			v := units
			u.CurrentUnits = &v
			return nil
		}
	}
	return fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
}

func (s *fakeStore) RecordUserPayment(_ context.Context, userID, transactionID uuid.UUID, amount float64, paidAt time.Time) error {
	for _, u := range s.users {
		if u.ID == userID {
			txID := transactionID
			amt := amount
			at := paidAt
			u.LatestTransactionID = &txID
			u.LastPaymentAmount = &amt
			u.LastPaymentAt = &at
			return nil
		}
	}
	return fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
}

func (s *fakeStore) CreateTransaction(_ context.Context, tx *db.Transaction) error {
	tx.ID = uuid.New()
	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *fakeStore) ListTransactionsByUser(_ context.Context, userID uuid.UUID) ([]db.Transaction, error) {
	var txs []db.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			txs = append(txs, *s.transactions[i])
		}
	}
	return txs, nil
}

func (s *fakeStore) SettleTransaction(_ context.Context, id uuid.UUID, params repository.SettleParams) error {
	for _, tx := range s.transactions {
		if tx.ID == id {
			tx.Status = params.Status
			tx.ReceiptNumber = params.ReceiptNumber
			tx.Phone = params.Phone
			tx.ResultCode = params.ResultCode
			tx.ResultDesc = params.ResultDesc
			tx.RawPayload = params.RawPayload
			tx.TransactionAt = params.TransactionAt
			tx.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("transaction %s: %w", id, repository.ErrNotFound)
}

func (s *fakeStore) FindTransactionByReceipt(_ context.Context, receiptNumber string) (*db.Transaction, error) {
	for _, tx := range s.transactions {
		if tx.ReceiptNumber != nil && *tx.ReceiptNumber == receiptNumber {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("no transaction for receipt: %w", repository.ErrNotFound)
}

func (s *fakeStore) FindTransactionByReference(_ context.Context, reference string) (*db.Transaction, error) {
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].Reference == reference {
			return s.transactions[i], nil
		}
	}
	return nil, fmt.Errorf("no transaction for reference: %w", repository.ErrNotFound)
}

func (s *fakeStore) SuccessfulTransactionStats(_ context.Context, userID uuid.UUID) (float64, float64, int, error) {
	var totalAmount, totalUnits float64
	var count int
	for _, tx := range s.transactions {
		if tx.UserID != userID {
			continue
		}
		switch strings.ToLower(tx.Status) {
		case "success", "completed":
			totalAmount += tx.Amount
			totalUnits += tx.Units
			count++
		}
	}
	return totalAmount, totalUnits, count, nil
}

func (s *fakeStore) SumConsumedUnits(_ context.Context, userID uuid.UUID) (float64, error) {
	return s.consumed[userID], nil
}
