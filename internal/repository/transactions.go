package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/umemepay/prepaid-billing/internal/db"
)

const transactionColumns = `id, user_id, meter_number, amount, units, remainder, status,
	reference, receipt_number, phone, result_code, result_desc, raw_payload,
	transaction_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*db.Transaction, error) {
	var tx db.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.MeterNumber,
		&tx.Amount,
		&tx.Units,
		&tx.Remainder,
		&tx.Status,
		&tx.Reference,
		&tx.ReceiptNumber,
		&tx.Phone,
		&tx.ResultCode,
		&tx.ResultDesc,
		&tx.RawPayload,
		&tx.TransactionAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateTransaction persists a new transaction record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *db.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, user_id, meter_number, amount, units, remainder, status,
			reference, receipt_number, phone, result_code, result_desc,
			raw_payload, transaction_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`

	tx.ID = uuid.New()
	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt

	_, err := r.pool.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.MeterNumber,
		tx.Amount,
		tx.Units,
		tx.Remainder,
		tx.Status,
		tx.Reference,
		tx.ReceiptNumber,
		tx.Phone,
		tx.ResultCode,
		tx.ResultDesc,
		tx.RawPayload,
		tx.TransactionAt,
		tx.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction with receipt %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// SettleParams carries the fields written when a settlement callback
// finalizes a transaction.
type SettleParams struct {
	Status        string
	ReceiptNumber *string
	Phone         *string
	ResultCode    *int
	ResultDesc    *string
	RawPayload    []byte
	TransactionAt time.Time
}

// SettleTransaction finalizes an existing transaction in place.
func (r *Repository) SettleTransaction(ctx context.Context, id uuid.UUID, params SettleParams) error {
	query := `
		UPDATE transactions
		SET status = $2, receipt_number = $3, phone = $4, result_code = $5,
			result_desc = $6, raw_payload = $7, transaction_at = $8, updated_at = $9
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		id,
		params.Status,
		params.ReceiptNumber,
		params.Phone,
		params.ResultCode,
		params.ResultDesc,
		params.RawPayload,
		params.TransactionAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to settle transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindTransactionByID returns the transaction with the given id.
func (r *Repository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*db.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query transaction by id: %w", err)
	}
	return tx, nil
}

// FindTransactionByReceipt returns the transaction carrying the given gateway
// receipt number, used for duplicate-callback detection.
func (r *Repository) FindTransactionByReceipt(ctx context.Context, receiptNumber string) (*db.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE receipt_number = $1`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, receiptNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no transaction for receipt %s: %w", receiptNumber, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query transaction by receipt: %w", err)
	}
	return tx, nil
}

// FindTransactionByReference returns the most recent transaction whose
// gateway conversation id matches, used to pair callbacks with initiations.
func (r *Repository) FindTransactionByReference(ctx context.Context, reference string) (*db.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE reference = $1 ORDER BY created_at DESC LIMIT 1`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no transaction for reference %s: %w", reference, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query transaction by reference: %w", err)
	}
	return tx, nil
}

// ListTransactionsByUser returns a user's transactions, newest first.
func (r *Repository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]db.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []db.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return txs, nil
}

// SuccessfulTransactionStats aggregates a user's settled purchases. Legacy
// rows carrying the old "completed" status string count as settled.
func (r *Repository) SuccessfulTransactionStats(ctx context.Context, userID uuid.UUID) (totalAmount, totalUnits float64, count int, err error) {
	query := `
		SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(units), 0), COUNT(*)
		FROM transactions
		WHERE user_id = $1 AND LOWER(status) IN ('success', 'completed')
	`

	err = r.pool.QueryRow(ctx, query, userID).Scan(&totalAmount, &totalUnits, &count)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return totalAmount, totalUnits, count, nil
}
