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

const userColumns = `id, name, email, meter_number, phone, current_units,
	latest_transaction_id, last_payment_amount, last_payment_at, created_at`

func scanUser(row pgx.Row) (*db.User, error) {
	var u db.User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.MeterNumber,
		&u.Phone,
		&u.CurrentUnits,
		&u.LatestTransactionID,
		&u.LastPaymentAmount,
		&u.LastPaymentAt,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser registers a new user. Email and meter number are unique; a clash
// on either returns ErrDuplicate.
func (r *Repository) CreateUser(ctx context.Context, user *db.User) error {
	query := `
		INSERT INTO users (id, name, email, meter_number, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	user.ID = uuid.New()
	user.CreatedAt = time.Now().UTC()

	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.MeterNumber,
		user.Phone,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user with this email or meter number %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// FindUserByID returns the user with the given id.
func (r *Repository) FindUserByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user by id: %w", err)
	}
	return user, nil
}

// FindUserByMeter returns the user owning the given meter number.
func (r *Repository) FindUserByMeter(ctx context.Context, meterNumber string) (*db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE meter_number = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, meterNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no user for meter %s: %w", meterNumber, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user by meter: %w", err)
	}
	return user, nil
}

// FindUserByEmail returns the user registered under the given email.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no user for email: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	return user, nil
}

// ListUsers returns all registered users, oldest first. The consumption
// simulator walks this list every tick.
func (r *Repository) ListUsers(ctx context.Context) ([]db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []db.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return users, nil
}

// SetUserUnits overwrites the cached balance for a user. Callers must only
// pass values produced by a full recompute; the cache is never authoritative.
func (r *Repository) SetUserUnits(ctx context.Context, userID uuid.UUID, units float64) error {
	query := `UPDATE users SET current_units = $2 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, userID, units)
	if err != nil {
		return fmt.Errorf("failed to set user units: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// AddUserUnits applies an atomic delta to the cached balance, clamped at zero,
// and returns the resulting value. The read-modify-write happens in a single
// statement so concurrent increments never lose updates.
func (r *Repository) AddUserUnits(ctx context.Context, userID uuid.UUID, delta float64) (float64, error) {
	query := `
		UPDATE users
		SET current_units = GREATEST(ROUND((COALESCE(current_units, 0) + $2)::numeric, 2), 0)
		WHERE id = $1
		RETURNING current_units
	`

	var units float64
	err := r.pool.QueryRow(ctx, query, userID, delta).Scan(&units)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to adjust user units: %w", err)
	}
	return units, nil
}

// RecordUserPayment stamps the user with their latest successful transaction.
func (r *Repository) RecordUserPayment(ctx context.Context, userID, transactionID uuid.UUID, amount float64, paidAt time.Time) error {
	query := `
		UPDATE users
		SET latest_transaction_id = $2, last_payment_amount = $3, last_payment_at = $4
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, userID, transactionID, amount, paidAt)
	if err != nil {
		return fmt.Errorf("failed to record user payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}
