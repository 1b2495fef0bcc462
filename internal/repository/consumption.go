package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/umemepay/prepaid-billing/internal/db"
)

// CreateConsumptionRecord persists a single drain event.
func (r *Repository) CreateConsumptionRecord(ctx context.Context, record *db.ConsumptionRecord) error {
	query := `
		INSERT INTO consumption_records (
			id, user_id, units_consumed, units_before, units_after, rate, kind, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	record.ID = uuid.New()
	record.CreatedAt = time.Now().UTC()

	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.UserID,
		record.UnitsConsumed,
		record.UnitsBefore,
		record.UnitsAfter,
		record.Rate,
		record.Kind,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create consumption record: %w", err)
	}

	return nil
}

// SumConsumedUnits totals every drain recorded against a user.
func (r *Repository) SumConsumedUnits(ctx context.Context, userID uuid.UUID) (float64, error) {
	query := `
		SELECT COALESCE(SUM(units_consumed), 0)
		FROM consumption_records
		WHERE user_id = $1
	`

	var total float64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to aggregate consumption: %w", err)
	}
	return total, nil
}

// ListConsumptionByUser returns a user's drain history, newest first.
func (r *Repository) ListConsumptionByUser(ctx context.Context, userID uuid.UUID) ([]db.ConsumptionRecord, error) {
	query := `
		SELECT id, user_id, units_consumed, units_before, units_after, rate, kind, created_at
		FROM consumption_records
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumption records: %w", err)
	}
	defer rows.Close()

	var records []db.ConsumptionRecord
	for rows.Next() {
		var rec db.ConsumptionRecord
		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.UnitsConsumed,
			&rec.UnitsBefore,
			&rec.UnitsAfter,
			&rec.Rate,
			&rec.Kind,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumption record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
