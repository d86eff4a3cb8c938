package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"adpilot/pkg/models"
)

// PostgresStore stores observations in the ad_observations table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RecordObservations appends windows inside one transaction. Conflicting
// (ad_id, window) rows are skipped: observations are immutable once written.
func (s *PostgresStore) RecordObservations(ctx context.Context, obs []models.PerformanceObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metricstore: begin: %w", err)
	}
	defer tx.Rollback()

	for _, o := range obs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ad_observations (ad_id, account_id, window_start, window_end, impressions, clicks, spend, revenue)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ad_id, window_start, window_end) DO NOTHING`,
			o.AdID, o.AccountID, o.WindowStart, o.WindowEnd, o.Impressions, o.Clicks, o.Spend, o.Revenue)
		if err != nil {
			return fmt.Errorf("metricstore: insert observation for ad %s: %w", o.AdID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metricstore: commit: %w", err)
	}
	return nil
}

// GetObservations returns windows overlapping [from, to) for the account.
func (s *PostgresStore) GetObservations(ctx context.Context, accountID string, from, to time.Time) ([]models.PerformanceObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ad_id, account_id, window_start, window_end, impressions, clicks, spend, revenue
		FROM ad_observations
		WHERE account_id = $1 AND window_end > $2 AND window_start < $3
		ORDER BY ad_id, window_start`,
		accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("metricstore: query observations: %w", err)
	}
	defer rows.Close()

	var out []models.PerformanceObservation
	for rows.Next() {
		var o models.PerformanceObservation
		if err := rows.Scan(&o.AdID, &o.AccountID, &o.WindowStart, &o.WindowEnd, &o.Impressions, &o.Clicks, &o.Spend, &o.Revenue); err != nil {
			return nil, fmt.Errorf("metricstore: scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
