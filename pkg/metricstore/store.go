// Package metricstore persists per-ad performance observations. Rows are
// append-only per (ad_id, window); re-ingesting an already-recorded window
// is a no-op rather than an overwrite.
package metricstore

import (
	"context"
	"time"

	"adpilot/pkg/models"
)

// Store is the read/write surface the detection pipeline depends on.
// The write side is fed by the ingestion pipeline outside this subsystem.
type Store interface {
	RecordObservations(ctx context.Context, obs []models.PerformanceObservation) error
	// GetObservations returns all observations for the account whose
	// window overlaps [from, to), ordered by (ad_id, window_start).
	GetObservations(ctx context.Context, accountID string, from, to time.Time) ([]models.PerformanceObservation, error)
}
