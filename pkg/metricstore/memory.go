package metricstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"adpilot/pkg/models"
)

// MemoryStore is an in-memory Store for tests and dry-run tooling.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []models.PerformanceObservation
	seen map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func obsKey(o models.PerformanceObservation) string {
	return o.AdID + "|" + o.WindowStart.UTC().Format(time.RFC3339Nano) + "|" + o.WindowEnd.UTC().Format(time.RFC3339Nano)
}

// RecordObservations appends new windows, skipping already-recorded ones.
func (s *MemoryStore) RecordObservations(_ context.Context, obs []models.PerformanceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range obs {
		k := obsKey(o)
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.rows = append(s.rows, o)
	}
	return nil
}

// GetObservations returns windows overlapping [from, to) for the account.
func (s *MemoryStore) GetObservations(_ context.Context, accountID string, from, to time.Time) ([]models.PerformanceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PerformanceObservation
	for _, o := range s.rows {
		if o.AccountID != accountID {
			continue
		}
		if o.WindowEnd.After(from) && o.WindowStart.Before(to) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdID != out[j].AdID {
			return out[i].AdID < out[j].AdID
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}
