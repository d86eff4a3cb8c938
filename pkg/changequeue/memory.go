package changequeue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adpilot/pkg/models"
)

// MemoryQueue implements Queue, HistoryReader, and Archiver in memory with
// the same transition semantics as the Postgres queue. It backs tests and
// dry-run tooling.
type MemoryQueue struct {
	mu          sync.Mutex
	maxAttempts int
	now         func() time.Time

	rows    map[string]*models.QueuedChange
	order   []string // enqueue order, for stable oldest-first scans
	history []models.ChangeHistoryEntry
	nextID  int64
}

// NewMemoryQueue creates a queue with the given attempts ceiling.
func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &MemoryQueue{
		maxAttempts: maxAttempts,
		now:         time.Now,
		rows:        make(map[string]*models.QueuedChange),
	}
}

// SetClock overrides the clock, for lease and backoff tests.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) record(row *models.QueuedChange, from, to models.ChangeStatus, detail string) {
	q.nextID++
	q.history = append(q.history, models.ChangeHistoryEntry{
		ID:         q.nextID,
		ChangeID:   row.ChangeID,
		AccountID:  row.AccountID,
		AdID:       row.AdID,
		Kind:       row.Kind,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		WorkerID:   row.ClaimedBy,
		CreatedAt:  q.now().UTC(),
	})
}

// Enqueue adds a pending row.
func (q *MemoryQueue) Enqueue(_ context.Context, change models.ProposedChange) (*models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	row := &models.QueuedChange{
		ProposedChange: change,
		Status:         models.StatusPending,
		NextAttemptAt:  now,
		UpdatedAt:      now,
	}
	q.rows[change.ChangeID] = row
	q.order = append(q.order, change.ChangeID)
	q.record(row, "", models.StatusPending, "enqueued")
	cp := *row
	return &cp, nil
}

// Claim picks the oldest eligible pending row, CAS-style under the lock.
func (q *MemoryQueue) Claim(_ context.Context, workerID string) (*models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var best *models.QueuedChange
	for _, id := range q.order {
		row := q.rows[id]
		if row == nil || row.Status != models.StatusPending || row.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || row.ProposedAt.Before(best.ProposedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, ErrNoPending
	}

	claimedAt := now
	best.Status = models.StatusClaimed
	best.ClaimToken = uuid.New().String()
	best.ClaimedBy = workerID
	best.ClaimedAt = &claimedAt
	best.UpdatedAt = now
	q.record(best, models.StatusPending, models.StatusClaimed, "claimed")
	cp := *best
	return &cp, nil
}

func (q *MemoryQueue) claimed(changeID, claimToken string) (*models.QueuedChange, error) {
	row := q.rows[changeID]
	if row == nil || row.Status != models.StatusClaimed || row.ClaimToken != claimToken {
		return nil, ErrNotClaimed
	}
	return row, nil
}

// Complete moves a claimed row to applied or rejected.
func (q *MemoryQueue) Complete(_ context.Context, changeID, claimToken string, status models.ChangeStatus, detail string) error {
	if !status.Terminal() {
		return ErrNotClaimed
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.claimed(changeID, claimToken)
	if err != nil {
		return err
	}
	row.Status = status
	row.UpdatedAt = q.now().UTC()
	q.record(row, models.StatusClaimed, status, detail)
	return nil
}

// Fail consumes an attempt and requeues with backoff, or rejects at the
// ceiling. Transitions claimed->failed->pending|rejected are all recorded.
func (q *MemoryQueue) Fail(_ context.Context, changeID, claimToken string, backoff time.Duration, detail string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.claimed(changeID, claimToken)
	if err != nil {
		return err
	}
	return q.failLocked(row, backoff, detail)
}

func (q *MemoryQueue) failLocked(row *models.QueuedChange, backoff time.Duration, detail string) error {
	now := q.now().UTC()
	row.Attempts++
	row.Status = models.StatusFailed
	row.UpdatedAt = now
	q.record(row, models.StatusClaimed, models.StatusFailed, detail)

	if row.Attempts >= q.maxAttempts {
		row.Status = models.StatusRejected
		q.record(row, models.StatusFailed, models.StatusRejected, "attempts ceiling reached")
	} else {
		row.Status = models.StatusPending
		row.NextAttemptAt = now.Add(backoff)
		row.ClaimToken = ""
		row.ClaimedBy = ""
		row.ClaimedAt = nil
		q.record(row, models.StatusFailed, models.StatusPending, "requeued with backoff")
	}
	return nil
}

// Defer requeues without consuming an attempt.
func (q *MemoryQueue) Defer(_ context.Context, changeID, claimToken string, until time.Time, detail string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.claimed(changeID, claimToken)
	if err != nil {
		return err
	}
	row.Status = models.StatusPending
	row.NextAttemptAt = until.UTC()
	row.UpdatedAt = q.now().UTC()
	q.record(row, models.StatusClaimed, models.StatusPending, detail)
	row.ClaimToken = ""
	row.ClaimedBy = ""
	row.ClaimedAt = nil
	return nil
}

// ReleaseStaleClaims requeues rows whose lease expired.
func (q *MemoryQueue) ReleaseStaleClaims(_ context.Context, maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	released := 0
	for _, id := range q.order {
		row := q.rows[id]
		if row == nil || row.Status != models.StatusClaimed || row.ClaimedAt == nil {
			continue
		}
		if now.Sub(*row.ClaimedAt) < maxAge {
			continue
		}
		if err := q.failLocked(row, 0, "claim lease expired"); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Depth reports the pending backlog.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, row := range q.rows {
		if row.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one row, for tests and inspection.
func (q *MemoryQueue) Get(changeID string) (*models.QueuedChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[changeID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

// HistoryByAd returns newest-first history entries for one ad.
func (q *MemoryQueue) HistoryByAd(_ context.Context, adID string, limit int) ([]models.ChangeHistoryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ChangeHistoryEntry
	for _, e := range q.history {
		if e.AdID == adID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HistoryByRange returns newest-first entries created in [from, to).
func (q *MemoryQueue) HistoryByRange(_ context.Context, from, to time.Time, limit int) ([]models.ChangeHistoryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ChangeHistoryEntry
	for _, e := range q.history {
		if !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HistoryByChange returns all entries for one change, oldest first.
func (q *MemoryQueue) HistoryByChange(changeID string) []models.ChangeHistoryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ChangeHistoryEntry
	for _, e := range q.history {
		if e.ChangeID == changeID {
			out = append(out, e)
		}
	}
	return out
}

// ArchiveTerminal drops terminal rows older than the retention window.
// History is untouched.
func (q *MemoryQueue) ArchiveTerminal(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-olderThan)
	archived := 0
	kept := q.order[:0]
	for _, id := range q.order {
		row := q.rows[id]
		if row != nil && row.Status.Terminal() && row.UpdatedAt.Before(cutoff) {
			delete(q.rows, id)
			archived++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return archived, nil
}
