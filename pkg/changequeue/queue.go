// Package changequeue is the durable work queue feeding the safe executor,
// plus the append-only change history. Every queue state transition writes
// exactly one history entry; the Postgres implementation does both inside
// one transaction so the invariant survives crashes.
package changequeue

import (
	"context"
	"errors"
	"time"

	"adpilot/pkg/models"
)

var (
	// ErrNoPending means no row is currently claimable.
	ErrNoPending = errors.New("changequeue: no pending change")
	// ErrNotClaimed means the (change, token) pair does not hold a claim,
	// e.g. the lease expired and another worker re-claimed the row.
	ErrNotClaimed = errors.New("changequeue: change not claimed with this token")
)

// Queue owns QueuedChange lifecycles. Claim semantics: exactly one caller
// wins each pending row; concurrent claimers never receive the same row.
type Queue interface {
	// Enqueue transfers ownership of a proposal to the queue.
	Enqueue(ctx context.Context, change models.ProposedChange) (*models.QueuedChange, error)

	// Claim atomically moves the oldest eligible pending row to claimed
	// for this worker. Returns ErrNoPending when nothing is claimable.
	Claim(ctx context.Context, workerID string) (*models.QueuedChange, error)

	// Complete moves a claimed row to a terminal status (applied or
	// rejected). The claim token must still hold.
	Complete(ctx context.Context, changeID, claimToken string, status models.ChangeStatus, detail string) error

	// Fail records a retryable failure: claimed -> failed -> pending with
	// backoff, or failed -> rejected once attempts reach the ceiling.
	Fail(ctx context.Context, changeID, claimToken string, backoff time.Duration, detail string) error

	// Defer returns a claimed row to pending without consuming an
	// attempt, e.g. when a circuit breaker or rate limit blocks the
	// account. The row becomes claimable again at `until`.
	Defer(ctx context.Context, changeID, claimToken string, until time.Time, detail string) error

	// ReleaseStaleClaims requeues rows whose claim outlived maxAge
	// (crashed or hung worker), consuming an attempt per row.
	ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int, error)

	// Depth reports the pending backlog.
	Depth(ctx context.Context) (int, error)
}

// HistoryReader serves the compliance queries over the audit log.
type HistoryReader interface {
	HistoryByAd(ctx context.Context, adID string, limit int) ([]models.ChangeHistoryEntry, error)
	HistoryByRange(ctx context.Context, from, to time.Time, limit int) ([]models.ChangeHistoryEntry, error)
}

// Archiver moves terminal queue rows out of the hot table after a
// retention window. History rows are never archived or deleted.
type Archiver interface {
	ArchiveTerminal(ctx context.Context, olderThan time.Duration) (int, error)
}
