package changequeue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"adpilot/pkg/models"
)

// PostgresQueue stores queue rows and history in Postgres. Claims use a
// compare-and-swap on the status column, so N concurrent workers across M
// processes never claim the same row.
type PostgresQueue struct {
	db          *sql.DB
	maxAttempts int
}

// NewPostgresQueue wraps an open, migrated connection pool.
func NewPostgresQueue(db *sql.DB, maxAttempts int) *PostgresQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &PostgresQueue{db: db, maxAttempts: maxAttempts}
}

const queueColumns = `change_id, account_id, ad_id, kind, payload, reasoning, safety_passed,
	status, COALESCE(claim_token, ''), COALESCE(claimed_by, ''), claimed_at,
	attempts, proposed_at, next_attempt_at, updated_at`

func scanRow(scan func(dest ...any) error) (*models.QueuedChange, error) {
	var row models.QueuedChange
	var claimedAt sql.NullTime
	err := scan(&row.ChangeID, &row.AccountID, &row.AdID, &row.Kind, &row.Payload,
		&row.Reasoning, &row.SafetyChecksPassed, &row.Status, &row.ClaimToken,
		&row.ClaimedBy, &claimedAt, &row.Attempts, &row.ProposedAt,
		&row.NextAttemptAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		row.ClaimedAt = &t
	}
	return &row, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, row *models.QueuedChange, from, to models.ChangeStatus, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_history (change_id, account_id, ad_id, kind, from_status, to_status, detail, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ChangeID, row.AccountID, row.AdID, row.Kind, string(from), string(to), detail, row.ClaimedBy)
	if err != nil {
		return fmt.Errorf("changequeue: insert history: %w", err)
	}
	return nil
}

// Enqueue inserts a pending row and its creation history entry atomically.
func (q *PostgresQueue) Enqueue(ctx context.Context, change models.ProposedChange) (*models.QueuedChange, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("changequeue: begin: %w", err)
	}
	defer tx.Rollback()

	row, err := scanRow(tx.QueryRowContext(ctx, `
		INSERT INTO change_queue (change_id, account_id, ad_id, kind, payload, reasoning, safety_passed, status, proposed_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, NOW())
		RETURNING `+queueColumns,
		change.ChangeID, change.AccountID, change.AdID, change.Kind, []byte(change.Payload),
		change.Reasoning, change.SafetyChecksPassed, change.ProposedAt).Scan)
	if err != nil {
		return nil, fmt.Errorf("changequeue: enqueue %s: %w", change.ChangeID, err)
	}
	if err := insertHistory(ctx, tx, row, "", models.StatusPending, "enqueued"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("changequeue: commit enqueue: %w", err)
	}
	return row, nil
}

// Claim scans a small batch of oldest-first candidates and CAS-updates the
// first one still pending. Losing a race on one candidate just moves on to
// the next, which is the "skip already-claimed rows" behavior.
func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (*models.QueuedChange, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT change_id FROM change_queue
		WHERE status = 'pending' AND next_attempt_at <= NOW()
		ORDER BY proposed_at ASC
		LIMIT 16`)
	if err != nil {
		return nil, fmt.Errorf("changequeue: list candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("changequeue: scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	token := uuid.New().String()
	for _, id := range candidates {
		row, err := q.tryClaim(ctx, id, workerID, token)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
	return nil, ErrNoPending
}

func (q *PostgresQueue) tryClaim(ctx context.Context, changeID, workerID, token string) (*models.QueuedChange, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("changequeue: begin claim: %w", err)
	}
	defer tx.Rollback()

	row, err := scanRow(tx.QueryRowContext(ctx, `
		UPDATE change_queue
		SET status = 'claimed', claim_token = $2, claimed_by = $3, claimed_at = NOW(), updated_at = NOW()
		WHERE change_id = $1 AND status = 'pending'
		RETURNING `+queueColumns, changeID, token, workerID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil // another worker won this row
	}
	if err != nil {
		return nil, fmt.Errorf("changequeue: claim %s: %w", changeID, err)
	}
	if err := insertHistory(ctx, tx, row, models.StatusPending, models.StatusClaimed, "claimed"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("changequeue: commit claim: %w", err)
	}
	return row, nil
}

func (q *PostgresQueue) lockClaimed(ctx context.Context, tx *sql.Tx, changeID, claimToken string) (*models.QueuedChange, error) {
	row, err := scanRow(tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM change_queue
		WHERE change_id = $1 AND claim_token = $2 AND status = 'claimed'
		FOR UPDATE`, changeID, claimToken).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("changequeue: lock claimed %s: %w", changeID, err)
	}
	return row, nil
}

// Complete moves a claimed row to applied or rejected.
func (q *PostgresQueue) Complete(ctx context.Context, changeID, claimToken string, status models.ChangeStatus, detail string) error {
	if !status.Terminal() {
		return fmt.Errorf("changequeue: complete with non-terminal status %s", status)
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changequeue: begin complete: %w", err)
	}
	defer tx.Rollback()

	row, err := q.lockClaimed(ctx, tx, changeID, claimToken)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE change_queue SET status = $2, updated_at = NOW() WHERE change_id = $1`,
		changeID, string(status)); err != nil {
		return fmt.Errorf("changequeue: complete %s: %w", changeID, err)
	}
	if err := insertHistory(ctx, tx, row, models.StatusClaimed, status, detail); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("changequeue: commit complete: %w", err)
	}
	return nil
}

// Fail consumes an attempt, requeueing with backoff or rejecting at the
// attempts ceiling.
func (q *PostgresQueue) Fail(ctx context.Context, changeID, claimToken string, backoff time.Duration, detail string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changequeue: begin fail: %w", err)
	}
	defer tx.Rollback()

	row, err := q.lockClaimed(ctx, tx, changeID, claimToken)
	if err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, row, models.StatusClaimed, models.StatusFailed, detail); err != nil {
		return err
	}

	attempts := row.Attempts + 1
	if attempts >= q.maxAttempts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE change_queue SET status = 'rejected', attempts = $2, updated_at = NOW()
			WHERE change_id = $1`, changeID, attempts); err != nil {
			return fmt.Errorf("changequeue: reject %s: %w", changeID, err)
		}
		if err := insertHistory(ctx, tx, row, models.StatusFailed, models.StatusRejected, "attempts ceiling reached"); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE change_queue
			SET status = 'pending', attempts = $2, next_attempt_at = NOW() + $3 * INTERVAL '1 second',
			    claim_token = NULL, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
			WHERE change_id = $1`, changeID, attempts, int64(backoff.Seconds())); err != nil {
			return fmt.Errorf("changequeue: requeue %s: %w", changeID, err)
		}
		if err := insertHistory(ctx, tx, row, models.StatusFailed, models.StatusPending, "requeued with backoff"); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("changequeue: commit fail: %w", err)
	}
	return nil
}

// Defer requeues a claimed row without consuming an attempt.
func (q *PostgresQueue) Defer(ctx context.Context, changeID, claimToken string, until time.Time, detail string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changequeue: begin defer: %w", err)
	}
	defer tx.Rollback()

	row, err := q.lockClaimed(ctx, tx, changeID, claimToken)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE change_queue
		SET status = 'pending', next_attempt_at = $2,
		    claim_token = NULL, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE change_id = $1`, changeID, until.UTC()); err != nil {
		return fmt.Errorf("changequeue: defer %s: %w", changeID, err)
	}
	if err := insertHistory(ctx, tx, row, models.StatusClaimed, models.StatusPending, detail); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("changequeue: commit defer: %w", err)
	}
	return nil
}

// ReleaseStaleClaims requeues expired leases one row at a time so each
// release gets its own history entries.
func (q *PostgresQueue) ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT change_id, COALESCE(claim_token, '') FROM change_queue
		WHERE status = 'claimed' AND claimed_at < NOW() - $1 * INTERVAL '1 second'`,
		int64(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("changequeue: list stale claims: %w", err)
	}
	type stale struct{ id, token string }
	var stales []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.token); err != nil {
			rows.Close()
			return 0, fmt.Errorf("changequeue: scan stale claim: %w", err)
		}
		stales = append(stales, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, s := range stales {
		err := q.Fail(ctx, s.id, s.token, 0, "claim lease expired")
		if err == ErrNotClaimed {
			continue // completed or re-released concurrently
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Depth reports the pending backlog.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("changequeue: depth: %w", err)
	}
	return n, nil
}

// HistoryByAd returns newest-first audit entries for one ad.
func (q *PostgresQueue) HistoryByAd(ctx context.Context, adID string, limit int) ([]models.ChangeHistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, change_id, account_id, ad_id, kind, from_status, to_status, detail, worker_id, created_at
		FROM change_history WHERE ad_id = $1
		ORDER BY id DESC LIMIT $2`, adID, limit)
	if err != nil {
		return nil, fmt.Errorf("changequeue: history by ad: %w", err)
	}
	return scanHistory(rows)
}

// HistoryByRange returns newest-first audit entries created in [from, to).
func (q *PostgresQueue) HistoryByRange(ctx context.Context, from, to time.Time, limit int) ([]models.ChangeHistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, change_id, account_id, ad_id, kind, from_status, to_status, detail, worker_id, created_at
		FROM change_history WHERE created_at >= $1 AND created_at < $2
		ORDER BY id DESC LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("changequeue: history by range: %w", err)
	}
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]models.ChangeHistoryEntry, error) {
	defer rows.Close()
	var out []models.ChangeHistoryEntry
	for rows.Next() {
		var e models.ChangeHistoryEntry
		if err := rows.Scan(&e.ID, &e.ChangeID, &e.AccountID, &e.AdID, &e.Kind,
			&e.FromStatus, &e.ToStatus, &e.Detail, &e.WorkerID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("changequeue: scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArchiveTerminal moves terminal rows past retention into the archive
// table. History rows stay where they are, indefinitely queryable.
func (q *PostgresQueue) ArchiveTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("changequeue: begin archive: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM change_queue
			WHERE status IN ('applied', 'rejected')
			  AND updated_at < NOW() - $1 * INTERVAL '1 second'
			RETURNING *
		)
		INSERT INTO change_queue_archive SELECT * FROM moved`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("changequeue: archive: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("changequeue: commit archive: %w", err)
	}
	return int(n), nil
}
