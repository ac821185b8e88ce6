// Package queue implements the durable offline queue (§4.D): a FIFO of
// pending sync operations with retry/backoff state, coalesced so at
// most one Push per data_type is Pending at a time.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/model"
)

// MaxPermanentFailures is the number of non-429 4xx responses after
// which an item is moved to Failed and surfaced in the status UI.
const MaxPermanentFailures = 10

// MaxBackoff caps the computed delay before jitter is applied.
const MaxBackoff = 5 * time.Minute

// ErrPushInProgress is returned by EnqueuePush when a Push for dataType
// is already InProgress and none is Pending; the caller's new push is
// deferred, not queued twice (§4.D "coalesced").
var ErrPushInProgress = errors.New("queue: push already in progress for data type")

// Queue is the durable retry queue backing the background scheduler.
type Queue struct {
	db *sql.DB
}

// Open ensures the queue schema exists on db (shared with the replica
// store) and returns a ready Queue.
func Open(db *sql.DB) (*Queue, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			data_type TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			last_error TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: schema migration failed: %w", err)
	}
	return &Queue{db: db}, nil
}

// EnqueuePush adds a Push item for dataType. If one is already Pending
// it is a no-op, per the coalescing rule in §4.D; if one is InProgress
// it returns ErrPushInProgress so the caller can defer its push.
func (q *Queue) EnqueuePush(dataType crypto.DataType, now time.Time) error {
	var pending, inProgress int
	err := q.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0)
		FROM queue_items
		WHERE action = 'push' AND data_type = ?
	`, string(dataType)).Scan(&pending, &inProgress)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	if inProgress > 0 {
		return ErrPushInProgress
	}
	_, err = q.db.Exec(`
		INSERT INTO queue_items (action, data_type, attempts, next_attempt_at, status)
		VALUES ('push', ?, 0, ?, 'pending')
	`, string(dataType), now)
	return err
}

// EnqueuePull adds a Pull item for dataType.
func (q *Queue) EnqueuePull(dataType crypto.DataType, now time.Time) error {
	_, err := q.db.Exec(`
		INSERT INTO queue_items (action, data_type, attempts, next_attempt_at, status)
		VALUES ('pull', ?, 0, ?, 'pending')
	`, string(dataType), now)
	return err
}

// Due returns every item whose next_attempt_at has passed and that is
// not already InProgress or terminal, ordered FIFO by id.
func (q *Queue) Due(now time.Time) ([]model.QueueItem, error) {
	rows, err := q.db.Query(`
		SELECT id, action, data_type, attempts, next_attempt_at, last_error, status
		FROM queue_items
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		var action, dataType, status string
		var lastErr sql.NullString
		if err := rows.Scan(&it.ID, &action, &dataType, &it.Attempts, &it.NextAttemptAt, &lastErr, &status); err != nil {
			return nil, err
		}
		it.Action = model.QueueAction(action)
		it.DataType = crypto.DataType(dataType)
		it.LastError = lastErr.String
		it.Status = model.QueueStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkInProgress transitions an item to InProgress before dispatch.
func (q *Queue) MarkInProgress(id int64) error {
	_, err := q.db.Exec(`UPDATE queue_items SET status = 'in_progress' WHERE id = ?`, id)
	return err
}

// Complete marks an item Completed and removes it; completed items are
// not retained, matching the journal's "Acked (deleted)" convention.
func (q *Queue) Complete(id int64) error {
	_, err := q.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// RetryAfterTransient schedules the next attempt following a 5xx or
// network timeout. These retry indefinitely, governed only by the
// backoff schedule and next_attempt_at — never a busy loop.
func (q *Queue) RetryAfterTransient(id int64, attempts int, lastErr string, now time.Time) error {
	delay := q.backoffDelay(attempts)
	_, err := q.db.Exec(`
		UPDATE queue_items SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, attempts+1, now.Add(delay), lastErr, id)
	return err
}

// RetryAfterRateLimit schedules the next attempt at now+retryAfter,
// using the server's Retry-After value as a floor on the delay rather
// than the computed exponential schedule (§4.D).
func (q *Queue) RetryAfterRateLimit(id int64, attempts int, retryAfter time.Duration, now time.Time) error {
	delay := q.backoffDelay(attempts)
	if retryAfter > delay {
		delay = retryAfter
	}
	_, err := q.db.Exec(`
		UPDATE queue_items SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, attempts+1, now.Add(delay), "rate limited", id)
	return err
}

// FailPermanently records a non-429 4xx response. After
// MaxPermanentFailures such failures the item moves to Failed and stops
// retrying; until then it is retried on the normal backoff schedule,
// since a single 400 is as likely a transient server hiccup as a
// genuine client bug (§4.D, §7 "Validation").
func (q *Queue) FailPermanently(id int64, attempts int, lastErr string, now time.Time) error {
	attempts++
	if attempts >= MaxPermanentFailures {
		_, err := q.db.Exec(`UPDATE queue_items SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`,
			attempts, lastErr, id)
		return err
	}
	delay := q.backoffDelay(attempts)
	_, err := q.db.Exec(`
		UPDATE queue_items SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, attempts, now.Add(delay), lastErr, id)
	return err
}

// backoffDelay computes min(2^(n-1)*1s, 5min) with +/-20% jitter, per
// §4.D, by stepping a fresh exponential backoff n times. attempts is
// the count BEFORE this failure (0 on first retry).
func (q *Queue) backoffDelay(attempts int) time.Duration {
	n := attempts
	if n < 1 {
		n = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = MaxBackoff
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // never give up; next_attempt_at governs retries, not elapsed time

	var delay time.Duration
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Failed returns every item in the Failed state, for the status
// surface (§7).
func (q *Queue) Failed() ([]model.QueueItem, error) {
	rows, err := q.db.Query(`
		SELECT id, action, data_type, attempts, next_attempt_at, last_error, status
		FROM queue_items WHERE status = 'failed' ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		var action, dataType, status string
		var lastErr sql.NullString
		if err := rows.Scan(&it.ID, &action, &dataType, &it.Attempts, &it.NextAttemptAt, &lastErr, &status); err != nil {
			return nil, err
		}
		it.Action = model.QueueAction(action)
		it.DataType = crypto.DataType(dataType)
		it.LastError = lastErr.String
		it.Status = model.QueueStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}
