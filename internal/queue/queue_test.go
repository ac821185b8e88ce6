package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"database/sql"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, "q.db")+"?mode=rwc")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func TestEnqueuePushCoalesces(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now().UTC()

	if err := q.EnqueuePush(crypto.DataTypeContacts, now); err != nil {
		t.Fatalf("first EnqueuePush: %v", err)
	}
	if err := q.EnqueuePush(crypto.DataTypeContacts, now); err != nil {
		t.Fatalf("second EnqueuePush: %v", err)
	}

	due, err := q.Due(now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1 (coalesced)", len(due))
	}
}

func TestRetryAfterTransientSchedulesBackoff(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now().UTC()

	if err := q.EnqueuePush(crypto.DataTypePreferences, now); err != nil {
		t.Fatalf("EnqueuePush: %v", err)
	}
	due, _ := q.Due(now)
	item := due[0]

	if err := q.RetryAfterTransient(item.ID, item.Attempts, "timeout", now); err != nil {
		t.Fatalf("RetryAfterTransient: %v", err)
	}

	dueNow, err := q.Due(now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(dueNow) != 0 {
		t.Fatalf("item should not be due immediately after backoff scheduling")
	}

	future := now.Add(2 * time.Second)
	dueFuture, err := q.Due(future)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(dueFuture) != 1 {
		t.Fatalf("item should become due after its backoff window")
	}
}

func TestFailPermanentlyMovesToFailedAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now().UTC()

	if err := q.EnqueuePush(crypto.DataTypeAccounts, now); err != nil {
		t.Fatalf("EnqueuePush: %v", err)
	}
	due, _ := q.Due(now)
	id := due[0].ID

	attempts := 0
	for i := 0; i < MaxPermanentFailures; i++ {
		if err := q.FailPermanently(id, attempts, "bad request", now); err != nil {
			t.Fatalf("FailPermanently: %v", err)
		}
		attempts++
	}

	failed, err := q.Failed()
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1 after %d permanent failures", len(failed), MaxPermanentFailures)
	}
}

func TestRetryAfterRateLimitUsesFloor(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now().UTC()

	if err := q.EnqueuePush(crypto.DataTypeSignatures, now); err != nil {
		t.Fatalf("EnqueuePush: %v", err)
	}
	due, _ := q.Due(now)
	item := due[0]

	retryAfter := 90 * time.Second
	if err := q.RetryAfterRateLimit(item.ID, item.Attempts, retryAfter, now); err != nil {
		t.Fatalf("RetryAfterRateLimit: %v", err)
	}

	tooSoon, _ := q.Due(now.Add(60 * time.Second))
	if len(tooSoon) != 0 {
		t.Fatalf("item became due before the Retry-After floor elapsed")
	}
	afterFloor, _ := q.Due(now.Add(100 * time.Second))
	if len(afterFloor) != 1 {
		t.Fatalf("item should be due once the Retry-After floor has elapsed")
	}
}
