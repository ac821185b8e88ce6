// Package syncservice implements the per-data-type delta push/pull
// service (§4.I): monotonic versioning, at-most-one concurrent writer
// per (user_id, data_type), opaque ciphertext storage, and the LWW
// gate at upload time. Grounded on the teacher pack's
// internal/service/syncservice/notes_service.go
// (erauner12-toolbridge-api) — same "lock the row, apply in order,
// read back authoritative state" shape, generalized from a single
// note table to four independent data_type streams and from an
// optimistic-timestamp UPDATE guard to an explicit per-record LWW
// gate that reports conflicts instead of silently dropping them.
package syncservice

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxBatchSize matches the wire-mandated upload batch ceiling (§6).
const MaxBatchSize = 1000

// TombstoneRetention is how long a deleted record's tombstone remains
// visible via GET /deleted before the janitor purges it (§4.I invariant 4).
const TombstoneRetention = 90 * 24 * time.Hour

// ErrBatchTooLarge is returned when changes.length exceeds MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("syncservice: batch exceeds %d changes", MaxBatchSize)

// Change is one entry of an upload batch, already validated for shape
// by the HTTP handler.
type Change struct {
	RecordID        string
	ChangeType      string // insert | update | delete
	EncryptedRecord []byte
	Nonce           []byte
	Checksum        string
	ClientTimestamp time.Time
}

// Conflict mirrors a server-rejected upload entry (§4.E phase 3).
type Conflict struct {
	RecordID        string
	ServerVersion   int64
	ServerTimestamp time.Time
}

// UploadResult is returned to the HTTP handler for JSON encoding.
type UploadResult struct {
	Version        int64
	ProcessedCount int
	ConflictCount  int
	Conflicts      []Conflict
	SyncedAt       time.Time
}

// Service coordinates delta upload/download against the records and
// tombstones tables.
type Service struct {
	DB *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{DB: pool}
}

// Upload applies a batch of changes for (userID, dataType) atomically:
// either every non-conflicting change in the batch commits, or none do
// (§4.I "Failure semantics"). Changes are applied in slice order,
// preserving the client's journal seq ordering (§5 "Ordering
// guarantees").
func (s *Service) Upload(ctx context.Context, userID, dataType, deviceID string, changes []Change) (UploadResult, error) {
	if len(changes) > MaxBatchSize {
		return UploadResult{}, ErrBatchTooLarge
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return UploadResult{}, fmt.Errorf("syncservice: begin upload tx: %w", err)
	}
	defer tx.Rollback(ctx)

	version, err := lockVersionCounter(ctx, tx, userID, dataType)
	if err != nil {
		return UploadResult{}, err
	}

	now := time.Now()
	result := UploadResult{SyncedAt: now}

	for _, c := range changes {
		conflict, bumped, err := applyChange(ctx, tx, userID, dataType, deviceID, c, version+1, now)
		if err != nil {
			return UploadResult{}, err
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			result.ConflictCount++
			continue
		}
		result.ProcessedCount++
		if bumped {
			version++
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE data_type_versions SET version = $3 WHERE user_id = $1 AND data_type = $2
	`, userID, dataType, version); err != nil {
		return UploadResult{}, fmt.Errorf("syncservice: persist version counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UploadResult{}, fmt.Errorf("syncservice: commit upload: %w", err)
	}

	result.Version = version
	return result, nil
}

// lockVersionCounter takes a row lock on (userID, dataType)'s counter,
// serializing concurrent uploads for the same pair (§4.I invariant 2).
// Uploads for different data_types, or different users, never block
// each other: each lock is scoped to its own row.
func lockVersionCounter(ctx context.Context, tx pgx.Tx, userID, dataType string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		SELECT version FROM data_type_versions WHERE user_id = $1 AND data_type = $2 FOR UPDATE
	`, userID, dataType).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("syncservice: lock version counter: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO data_type_versions (user_id, data_type, version) VALUES ($1, $2, 0)
		ON CONFLICT (user_id, data_type) DO NOTHING
	`, userID, dataType); err != nil {
		return 0, fmt.Errorf("syncservice: init version counter: %w", err)
	}
	// A concurrent first upload may have created the row; lock whichever
	// row now exists and read its committed version.
	if err := tx.QueryRow(ctx, `
		SELECT version FROM data_type_versions WHERE user_id = $1 AND data_type = $2 FOR UPDATE
	`, userID, dataType).Scan(&version); err != nil {
		return 0, fmt.Errorf("syncservice: lock version counter: %w", err)
	}
	return version, nil
}

// applyChange applies one change within tx, returning a non-nil
// conflict (and no mutation) if the LWW gate rejects it. bumped
// reports whether the shared version counter should advance: only
// accepted inserts/updates advance it (§4.I invariant 1).
func applyChange(ctx context.Context, tx pgx.Tx, userID, dataType, deviceID string, c Change, nextVersion int64, now time.Time) (*Conflict, bool, error) {
	var storedVersion int64
	var storedServerTS time.Time
	err := tx.QueryRow(ctx, `
		SELECT version, server_timestamp FROM records WHERE user_id = $1 AND data_type = $2 AND record_id = $3
	`, userID, dataType, c.RecordID).Scan(&storedVersion, &storedServerTS)
	hasExisting := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("syncservice: probe record: %w", err)
	}

	if hasExisting && c.ClientTimestamp.Before(storedServerTS) {
		return &Conflict{RecordID: c.RecordID, ServerVersion: storedVersion, ServerTimestamp: storedServerTS}, false, nil
	}

	switch c.ChangeType {
	case "insert", "update":
		if _, err := tx.Exec(ctx, `
			INSERT INTO records (user_id, data_type, record_id, encrypted_payload, nonce, checksum, version, origin_device_id, client_timestamp, server_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id, data_type, record_id) DO UPDATE SET
				encrypted_payload = EXCLUDED.encrypted_payload,
				nonce             = EXCLUDED.nonce,
				checksum          = EXCLUDED.checksum,
				version           = EXCLUDED.version,
				origin_device_id  = EXCLUDED.origin_device_id,
				client_timestamp  = EXCLUDED.client_timestamp,
				server_timestamp  = EXCLUDED.server_timestamp
		`, userID, dataType, c.RecordID, c.EncryptedRecord, c.Nonce, c.Checksum, nextVersion, deviceID, c.ClientTimestamp, now); err != nil {
			return nil, false, fmt.Errorf("syncservice: upsert record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM tombstones WHERE user_id = $1 AND data_type = $2 AND record_id = $3
		`, userID, dataType, c.RecordID); err != nil {
			return nil, false, fmt.Errorf("syncservice: clear tombstone on recreate: %w", err)
		}
		return nil, true, nil

	case "delete":
		if _, err := tx.Exec(ctx, `
			DELETE FROM records WHERE user_id = $1 AND data_type = $2 AND record_id = $3
		`, userID, dataType, c.RecordID); err != nil {
			return nil, false, fmt.Errorf("syncservice: delete record: %w", err)
		}
		expiresAt := now.Add(TombstoneRetention)
		if _, err := tx.Exec(ctx, `
			INSERT INTO tombstones (user_id, data_type, record_id, deleted_at, deleted_by_device_id, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, data_type, record_id) DO UPDATE SET
				deleted_at = EXCLUDED.deleted_at, deleted_by_device_id = EXCLUDED.deleted_by_device_id, expires_at = EXCLUDED.expires_at
		`, userID, dataType, c.RecordID, now, deviceID, expiresAt); err != nil {
			return nil, false, fmt.Errorf("syncservice: insert tombstone: %w", err)
		}
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("syncservice: unknown change_type %q", c.ChangeType)
	}
}
