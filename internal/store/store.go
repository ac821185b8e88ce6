// Package store implements the local replica store (§4.B): a durable,
// per-device SQLCipher-encrypted SQLite database holding encrypted
// records, tombstones, and per-data-type state vectors. It is adapted
// from the teacher repo's hosts/groups SQLCipher store, generalized from
// a single hardcoded table to one row-family per DataType.
package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
	_ "github.com/mutecomm/go-sqlcipher/v4" // SQLCipher driver
)

// Store is the local replica store for one device. It is the only
// writer of the replica, journal, queue, tombstones, and sync history;
// the UI reads via snapshots and never writes (§5).
type Store struct {
	db *sql.DB
}

// ErrVersionRegression is returned by Upsert when the supplied version
// does not strictly increase the record's current local version.
var ErrVersionRegression = errors.New("store: version must increase monotonically")

// ErrTombstoneConflict is returned when an insert targets a record_id
// that still has a live local tombstone.
var ErrTombstoneConflict = errors.New("store: live tombstone exists for record_id")

// DBPath returns the path to the replica database file, honoring
// AURORA_SYNC_DB_PATH / AURORA_SYNC_DATA_DIR overrides for tests and
// custom installs, the way the teacher's db.DBPath does.
func DBPath() (string, error) {
	if p := os.Getenv("AURORA_SYNC_DB_PATH"); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return "", err
		}
		return p, nil
	}
	if dir := os.Getenv("AURORA_SYNC_DATA_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return filepath.Join(dir, "replica.db"), nil
	}

	if runtime.GOOS == "windows" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		appDir := filepath.Join(configDir, "aurora-mail", "sync")
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return "", err
		}
		return filepath.Join(appDir, "replica.db"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	appDir := filepath.Join(home, ".aurora-mail", "sync")
	if err := os.MkdirAll(appDir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(appDir, "replica.db"), nil
}

// Open opens (creating if absent) the SQLCipher-encrypted replica
// database at path, keyed by dbKey (derived by the caller from the
// master password — see crypto.DeriveMasterKey), and ensures the
// schema exists.
func Open(path string, dbKey []byte) (*Store, error) {
	keyHex := hex.EncodeToString(dbKey)
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			data_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			encrypted_payload BLOB NOT NULL,
			nonce BLOB NOT NULL,
			checksum TEXT NOT NULL,
			version INTEGER NOT NULL,
			origin_device_id TEXT NOT NULL,
			client_ts TIMESTAMP NOT NULL,
			server_ts TIMESTAMP NOT NULL,
			corrupt INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (data_type, record_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_server_ts ON records(data_type, server_ts)`,
		`CREATE TABLE IF NOT EXISTS tombstones (
			data_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			deleted_at TIMESTAMP NOT NULL,
			deleted_by_device_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (data_type, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS state_vectors (
			data_type TEXT PRIMARY KEY,
			local_version INTEGER NOT NULL DEFAULT 0,
			last_known_server_version INTEGER NOT NULL DEFAULT 0,
			last_sync_at TIMESTAMP,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			processed_count INTEGER NOT NULL,
			conflict_count INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema migration failed: %w", err)
		}
	}
	return nil
}

// Upsert inserts or updates a record, enforcing the invariants from
// §4.B: version must strictly increase per (data_type, record_id), and
// a live record may never coexist with a live tombstone for the same
// record_id. The checksum is stored as given, without validation.
// Upsert writes only the records and tombstones tables; the reconciler
// commits each Upsert in its own transaction, and the state vector is
// written separately through StateVectorSet.
func (s *Store) Upsert(tx *sql.Tx, r RecordRow) error {
	var existingVersion sql.NullInt64
	err := tx.QueryRow(`SELECT version FROM records WHERE data_type = ? AND record_id = ?`,
		string(r.DataType), r.RecordID).Scan(&existingVersion)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && existingVersion.Valid && r.Version <= existingVersion.Int64 {
		return ErrVersionRegression
	}

	var tombDeletedAt sql.NullTime
	err = tx.QueryRow(`SELECT deleted_at FROM tombstones WHERE data_type = ? AND record_id = ?`,
		string(r.DataType), r.RecordID).Scan(&tombDeletedAt)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	// A live tombstone younger than the incoming record's client_timestamp
	// means the deletion happened after this write was made; the insert
	// loses the race and is rejected as a conflict.
	if err == nil && tombDeletedAt.Valid && tombDeletedAt.Time.After(r.ClientTS) {
		return ErrTombstoneConflict
	}

	_, err = tx.Exec(`
		INSERT INTO records (data_type, record_id, encrypted_payload, nonce, checksum, version,
			origin_device_id, client_ts, server_ts, corrupt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(data_type, record_id) DO UPDATE SET
			encrypted_payload = excluded.encrypted_payload,
			nonce = excluded.nonce,
			checksum = excluded.checksum,
			version = excluded.version,
			origin_device_id = excluded.origin_device_id,
			client_ts = excluded.client_ts,
			server_ts = excluded.server_ts,
			corrupt = 0
	`, string(r.DataType), r.RecordID, r.EncryptedPayload, r.Nonce, r.Checksum, r.Version,
		r.OriginDeviceID, r.ClientTS, r.ServerTS)
	if err != nil {
		return err
	}
	// A live record and a live tombstone must never coexist.
	_, err = tx.Exec(`DELETE FROM tombstones WHERE data_type = ? AND record_id = ?`,
		string(r.DataType), r.RecordID)
	return err
}

// MarkCorrupt flags a record as Corrupt, excluding it from subsequent
// syncs without deleting it, per the Integrity error path in §7.
func (s *Store) MarkCorrupt(dataType crypto.DataType, recordID string) error {
	_, err := s.db.Exec(`UPDATE records SET corrupt = 1 WHERE data_type = ? AND record_id = ?`,
		string(dataType), recordID)
	return err
}

// Delete removes the live record (if any) and records a local
// tombstone with the same 90-day retention semantics as the server
// (§4.B).
func (s *Store) Delete(tx *sql.Tx, dataType crypto.DataType, recordID, deviceID string, deletedAt time.Time) error {
	if _, err := tx.Exec(`DELETE FROM records WHERE data_type = ? AND record_id = ?`,
		string(dataType), recordID); err != nil {
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO tombstones (data_type, record_id, deleted_at, deleted_by_device_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(data_type, record_id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			deleted_by_device_id = excluded.deleted_by_device_id,
			expires_at = excluded.expires_at
	`, string(dataType), recordID, deletedAt, deviceID, deletedAt.Add(tombstoneRetention))
	return err
}

const tombstoneRetention = 90 * 24 * time.Hour

// RecordRow is the on-disk shape of a Record, keeping crypto.DataType
// rather than importing model to avoid a dependency cycle (model
// depends on crypto only).
type RecordRow struct {
	DataType         crypto.DataType
	RecordID         string
	EncryptedPayload []byte
	Nonce            []byte
	Checksum         string
	Version          int64
	OriginDeviceID   string
	ClientTS         time.Time
	ServerTS         time.Time
}

// Get fetches a single record, or sql.ErrNoRows if absent.
func (s *Store) Get(dataType crypto.DataType, recordID string) (RecordRow, error) {
	var r RecordRow
	r.DataType = dataType
	r.RecordID = recordID
	err := s.db.QueryRow(`
		SELECT encrypted_payload, nonce, checksum, version, origin_device_id, client_ts, server_ts
		FROM records WHERE data_type = ? AND record_id = ?
	`, string(dataType), recordID).Scan(&r.EncryptedPayload, &r.Nonce, &r.Checksum, &r.Version,
		&r.OriginDeviceID, &r.ClientTS, &r.ServerTS)
	return r, err
}

// ListByDataType returns every live record for dataType.
func (s *Store) ListByDataType(dataType crypto.DataType) ([]RecordRow, error) {
	rows, err := s.db.Query(`
		SELECT record_id, encrypted_payload, nonce, checksum, version, origin_device_id, client_ts, server_ts
		FROM records WHERE data_type = ? ORDER BY record_id
	`, string(dataType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		r := RecordRow{DataType: dataType}
		if err := rows.Scan(&r.RecordID, &r.EncryptedPayload, &r.Nonce, &r.Checksum, &r.Version,
			&r.OriginDeviceID, &r.ClientTS, &r.ServerTS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IterSince returns every live record for dataType whose server_ts is
// strictly after ts, used to build outgoing "what do I already have"
// comparisons and local reporting.
func (s *Store) IterSince(dataType crypto.DataType, ts time.Time) ([]RecordRow, error) {
	rows, err := s.db.Query(`
		SELECT record_id, encrypted_payload, nonce, checksum, version, origin_device_id, client_ts, server_ts
		FROM records WHERE data_type = ? AND server_ts > ? ORDER BY server_ts, record_id
	`, string(dataType), ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		r := RecordRow{DataType: dataType}
		if err := rows.Scan(&r.RecordID, &r.EncryptedPayload, &r.Nonce, &r.Checksum, &r.Version,
			&r.OriginDeviceID, &r.ClientTS, &r.ServerTS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TombstoneFor returns the live local tombstone for recordID, if any.
func (s *Store) TombstoneFor(dataType crypto.DataType, recordID string) (deletedAt time.Time, found bool, err error) {
	err = s.db.QueryRow(`SELECT deleted_at FROM tombstones WHERE data_type = ? AND record_id = ?`,
		string(dataType), recordID).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return deletedAt, true, nil
}

// StateVectorGet returns the current state vector for dataType,
// defaulting to the zero value when no row exists yet.
func (s *Store) StateVectorGet(dataType crypto.DataType) (localVersion, serverVersion int64, lastSync time.Time, lastErr string, err error) {
	var lastSyncNull sql.NullTime
	var lastErrNull sql.NullString
	err = s.db.QueryRow(`
		SELECT local_version, last_known_server_version, last_sync_at, last_error
		FROM state_vectors WHERE data_type = ?
	`, string(dataType)).Scan(&localVersion, &serverVersion, &lastSyncNull, &lastErrNull)
	if err == sql.ErrNoRows {
		return 0, 0, time.Time{}, "", nil
	}
	if err != nil {
		return 0, 0, time.Time{}, "", err
	}
	return localVersion, serverVersion, lastSyncNull.Time, lastErrNull.String, nil
}

// StateVectorSet writes the state vector atomically within tx, so
// callers can commit it alongside the journal mutations of the same
// phase (§4.E phase 6 "Commit").
func (s *Store) StateVectorSet(tx *sql.Tx, dataType crypto.DataType, localVersion, serverVersion int64, lastSync time.Time, lastErr string) error {
	_, err := tx.Exec(`
		INSERT INTO state_vectors (data_type, local_version, last_known_server_version, last_sync_at, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(data_type) DO UPDATE SET
			local_version = excluded.local_version,
			last_known_server_version = excluded.last_known_server_version,
			last_sync_at = excluded.last_sync_at,
			last_error = excluded.last_error
	`, string(dataType), localVersion, serverVersion, lastSync, lastErr)
	return err
}

// RecordSyncHistory appends one completed-round row, used by the status
// surface (§7 "user-visible failure surfaces").
func (s *Store) RecordSyncHistory(roundID string, dataType crypto.DataType, processed, conflicts int, started, finished time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_history (round_id, data_type, processed_count, conflict_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roundID, string(dataType), processed, conflicts, started, finished)
	return err
}

// Begin starts a transaction, exposed so the reconciliation engine can
// hold one phase's journal, queue, and replica mutations under a single
// atomic boundary (§4.E).
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

// DB exposes the underlying handle so the journal and queue packages —
// which share the same durable per-device store (§4.C, §4.D) — can
// migrate and operate on their own tables within it.
func (s *Store) DB() *sql.DB {
	return s.db
}
