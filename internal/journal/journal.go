// Package journal implements the append-only change journal (§4.C): the
// per-record change log that is the source of truth for uploads, with
// coalescing so that a burst of local edits collapses into the minimal
// set of operations before they ever reach the wire.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/model"
)

// MaxBatchSize is the largest batch Drain will hand to the
// reconciliation engine in one round (§4.E phase 1).
const MaxBatchSize = 1000

// Journal is the append-only, per-record-coalescing change log. It is
// drained only by the reconciliation engine; UI-facing components call
// Append but never Drain (§4.C).
type Journal struct {
	db *sql.DB
}

// Open ensures the journal schema exists on db (the same handle backing
// the local replica store) and returns a ready Journal.
func Open(db *sql.DB) (*Journal, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			data_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			op TEXT NOT NULL,
			client_ts TIMESTAMP NOT NULL,
			payload_plaintext BLOB,
			status TEXT NOT NULL DEFAULT 'pending',
			UNIQUE(data_type, record_id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("journal: schema migration failed: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append records a local mutation, coalescing it with any existing
// pending or conflicted entry for the same (data_type, record_id) per
// §4.C; the coalesced entry is Pending again:
//
//   - Insert, then Update(s): collapses to a single Insert carrying the
//     latest plaintext and client_ts.
//   - Insert, then Delete: collapses to a no-op; the entry is removed.
//   - Update(s), then Delete: collapses to a single Delete.
//   - Delete, then Insert: a legal re-creation; replaces the entry with
//     a fresh Insert (a new version will be required downstream).
func (j *Journal) Append(dataType crypto.DataType, recordID string, op model.ChangeOp, clientTS time.Time, payload []byte) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingOp string
	err = tx.QueryRow(`SELECT op FROM journal_entries WHERE data_type = ? AND record_id = ? AND status IN ('pending', 'conflicted')`,
		string(dataType), recordID).Scan(&existingOp)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`
			INSERT INTO journal_entries (data_type, record_id, op, client_ts, payload_plaintext, status)
			VALUES (?, ?, ?, ?, ?, 'pending')
		`, string(dataType), recordID, string(op), clientTS, payload); err != nil {
			return err
		}
		return tx.Commit()
	}

	resolved, drop := coalesce(model.ChangeOp(existingOp), op)
	if drop {
		if _, err := tx.Exec(`DELETE FROM journal_entries WHERE data_type = ? AND record_id = ?`,
			string(dataType), recordID); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.Exec(`
		UPDATE journal_entries SET op = ?, client_ts = ?, payload_plaintext = ?, status = 'pending'
		WHERE data_type = ? AND record_id = ?
	`, string(resolved), clientTS, payload, string(dataType), recordID); err != nil {
		return err
	}
	return tx.Commit()
}

// coalesce implements the pairwise collapse table from §4.C. drop=true
// means the pending entry is removed entirely (Insert-then-Delete
// before the insert was ever acked is a local-only no-op).
func coalesce(existing, incoming model.ChangeOp) (resolved model.ChangeOp, drop bool) {
	switch existing {
	case model.OpInsert:
		switch incoming {
		case model.OpUpdate:
			return model.OpInsert, false
		case model.OpDelete:
			return "", true
		case model.OpInsert:
			return model.OpInsert, false
		}
	case model.OpUpdate:
		switch incoming {
		case model.OpUpdate:
			return model.OpUpdate, false
		case model.OpDelete:
			return model.OpDelete, false
		case model.OpInsert:
			return model.OpInsert, false
		}
	case model.OpDelete:
		switch incoming {
		case model.OpInsert:
			// Delete-then-Insert: legal re-creation.
			return model.OpInsert, false
		case model.OpUpdate, model.OpDelete:
			return model.OpDelete, false
		}
	}
	return incoming, false
}

// Drain returns up to MaxBatchSize pending entries for dataType, marking
// them InFlight, for the reconciliation engine's Phase 1 (§4.E).
// Draining and marking happen inside tx so a cancelled round can roll
// back to Pending (§4.E "Cancellation").
func (j *Journal) Drain(tx *sql.Tx, dataType crypto.DataType) ([]model.JournalEntry, error) {
	rows, err := tx.Query(`
		SELECT seq, record_id, op, client_ts, payload_plaintext
		FROM journal_entries
		WHERE data_type = ? AND status = 'pending'
		ORDER BY seq
		LIMIT ?
	`, string(dataType), MaxBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		e.DataType = dataType
		var op string
		if err := rows.Scan(&e.Seq, &e.RecordID, &op, &e.ClientTS, &e.PayloadPlaintext); err != nil {
			return nil, err
		}
		e.Op = model.ChangeOp(op)
		e.Status = model.JournalInFlight
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE journal_entries SET status = 'in_flight' WHERE seq = ?`, e.Seq); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Ack removes a successfully processed entry (§4.C "Acked (deleted)").
func (j *Journal) Ack(tx *sql.Tx, seq int64) error {
	_, err := tx.Exec(`DELETE FROM journal_entries WHERE seq = ?`, seq)
	return err
}

// MarkConflicted moves an entry to the Conflicted state so the resolver
// can pick it up (§4.C, §4.E phase 3).
func (j *Journal) MarkConflicted(tx *sql.Tx, seq int64) error {
	_, err := tx.Exec(`UPDATE journal_entries SET status = 'conflicted' WHERE seq = ?`, seq)
	return err
}

// Requeue moves every InFlight entry for dataType back to Pending,
// e.g. when a round is cancelled between phases (§4.E "Cancellation").
func (j *Journal) Requeue(dataType crypto.DataType) error {
	_, err := j.db.Exec(`UPDATE journal_entries SET status = 'pending' WHERE data_type = ? AND status = 'in_flight'`,
		string(dataType))
	return err
}

// Conflicted returns every Conflicted entry for dataType, for the
// conflict resolver to act on.
func (j *Journal) Conflicted(dataType crypto.DataType) ([]model.JournalEntry, error) {
	rows, err := j.db.Query(`
		SELECT seq, record_id, op, client_ts, payload_plaintext
		FROM journal_entries WHERE data_type = ? AND status = 'conflicted'
		ORDER BY seq
	`, string(dataType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		e := model.JournalEntry{DataType: dataType, Status: model.JournalConflicted}
		var op string
		if err := rows.Scan(&e.Seq, &e.RecordID, &op, &e.ClientTS, &e.PayloadPlaintext); err != nil {
			return nil, err
		}
		e.Op = model.ChangeOp(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
