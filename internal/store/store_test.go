package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	key := make([]byte, crypto.KeySize)
	s, err := Open(filepath.Join(dir, "replica.db"), key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, version int64, ts time.Time) RecordRow {
	return RecordRow{
		DataType:         crypto.DataTypeContacts,
		RecordID:         id,
		EncryptedPayload: []byte("ciphertext"),
		Nonce:            []byte("nonce12bytes"),
		Checksum:         "deadbeef",
		Version:          version,
		OriginDeviceID:   "device-1",
		ClientTS:         ts,
		ServerTS:         ts,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Upsert(tx, sampleRecord("c-001", 1, now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.Get(crypto.DataTypeContacts, "c-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
}

func TestUpsertRejectsVersionRegression(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	tx, _ := s.Begin()
	if err := s.Upsert(tx, sampleRecord("c-001", 5, now)); err != nil {
		t.Fatalf("Upsert v5: %v", err)
	}
	tx.Commit()

	tx2, _ := s.Begin()
	defer tx2.Rollback()
	err := s.Upsert(tx2, sampleRecord("c-001", 5, now))
	if err != ErrVersionRegression {
		t.Fatalf("err = %v, want ErrVersionRegression", err)
	}
}

func TestDeleteCreatesTombstoneAndRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	tx, _ := s.Begin()
	s.Upsert(tx, sampleRecord("c-001", 1, now))
	tx.Commit()

	tx2, _ := s.Begin()
	if err := s.Delete(tx2, crypto.DataTypeContacts, "c-001", "device-1", now); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	tx2.Commit()

	if _, err := s.Get(crypto.DataTypeContacts, "c-001"); err == nil {
		t.Fatalf("expected record to be gone after delete")
	}
	deletedAt, found, err := s.TombstoneFor(crypto.DataTypeContacts, "c-001")
	if err != nil {
		t.Fatalf("TombstoneFor: %v", err)
	}
	if !found {
		t.Fatalf("expected tombstone to exist")
	}
	if !deletedAt.Equal(now) {
		t.Fatalf("deletedAt = %v, want %v", deletedAt, now)
	}
}

func TestInsertRejectedByLiveNewerTombstone(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	tx, _ := s.Begin()
	s.Upsert(tx, sampleRecord("c-001", 1, now))
	tx.Commit()

	tx2, _ := s.Begin()
	s.Delete(tx2, crypto.DataTypeContacts, "c-001", "device-1", now)
	tx2.Commit()

	// Re-insert with an older client_ts than the tombstone: rejected.
	tx3, _ := s.Begin()
	defer tx3.Rollback()
	older := now.Add(-time.Hour)
	err := s.Upsert(tx3, sampleRecord("c-001", 2, older))
	if err != ErrTombstoneConflict {
		t.Fatalf("err = %v, want ErrTombstoneConflict", err)
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	tx, _ := s.Begin()
	if err := s.StateVectorSet(tx, crypto.DataTypePreferences, 3, 3, now, ""); err != nil {
		t.Fatalf("StateVectorSet: %v", err)
	}
	tx.Commit()

	local, server, lastSync, lastErr, err := s.StateVectorGet(crypto.DataTypePreferences)
	if err != nil {
		t.Fatalf("StateVectorGet: %v", err)
	}
	if local != 3 || server != 3 || lastErr != "" {
		t.Fatalf("unexpected state vector: local=%d server=%d err=%q", local, server, lastErr)
	}
	if !lastSync.Equal(now) {
		t.Fatalf("lastSync = %v, want %v", lastSync, now)
	}
}
