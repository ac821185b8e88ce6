// Package model defines the domain entities shared by the client sync
// engine and the server sync service: the wire-level Record/Tombstone
// shapes, the journal and queue item types, and the per-data-type state
// vector. See spec §3 for the authoritative field list.
package model

import (
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
)

// TombstoneRetention is the fixed 90-day window a deletion tombstone is
// kept before the server's janitor purges it (§4.I invariant 4).
const TombstoneRetention = 90 * 24 * time.Hour

// Record is a single logical row within a DataType, identified by a
// stable client-assigned record_id. The server stores exactly these
// opaque fields and never computes over plaintext (§4.I invariant 3).
type Record struct {
	RecordID       string
	DataType       crypto.DataType
	EncryptedBlob  []byte
	Nonce          []byte
	Checksum       string
	Version        int64
	OriginDeviceID string
	ClientTS       time.Time
	ServerTS       time.Time
}

// Tombstone marks that a record was deleted, retained for
// TombstoneRetention so peers can observe the deletion (§3).
type Tombstone struct {
	RecordID        string
	DataType        crypto.DataType
	DeletedAt       time.Time
	DeletedByDevice string
	ExpiresAt       time.Time
}

// NewTombstone builds a Tombstone with ExpiresAt fixed to
// DeletedAt+TombstoneRetention.
func NewTombstone(recordID string, dt crypto.DataType, deletedAt time.Time, deviceID string) Tombstone {
	return Tombstone{
		RecordID:        recordID,
		DataType:        dt,
		DeletedAt:       deletedAt,
		DeletedByDevice: deviceID,
		ExpiresAt:       deletedAt.Add(TombstoneRetention),
	}
}

// ChangeOp is the kind of mutation a ChangeJournalEntry or wire Change
// carries.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// JournalStatus is the lifecycle state of a ChangeJournalEntry (§3).
type JournalStatus string

const (
	JournalPending    JournalStatus = "pending"
	JournalInFlight   JournalStatus = "in_flight"
	JournalConflicted JournalStatus = "conflicted"
)

// JournalEntry is a single pending local mutation, appended by UI-facing
// components and drained only by the reconciliation engine (§4.C).
type JournalEntry struct {
	Seq              int64
	DataType         crypto.DataType
	RecordID         string
	Op               ChangeOp
	ClientTS         time.Time
	PayloadPlaintext []byte // nil for Delete
	Status           JournalStatus
}

// QueueAction distinguishes a push (upload) queue item from a pull
// (download) queue item (§3).
type QueueAction string

const (
	ActionPush QueueAction = "push"
	ActionPull QueueAction = "pull"
)

// QueueStatus is the lifecycle state of a QueueItem (§3).
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueFailed     QueueStatus = "failed"
	QueueCompleted  QueueStatus = "completed"
)

// QueueItem is a durable, retryable unit of sync work (§3, §4.D).
type QueueItem struct {
	ID            int64
	Action        QueueAction
	DataType      crypto.DataType
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        QueueStatus
}

// StateVector is the per-data-type client sync bookkeeping updated
// atomically at the end of a successful sync step (§3).
type StateVector struct {
	DataType               crypto.DataType
	LocalVersion           int64
	LastKnownServerVersion int64
	LastSyncAt             time.Time
	LastError              string
}

// Conflict describes a server-side LWW rejection reported back from an
// upload (§4.E phase 3, wire contract in §6).
type Conflict struct {
	RecordID       string
	ServerVersion  int64
	ServerTS       time.Time
}

// Device mirrors the server-side and client-side device registration
// record (§3).
type Device struct {
	DeviceID   string
	UserID     string
	Name       string
	Platform   string
	CreatedAt  time.Time
	LastSeenAt time.Time
	IsActive   bool
}
