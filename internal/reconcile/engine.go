// Package reconcile implements the reconciliation engine (§4.E): the
// six-phase per-data_type sync round — Prepare, Upload, HandleConflicts,
// Download, Apply, Commit — run as a sequence of atomic client-side
// transactions, cancellable only at phase boundaries. Grounded on the
// teacher's sync Manager state machine (internal/sync/manager.go),
// generalized from its fixed pull/import/export/commit/push pipeline to
// the spec's phase set and from a single git-backed dataset to one
// independent round per DataType.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aurora-mail/sync-engine/internal/apiclient"
	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/journal"
	"github.com/aurora-mail/sync-engine/internal/model"
	"github.com/aurora-mail/sync-engine/internal/queue"
	"github.com/aurora-mail/sync-engine/internal/resolver"
	"github.com/aurora-mail/sync-engine/internal/store"
)

// PageSize is the page size used for downloads (§4.E phase 4).
const PageSize = 1000

// RoundResult summarizes one completed round for the status surface
// and sync_history (§7).
type RoundResult struct {
	DataType       crypto.DataType
	Processed      int
	Conflicts      int
	DownloadedLive int
	DownloadedDel  int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Engine drives sync rounds for one device against one server. It
// holds no per-round state between calls to Run: all durable state
// lives in Store/Journal/Queue.
type Engine struct {
	Store    *store.Store
	Journal  *journal.Journal
	Queue    *queue.Queue
	API      *apiclient.Client
	Keys     *crypto.KeyRing
	DeviceID string
}

// Run executes one full round for dataType: Prepare -> Upload ->
// HandleConflicts -> Download -> Apply -> Commit. ctx is checked for
// cancellation between phases and, during Download, between pages
// (§4.E "Cancellation").
func (e *Engine) Run(ctx context.Context, dataType crypto.DataType) (RoundResult, error) {
	result := RoundResult{DataType: dataType, StartedAt: time.Now().UTC()}

	batch, err := e.prepareUpload(dataType)
	if err != nil {
		return result, fmt.Errorf("reconcile: prepare: %w", err)
	}
	if err := ctxCheckpoint(ctx); err != nil {
		e.cancelRound(dataType)
		return result, err
	}

	var upload apiclient.UploadResult
	if len(batch.changes) > 0 {
		upload, err = e.API.UploadDelta(ctx, dataType, e.DeviceID, time.Now().UTC(), batch.changes)
		if err != nil {
			return result, fmt.Errorf("reconcile: upload: %w", err)
		}
	}
	if err := ctxCheckpoint(ctx); err != nil {
		e.cancelRound(dataType)
		return result, err
	}

	processed, conflictCount, err := e.handleConflicts(dataType, batch, upload)
	if err != nil {
		return result, fmt.Errorf("reconcile: handle conflicts: %w", err)
	}
	result.Processed = processed
	result.Conflicts = conflictCount
	if err := ctxCheckpoint(ctx); err != nil {
		return result, err
	}

	lv, serverVersion, lastSyncAt, _, err := e.Store.StateVectorGet(dataType)
	if err != nil {
		return result, fmt.Errorf("reconcile: state vector: %w", err)
	}

	liveRecords, tombstones, maxServerTS, err := e.downloadAll(ctx, dataType, lastSyncAt)
	if err != nil {
		return result, fmt.Errorf("reconcile: download: %w", err)
	}
	result.DownloadedLive = len(liveRecords)
	result.DownloadedDel = len(tombstones)
	if err := ctxCheckpoint(ctx); err != nil {
		return result, err
	}

	if err := e.applyRemote(dataType, liveRecords, tombstones); err != nil {
		return result, fmt.Errorf("reconcile: apply: %w", err)
	}

	finalSync := lastSyncAt
	if maxServerTS.After(finalSync) {
		finalSync = maxServerTS
	}
	tx, err := e.Store.Begin()
	if err != nil {
		return result, err
	}
	if err := e.Store.StateVectorSet(tx, dataType, lv, serverVersion, finalSync, ""); err != nil {
		tx.Rollback()
		return result, fmt.Errorf("reconcile: commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	result.FinishedAt = time.Now().UTC()
	roundID := fmt.Sprintf("%s-%d", dataType, result.FinishedAt.UnixNano())
	_ = e.Store.RecordSyncHistory(roundID, dataType, result.Processed, result.Conflicts, result.StartedAt, result.FinishedAt)
	return result, nil
}

func ctxCheckpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// cancelRound requeues any entries this round marked InFlight back to
// Pending so a subsequent round retries them (§4.E "Cancellation").
func (e *Engine) cancelRound(dataType crypto.DataType) {
	_ = e.Journal.Requeue(dataType)
}

type preparedBatch struct {
	changes []apiclient.WireChange
	seqs    map[string]int64 // record_id -> journal seq, for phase 3 bookkeeping
}

// prepareUpload implements Phase 1: drain the journal into a batch of
// at most 1000 changes, encrypting Insert/Update plaintext under the
// data_type's data key.
func (e *Engine) prepareUpload(dataType crypto.DataType) (preparedBatch, error) {
	tx, err := e.Store.Begin()
	if err != nil {
		return preparedBatch{}, err
	}
	defer tx.Rollback()

	entries, err := e.Journal.Drain(tx, dataType)
	if err != nil {
		return preparedBatch{}, err
	}

	key, err := e.Keys.DataKey(dataType)
	if err != nil {
		return preparedBatch{}, err
	}

	batch := preparedBatch{seqs: make(map[string]int64, len(entries))}
	for _, entry := range entries {
		batch.seqs[entry.RecordID] = entry.Seq
		wc := apiclient.WireChange{RecordID: entry.RecordID, ClientTimestamp: entry.ClientTS}
		switch entry.Op {
		case model.OpDelete:
			wc.ChangeType = "delete"
		case model.OpInsert, model.OpUpdate:
			ciphertext, nonce, err := crypto.Encrypt(entry.PayloadPlaintext, key)
			if err != nil {
				return preparedBatch{}, err
			}
			if entry.Op == model.OpInsert {
				wc.ChangeType = "insert"
			} else {
				wc.ChangeType = "update"
			}
			wc.EncryptedRecord = base64.StdEncoding.EncodeToString(ciphertext)
			wc.RecordNonce = base64.StdEncoding.EncodeToString(nonce)
			wc.RecordChecksum = crypto.Checksum(ciphertext)
		}
		batch.changes = append(batch.changes, wc)
	}

	if err := tx.Commit(); err != nil {
		return preparedBatch{}, err
	}
	return batch, nil
}

// handleConflicts implements Phase 3: mark server-rejected entries
// Conflicted, ack the rest, and advance last_known_server_version.
func (e *Engine) handleConflicts(dataType crypto.DataType, batch preparedBatch, upload apiclient.UploadResult) (processed, conflicts int, err error) {
	if len(batch.changes) == 0 {
		return 0, 0, nil
	}

	conflicted := make(map[string]bool, len(upload.Conflicts))
	for _, c := range upload.Conflicts {
		conflicted[c.RecordID] = true
	}

	tx, err := e.Store.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	for recordID, seq := range batch.seqs {
		if conflicted[recordID] {
			if err := e.Journal.MarkConflicted(tx, seq); err != nil {
				return 0, 0, err
			}
			conflicts++
			continue
		}
		if err := e.Journal.Ack(tx, seq); err != nil {
			return 0, 0, err
		}
		processed++
	}

	localVersion, serverVersion, lastSync, lastErr, err := e.Store.StateVectorGet(dataType)
	if err != nil {
		return 0, 0, err
	}
	if upload.Version > serverVersion {
		serverVersion = upload.Version
	}
	if err := e.Store.StateVectorSet(tx, dataType, localVersion, serverVersion, lastSync, lastErr); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return processed, conflicts, nil
}

// downloadAll implements Phase 4: page through live changes and
// tombstones since lastSync, yielding to other data_types between
// pages by virtue of each page being a separate round-trip the
// scheduler can interleave (§4.E "Pagination and fairness").
func (e *Engine) downloadAll(ctx context.Context, dataType crypto.DataType, lastSync time.Time) ([]apiclient.WireRecord, []apiclient.WireTombstone, time.Time, error) {
	var live []apiclient.WireRecord
	var deleted []apiclient.WireTombstone
	maxTS := lastSync

	offset := 0
	for {
		page, err := e.API.DownloadDelta(ctx, dataType, lastSync, PageSize, offset)
		if err != nil {
			return nil, nil, maxTS, err
		}
		live = append(live, page.Changes...)
		deleted = append(deleted, page.Deleted...)
		for _, r := range page.Changes {
			if r.ServerTimestamp.After(maxTS) {
				maxTS = r.ServerTimestamp
			}
		}
		if !page.Pagination.HasMore {
			break
		}
		offset = page.Pagination.NextOffset
		if err := ctxCheckpoint(ctx); err != nil {
			return nil, nil, maxTS, err
		}
	}

	offset = 0
	for {
		page, err := e.API.DownloadDeleted(ctx, dataType, lastSync, PageSize, offset)
		if err != nil {
			return nil, nil, maxTS, err
		}
		deleted = append(deleted, page.Deleted...)
		if !page.Pagination.HasMore {
			break
		}
		offset = page.Pagination.NextOffset
		if err := ctxCheckpoint(ctx); err != nil {
			return nil, nil, maxTS, err
		}
	}

	return live, deleted, maxTS, nil
}

// applyRemote implements Phase 5.
func (e *Engine) applyRemote(dataType crypto.DataType, live []apiclient.WireRecord, deleted []apiclient.WireTombstone) error {
	key, err := e.Keys.DataKey(dataType)
	if err != nil {
		return err
	}

	for _, r := range live {
		local, getErr := e.Store.Get(dataType, r.RecordID)
		if getErr != nil && getErr != sql.ErrNoRows {
			return getErr
		}
		if getErr == nil && local.Version >= r.Version {
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(r.EncryptedRecord)
		if err != nil {
			_ = e.Store.MarkCorrupt(dataType, r.RecordID)
			continue
		}
		nonce, err := base64.StdEncoding.DecodeString(r.RecordNonce)
		if err != nil {
			_ = e.Store.MarkCorrupt(dataType, r.RecordID)
			continue
		}
		plaintext, err := crypto.Decrypt(ciphertext, nonce, key, r.RecordChecksum)
		if err != nil {
			_ = e.Store.MarkCorrupt(dataType, r.RecordID)
			continue
		}
		_ = plaintext // decrypted for integrity verification; the replica stores ciphertext only (§4.I invariant 3)

		tx, err := e.Store.Begin()
		if err != nil {
			return err
		}
		row := store.RecordRow{
			DataType:         dataType,
			RecordID:         r.RecordID,
			EncryptedPayload: ciphertext,
			Nonce:            nonce,
			Checksum:         r.RecordChecksum,
			Version:          r.Version,
			OriginDeviceID:   r.OriginDeviceID,
			ClientTS:         r.ClientTimestamp,
			ServerTS:         r.ServerTimestamp,
		}
		if err := e.Store.Upsert(tx, row); err != nil {
			tx.Rollback()
			if err == store.ErrVersionRegression || err == store.ErrTombstoneConflict {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	for _, ts := range deleted {
		pending, err := e.Journal.Conflicted(dataType)
		if err != nil {
			return err
		}
		skip := false
		for _, p := range pending {
			if p.RecordID == ts.RecordID && p.ClientTS.After(ts.DeletedAt) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		tx, err := e.Store.Begin()
		if err != nil {
			return err
		}
		if err := e.Store.Delete(tx, dataType, ts.RecordID, ts.DeletedByDevice, ts.DeletedAt); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// ResolveConflicted applies the conflict resolver to every Conflicted
// journal entry for dataType and re-enqueues a fresh Update for
// outcomes that produce one. Called by the scheduler after a round
// leaves conflicts behind (§4.F).
func (e *Engine) ResolveConflicted(dataType crypto.DataType) error {
	entries, err := e.Journal.Conflicted(dataType)
	if err != nil {
		return err
	}
	key, err := e.Keys.DataKey(dataType)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		remote, getErr := e.Store.Get(dataType, entry.RecordID)
		if getErr == sql.ErrNoRows {
			continue
		}
		if getErr != nil {
			return getErr
		}
		remotePlaintext, err := crypto.Decrypt(remote.EncryptedPayload, remote.Nonce, key, remote.Checksum)
		if err != nil {
			continue
		}

		res, err := resolver.Resolve(dataType, resolver.Side{
			Plaintext: entry.PayloadPlaintext,
			ClientTS:  entry.ClientTS,
			DeviceID:  e.DeviceID,
		}, resolver.Side{
			Plaintext: remotePlaintext,
			ClientTS:  remote.ClientTS,
			DeviceID:  remote.OriginDeviceID,
		})
		if err != nil {
			return err
		}

		switch res.Outcome {
		case resolver.OutcomeNeedsUserPrompt:
			// The entry stays Conflicted in the journal, awaiting a user
			// decision; nothing to re-enqueue here.
		case resolver.OutcomeUseRemote:
			// Local pending change is dropped; nothing to re-enqueue here.
			tx, err := e.Store.Begin()
			if err != nil {
				return err
			}
			if err := e.Journal.Ack(tx, entry.Seq); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		case resolver.OutcomeUseLocal:
			if err := e.Journal.Append(dataType, entry.RecordID, model.OpUpdate, time.Now().UTC(), entry.PayloadPlaintext); err != nil {
				return err
			}
		case resolver.OutcomeMerged:
			if err := e.Journal.Append(dataType, entry.RecordID, model.OpUpdate, time.Now().UTC(), res.MergedPlaintext); err != nil {
				return err
			}
		}
	}
	return nil
}
