package httpapi

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/syncservice"
)

var validDataTypes = map[string]bool{
	"accounts": true, "contacts": true, "preferences": true, "signatures": true,
}

func dataTypeParam(r *http.Request) (string, bool) {
	dt := chi.URLParam(r, "data_type")
	return dt, validDataTypes[dt]
}

type changeWire struct {
	RecordID        string    `json:"record_id"`
	ChangeType      string    `json:"change_type"`
	EncryptedRecord string    `json:"encrypted_record,omitempty"`
	RecordNonce     string    `json:"record_nonce,omitempty"`
	RecordChecksum  string    `json:"record_checksum,omitempty"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

type uploadReq struct {
	Changes         []changeWire `json:"changes"`
	DeviceID        string       `json:"device_id"`
	ClientTimestamp time.Time    `json:"client_timestamp"`
}

type conflictWire struct {
	RecordID        string    `json:"record_id"`
	ServerVersion   int64     `json:"server_version"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

type uploadResp struct {
	DataType       string         `json:"data_type"`
	Version        int64          `json:"version"`
	ProcessedCount int            `json:"processed_count"`
	ConflictCount  int            `json:"conflict_count"`
	Conflicts      []conflictWire `json:"conflicts"`
	SyncedAt       time.Time      `json:"synced_at"`
}

// UploadDelta handles POST /sync/{data_type}/delta (§6).
func (s *Server) UploadDelta(w http.ResponseWriter, r *http.Request) {
	dataType, ok := dataTypeParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATA_TYPE", "unknown data_type")
		return
	}

	var req uploadReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if len(req.Changes) > syncservice.MaxBatchSize {
		writeError(w, r, http.StatusBadRequest, "BATCH_TOO_LARGE", "changes exceeds the 1000-item batch limit")
		return
	}

	changes := make([]syncservice.Change, 0, len(req.Changes))
	for _, c := range req.Changes {
		var payload, nonce []byte
		if c.ChangeType != "delete" {
			var err error
			payload, err = base64.StdEncoding.DecodeString(c.EncryptedRecord)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "encrypted_record must be base64")
				return
			}
			nonce, err = base64.StdEncoding.DecodeString(c.RecordNonce)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "record_nonce must be base64")
				return
			}
			if !validChecksum(c.RecordChecksum, payload) {
				writeError(w, r, http.StatusBadRequest, "CHECKSUM_MISMATCH", "record_checksum does not match encrypted_record")
				return
			}
		}
		changes = append(changes, syncservice.Change{
			RecordID:        c.RecordID,
			ChangeType:      c.ChangeType,
			EncryptedRecord: payload,
			Nonce:           nonce,
			Checksum:        c.RecordChecksum,
			ClientTimestamp: c.ClientTimestamp,
		})
	}

	userID := auth.UserID(r.Context())
	result, err := s.Sync.Upload(r.Context(), userID, dataType, req.DeviceID, changes)
	if err != nil {
		if err == syncservice.ErrBatchTooLarge {
			writeError(w, r, http.StatusBadRequest, "BATCH_TOO_LARGE", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to apply upload batch")
		return
	}

	conflicts := make([]conflictWire, 0, len(result.Conflicts))
	for _, c := range result.Conflicts {
		conflicts = append(conflicts, conflictWire{RecordID: c.RecordID, ServerVersion: c.ServerVersion, ServerTimestamp: c.ServerTimestamp})
	}

	writeData(w, http.StatusOK, uploadResp{
		DataType:       dataType,
		Version:        result.Version,
		ProcessedCount: result.ProcessedCount,
		ConflictCount:  result.ConflictCount,
		Conflicts:      conflicts,
		SyncedAt:       result.SyncedAt,
	})
}

// validChecksum recomputes SHA-256 over the ciphertext and compares it
// to the client-supplied 64-hex digest (§4.A checksum contract). The
// server never decrypts; this is the only integrity check it performs
// before persisting opaque bytes.
func validChecksum(checksum string, ciphertext []byte) bool {
	sum := sha256.Sum256(ciphertext)
	want := hex.EncodeToString(sum[:])
	return len(checksum) == 64 && checksum == want
}

type recordWire struct {
	RecordID        string    `json:"record_id"`
	EncryptedRecord string    `json:"encrypted_record"`
	RecordNonce     string    `json:"record_nonce"`
	RecordChecksum  string    `json:"record_checksum"`
	Version         int64     `json:"version"`
	OriginDeviceID  string    `json:"origin_device_id"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

type tombstoneWire struct {
	RecordID        string    `json:"record_id"`
	DeletedAt       time.Time `json:"deleted_at"`
	DeletedByDevice string    `json:"deleted_by_device_id"`
}

type paginationWire struct {
	TotalChanges  int  `json:"total_changes,omitempty"`
	TotalDeleted  int  `json:"total_deleted,omitempty"`
	Limit         int  `json:"limit"`
	Offset        int  `json:"offset"`
	ReturnedCount int  `json:"returned_count"`
	HasMore       bool `json:"has_more"`
	NextOffset    int  `json:"next_offset"`
}

func parseSinceLimitOffset(r *http.Request) (since time.Time, limit, offset int) {
	q := r.URL.Query()
	since, _ = time.Parse(time.RFC3339, q.Get("since"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > syncservice.MaxBatchSize {
		limit = syncservice.MaxBatchSize
	}
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return since, limit, offset
}

type downloadResp struct {
	DataType   string          `json:"data_type"`
	Since      time.Time       `json:"since"`
	Changes    []recordWire    `json:"changes"`
	Deleted    []tombstoneWire `json:"deleted"`
	Pagination paginationWire  `json:"pagination"`
}

// DownloadDelta handles GET /sync/{data_type}/delta (§6).
func (s *Server) DownloadDelta(w http.ResponseWriter, r *http.Request) {
	dataType, ok := dataTypeParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATA_TYPE", "unknown data_type")
		return
	}
	since, limit, offset := parseSinceLimitOffset(r)
	userID := auth.UserID(r.Context())

	records, page, err := s.Sync.DownloadDelta(r.Context(), userID, dataType, since, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to query changes")
		return
	}
	deleted, delPage, err := s.Sync.DownloadDeleted(r.Context(), userID, dataType, since, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to query deletions")
		return
	}

	changes := make([]recordWire, 0, len(records))
	for _, rec := range records {
		changes = append(changes, recordWire{
			RecordID:        rec.RecordID,
			EncryptedRecord: base64.StdEncoding.EncodeToString(rec.EncryptedRecord),
			RecordNonce:     base64.StdEncoding.EncodeToString(rec.Nonce),
			RecordChecksum:  rec.Checksum,
			Version:         rec.Version,
			OriginDeviceID:  rec.OriginDeviceID,
			ClientTimestamp: rec.ClientTimestamp,
			ServerTimestamp: rec.ServerTimestamp,
		})
	}
	deletedWire := make([]tombstoneWire, 0, len(deleted))
	for _, t := range deleted {
		deletedWire = append(deletedWire, tombstoneWire{RecordID: t.RecordID, DeletedAt: t.DeletedAt, DeletedByDevice: t.DeletedByDevice})
	}

	writeData(w, http.StatusOK, downloadResp{
		DataType: dataType,
		Since:    since,
		Changes:  changes,
		Deleted:  deletedWire,
		Pagination: paginationWire{
			TotalChanges: page.Total, TotalDeleted: delPage.Total,
			Limit: limit, Offset: offset,
			ReturnedCount: page.ReturnedCount, HasMore: page.HasMore || delPage.HasMore,
			NextOffset: maxInt(page.NextOffset, delPage.NextOffset),
		},
	})
}

type deletedResp struct {
	DataType   string          `json:"data_type"`
	Since      time.Time       `json:"since"`
	Deleted    []tombstoneWire `json:"deleted"`
	Pagination paginationWire  `json:"pagination"`
}

// DownloadDeleted handles GET /sync/{data_type}/deleted (§6).
func (s *Server) DownloadDeleted(w http.ResponseWriter, r *http.Request) {
	dataType, ok := dataTypeParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATA_TYPE", "unknown data_type")
		return
	}
	since, limit, offset := parseSinceLimitOffset(r)
	userID := auth.UserID(r.Context())

	deleted, page, err := s.Sync.DownloadDeleted(r.Context(), userID, dataType, since, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to query deletions")
		return
	}

	deletedWire := make([]tombstoneWire, 0, len(deleted))
	for _, t := range deleted {
		deletedWire = append(deletedWire, tombstoneWire{RecordID: t.RecordID, DeletedAt: t.DeletedAt, DeletedByDevice: t.DeletedByDevice})
	}

	writeData(w, http.StatusOK, deletedResp{
		DataType: dataType,
		Since:    since,
		Deleted:  deletedWire,
		Pagination: paginationWire{
			TotalDeleted: page.Total, Limit: limit, Offset: offset,
			ReturnedCount: page.ReturnedCount, HasMore: page.HasMore, NextOffset: page.NextOffset,
		},
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
