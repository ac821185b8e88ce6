package syncservice

import (
	"context"
	"fmt"
	"time"
)

// Record is one live row returned by Download (§4.E phase 4).
type Record struct {
	RecordID        string
	EncryptedRecord []byte
	Nonce           []byte
	Checksum        string
	Version         int64
	OriginDeviceID  string
	ClientTimestamp time.Time
	ServerTimestamp time.Time
}

// Tombstone is one deletion row returned by Download/Deleted.
type Tombstone struct {
	RecordID        string
	DeletedAt       time.Time
	DeletedByDevice string
}

// Page is the limit/offset pagination envelope shared by every list endpoint (§6).
type Page struct {
	Total         int
	Limit         int
	Offset        int
	ReturnedCount int
	HasMore       bool
	NextOffset    int
}

func makePage(total, limit, offset, returned int) Page {
	hasMore := offset+returned < total
	next := offset + returned
	if !hasMore {
		next = offset
	}
	return Page{Total: total, Limit: limit, Offset: offset, ReturnedCount: returned, HasMore: hasMore, NextOffset: next}
}

// DownloadDelta returns live records changed since since, paginated by
// (limit, offset), ordered by server_timestamp so repeated pulls are
// stable even as new writes land (§4.E phase 4).
func (s *Service) DownloadDelta(ctx context.Context, userID, dataType string, since time.Time, limit, offset int) ([]Record, Page, error) {
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}

	var total int
	if err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM records WHERE user_id = $1 AND data_type = $2 AND server_timestamp > $3
	`, userID, dataType, since).Scan(&total); err != nil {
		return nil, Page{}, fmt.Errorf("syncservice: count records: %w", err)
	}

	rows, err := s.DB.Query(ctx, `
		SELECT record_id, encrypted_payload, nonce, checksum, version, origin_device_id, client_timestamp, server_timestamp
		FROM records
		WHERE user_id = $1 AND data_type = $2 AND server_timestamp > $3
		ORDER BY server_timestamp, record_id
		LIMIT $4 OFFSET $5
	`, userID, dataType, since, limit, offset)
	if err != nil {
		return nil, Page{}, fmt.Errorf("syncservice: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RecordID, &r.EncryptedRecord, &r.Nonce, &r.Checksum, &r.Version, &r.OriginDeviceID, &r.ClientTimestamp, &r.ServerTimestamp); err != nil {
			return nil, Page{}, fmt.Errorf("syncservice: scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, err
	}

	return out, makePage(total, limit, offset, len(out)), nil
}

// DownloadDeleted returns tombstones created since since, still within
// retention (§4.I invariant 4: "until then, GET /deleted must surface
// them").
func (s *Service) DownloadDeleted(ctx context.Context, userID, dataType string, since time.Time, limit, offset int) ([]Tombstone, Page, error) {
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}

	var total int
	if err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM tombstones WHERE user_id = $1 AND data_type = $2 AND deleted_at > $3 AND expires_at > now()
	`, userID, dataType, since).Scan(&total); err != nil {
		return nil, Page{}, fmt.Errorf("syncservice: count tombstones: %w", err)
	}

	rows, err := s.DB.Query(ctx, `
		SELECT record_id, deleted_at, deleted_by_device_id
		FROM tombstones
		WHERE user_id = $1 AND data_type = $2 AND deleted_at > $3 AND expires_at > now()
		ORDER BY deleted_at, record_id
		LIMIT $4 OFFSET $5
	`, userID, dataType, since, limit, offset)
	if err != nil {
		return nil, Page{}, fmt.Errorf("syncservice: query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.RecordID, &t.DeletedAt, &t.DeletedByDevice); err != nil {
			return nil, Page{}, fmt.Errorf("syncservice: scan tombstone: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, err
	}

	return out, makePage(total, limit, offset, len(out)), nil
}
