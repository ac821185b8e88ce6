package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Device mirrors one row of the devices table.
type Device struct {
	ID         string
	UserID     string
	DeviceName string
	Platform   string
	IsActive   bool
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// RegisterDevice inserts (or reactivates, on re-registration of a
// previously revoked device_id) a device row.
func RegisterDevice(ctx context.Context, pool *pgxpool.Pool, userID, deviceID, deviceName, platform string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO devices (id, user_id, device_name, platform, is_active, last_seen_at)
		VALUES ($1, $2, $3, $4, true, now())
		ON CONFLICT (id) DO UPDATE SET
			is_active = true, last_seen_at = now(), device_name = EXCLUDED.device_name
	`, deviceID, userID, deviceName, platform)
	if err != nil {
		return fmt.Errorf("db: register device: %w", err)
	}
	return nil
}

// TouchDevice bumps last_seen_at, called on every authenticated request.
func TouchDevice(ctx context.Context, pool *pgxpool.Pool, deviceID string) error {
	_, err := pool.Exec(ctx, `UPDATE devices SET last_seen_at = now() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("db: touch device: %w", err)
	}
	return nil
}

// IsDeviceActive reports whether deviceID is still active, used to
// reject requests from a revoked device even if its access token has
// not yet expired.
func IsDeviceActive(ctx context.Context, pool *pgxpool.Pool, deviceID string) (bool, error) {
	var active bool
	err := pool.QueryRow(ctx, `SELECT is_active FROM devices WHERE id = $1`, deviceID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db: is device active: %w", err)
	}
	return active, nil
}

// ListDevices returns every device registered to userID, most recently
// seen first.
func ListDevices(ctx context.Context, pool *pgxpool.Pool, userID string) ([]Device, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, user_id, device_name, platform, is_active, last_seen_at, created_at
		FROM devices WHERE user_id = $1 ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("db: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceName, &d.Platform, &d.IsActive, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ErrCannotRevokeCurrentDevice is returned when a device tries to
// revoke itself (§6 CANNOT_DELETE_CURRENT_DEVICE).
var ErrCannotRevokeCurrentDevice = errors.New("db: cannot revoke current device")

// RevokeDevice atomically deactivates deviceID, revokes every refresh
// token issued to it, and records an audit row (§4.I invariant 7).
// currentDeviceID is the device making the request; revoking it is
// rejected before any mutation happens.
func RevokeDevice(ctx context.Context, pool *pgxpool.Pool, userID, deviceID, currentDeviceID string) error {
	if deviceID == currentDeviceID {
		return ErrCannotRevokeCurrentDevice
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin revoke tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE devices SET is_active = false WHERE id = $1 AND user_id = $2
	`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("db: revoke device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true WHERE device_id = $1
	`, deviceID); err != nil {
		return fmt.Errorf("db: revoke refresh tokens: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO device_audit_log (device_id, event) VALUES ($1, 'revoked')
	`, deviceID); err != nil {
		return fmt.Errorf("db: insert audit row: %w", err)
	}

	return tx.Commit(ctx)
}
