package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRefreshTokenReused is returned when a presented refresh token is
// already revoked or expired (§6 "401 on reuse").
var ErrRefreshTokenReused = errors.New("db: refresh token revoked or expired")

// StoreRefreshToken persists the hash of a newly issued refresh token.
func StoreRefreshToken(ctx context.Context, pool *pgxpool.Pool, tokenHash, userID, deviceID string, expiresAt time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, device_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, tokenHash, userID, deviceID, expiresAt)
	if err != nil {
		return fmt.Errorf("db: store refresh token: %w", err)
	}
	return nil
}

// RefreshTokenRow mirrors one row of the refresh_tokens table.
type RefreshTokenRow struct {
	UserID   string
	DeviceID string
}

// ConsumeRefreshToken validates tokenHash and revokes it in the same
// transaction, so a presented token can be exchanged exactly once
// (§6 "old refresh_token becomes revoked").
func ConsumeRefreshToken(ctx context.Context, pool *pgxpool.Pool, tokenHash string) (RefreshTokenRow, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return RefreshTokenRow{}, fmt.Errorf("db: begin refresh tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var row RefreshTokenRow
	var revoked bool
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT user_id, device_id, revoked, expires_at
		FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE
	`, tokenHash).Scan(&row.UserID, &row.DeviceID, &revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshTokenRow{}, ErrRefreshTokenReused
		}
		return RefreshTokenRow{}, fmt.Errorf("db: lookup refresh token: %w", err)
	}
	if revoked || time.Now().After(expiresAt) {
		return RefreshTokenRow{}, ErrRefreshTokenReused
	}

	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`, tokenHash); err != nil {
		return RefreshTokenRow{}, fmt.Errorf("db: revoke refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RefreshTokenRow{}, fmt.Errorf("db: commit refresh tx: %w", err)
	}
	return row, nil
}

// RevokeAllForDevice revokes every refresh token issued to deviceID,
// used by logout.
func RevokeAllForDevice(ctx context.Context, pool *pgxpool.Pool, deviceID string) error {
	_, err := pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("db: revoke device tokens: %w", err)
	}
	return nil
}
