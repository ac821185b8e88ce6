// Package devices wraps internal/server/db's device queries with the
// response shaping the HTTP layer needs: masked device IDs and the
// is_current flag relative to the requesting device (§6 GET /devices).
package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurora-mail/sync-engine/internal/server/db"
)

// Info is one entry of the device list response.
type Info struct {
	DeviceID       string
	DeviceIDMasked string
	DeviceName     string
	Platform       string
	IsCurrent      bool
	IsActive       bool
	LastSeenAt     time.Time
}

// List returns every device on the account, masked, with IsCurrent set
// relative to currentDeviceID.
func List(ctx context.Context, pool *pgxpool.Pool, userID, currentDeviceID string) (total, active int, infos []Info, err error) {
	rows, err := db.ListDevices(ctx, pool, userID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("devices: list: %w", err)
	}

	infos = make([]Info, 0, len(rows))
	for _, d := range rows {
		if d.IsActive {
			active++
		}
		infos = append(infos, Info{
			DeviceID:       d.ID,
			DeviceIDMasked: Mask(d.ID),
			DeviceName:     d.DeviceName,
			Platform:       d.Platform,
			IsCurrent:      d.ID == currentDeviceID,
			IsActive:       d.IsActive,
			LastSeenAt:     d.LastSeenAt,
		})
	}
	return len(rows), active, infos, nil
}

// Mask formats a device UUID as its first 8 and last 4 hex characters
// separated by an ellipsis, e.g. "a1b2c3d4…ef01". The wire contract
// (§6) names device_id_masked but leaves the exact format unspecified;
// this is the repo's chosen format, recorded as an Open Question
// decision.
func Mask(deviceID string) string {
	compact := stripHyphens(deviceID)
	if len(compact) <= 12 {
		return compact
	}
	return compact[:8] + "…" + compact[len(compact)-4:]
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Revoke deactivates deviceID on userID's account, rejecting an
// attempt to revoke the device making the request.
func Revoke(ctx context.Context, pool *pgxpool.Pool, userID, deviceID, currentDeviceID string) error {
	return db.RevokeDevice(ctx, pool, userID, deviceID, currentDeviceID)
}
