package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/db"
	"github.com/aurora-mail/sync-engine/internal/server/devices"
)

type deviceWire struct {
	DeviceID       string    `json:"device_id"`
	DeviceIDMasked string    `json:"device_id_masked"`
	DeviceName     string    `json:"device_name"`
	Platform       string    `json:"platform"`
	IsCurrent      bool      `json:"is_current"`
	IsActive       bool      `json:"is_active"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

type devicesResp struct {
	Total   int          `json:"total"`
	Active  int          `json:"active"`
	Devices []deviceWire `json:"devices"`
}

// ListDevices handles GET /devices (§6).
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	currentDeviceID := auth.DeviceID(r.Context())

	total, active, infos, err := devices.List(r.Context(), s.DB, userID, currentDeviceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list devices")
		return
	}

	out := make([]deviceWire, 0, len(infos))
	for _, d := range infos {
		out = append(out, deviceWire{
			DeviceID: d.DeviceID, DeviceIDMasked: d.DeviceIDMasked, DeviceName: d.DeviceName,
			Platform: d.Platform, IsCurrent: d.IsCurrent, IsActive: d.IsActive, LastSeenAt: d.LastSeenAt,
		})
	}

	writeData(w, http.StatusOK, devicesResp{Total: total, Active: active, Devices: out})
}

// RevokeDevice handles DELETE /devices/{device_id} (§6).
func (s *Server) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	currentDeviceID := auth.DeviceID(r.Context())
	targetDeviceID := chi.URLParam(r, "device_id")

	err := devices.Revoke(r.Context(), s.DB, userID, targetDeviceID, currentDeviceID)
	switch err {
	case nil:
		writeData(w, http.StatusOK, map[string]bool{"revoked": true})
	case db.ErrCannotRevokeCurrentDevice:
		writeError(w, r, http.StatusBadRequest, "CANNOT_DELETE_CURRENT_DEVICE", "cannot revoke the device making this request")
	case db.ErrNotFound:
		writeError(w, r, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to revoke device")
	}
}
