package httpapi

import (
	"net/http"

	serverauth "github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/db"
)

// requireActiveDevice rejects requests from a device that has been
// revoked, even if its access token has not yet expired, and
// otherwise touches last_seen_at.
func (s *Server) requireActiveDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := serverauth.DeviceID(r.Context())
		active, err := db.IsDeviceActive(r.Context(), s.DB, deviceID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to check device status")
			return
		}
		if !active {
			writeError(w, r, http.StatusUnauthorized, "DEVICE_REVOKED", "this device has been revoked")
			return
		}
		_ = db.TouchDevice(r.Context(), s.DB, deviceID)
		next.ServeHTTP(w, r.WithContext(r.Context()))
	})
}
