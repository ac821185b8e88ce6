// Package httpapi wires the chi router and HTTP handlers implementing
// §6's wire contract. Grounded on the teacher pack's
// internal/httpapi/router.go (erauner12-toolbridge-api) for the
// middleware stack and route-group shape, stripped of the
// tenant/session/epoch machinery that API doesn't need here (this
// server has no multi-tenant WorkOS layer) and rebuilt around the
// spec's {success,data} / {success:false,code,message} envelope
// instead of that API's bare {error,correlation_id} shape.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/ratelimit"
	"github.com/aurora-mail/sync-engine/internal/server/syncservice"
)

// Server holds every dependency the handlers need.
type Server struct {
	DB      *pgxpool.Pool
	Sync    *syncservice.Service
	AuthCfg auth.Config
}

// envelope is the generic success wrapper (§6).
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// errorEnvelope is the generic error wrapper (§6).
type errorEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError is the shared WriteJSONError implementation passed to
// both the auth and ratelimit middlewares.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Success: false, Code: code, Message: message})
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(ratelimit.RegisterLimit, ratelimit.ByRemoteIP, writeError))
		r.Post("/auth/register", s.Register)
	})
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(ratelimit.LoginLimit, ratelimit.ByRemoteIP, writeError))
		r.Post("/auth/login", s.Login)
		r.Get("/auth/salt", s.FetchSalt)
	})
	r.Post("/auth/refresh", s.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthCfg, writeError))
		r.Use(s.requireActiveDevice)

		r.Post("/auth/logout", s.Logout)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(ratelimit.UploadLimit, byUserID, writeError))
			r.Post("/sync/{data_type}/delta", s.UploadDelta)
		})
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(ratelimit.DownloadLimit, byUserID, writeError))
			r.Get("/sync/{data_type}/delta", s.DownloadDelta)
			r.Get("/sync/{data_type}/deleted", s.DownloadDeleted)
		})

		r.Get("/devices", s.ListDevices)
		r.Delete("/devices/{device_id}", s.RevokeDevice)
	})

	return r
}

func byUserID(r *http.Request) string {
	return auth.UserID(r.Context())
}
