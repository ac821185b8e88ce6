package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aurora-mail/sync-engine/internal/server/auth"
	"github.com/aurora-mail/sync-engine/internal/server/db"
)

type tokensResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	UserSalt string `json:"user_salt"`
}

// issueTokens writes the {user, tokens} envelope shared by register and
// login. userSalt is the non-secret salt the client needs to rederive
// master_key on this device (§4.A step 1: "fetched at login").
func (s *Server) issueTokens(w http.ResponseWriter, r *http.Request, status int, userID, deviceID, email string, userSalt []byte) {
	access, expiresAt, err := auth.IssueAccessToken(s.AuthCfg, userID, deviceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue access token")
		return
	}
	refreshToken, refreshHash, err := auth.NewRefreshToken()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue refresh token")
		return
	}
	if err := db.StoreRefreshToken(r.Context(), s.DB, refreshHash, userID, deviceID, time.Now().Add(auth.RefreshTokenTTL)); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to persist refresh token")
		return
	}

	writeData(w, status, map[string]interface{}{
		"user": userResponse{ID: userID, Email: email, UserSalt: base64.StdEncoding.EncodeToString(userSalt)},
		"tokens": tokensResponse{
			AccessToken:  access,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		},
	})
}

type registerReq struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	UserSalt   string `json:"user_salt"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// Register creates a new account and its first device. Password here
// is already the client's Argon2id auth_hash (base64), not the raw
// master password (§4.A) — the server applies its own bcrypt hash
// before storing it as password_verifier. user_salt is generated by
// the client, since the client needs it to derive auth_hash before the
// server has ever seen this account; the server only persists it
// verbatim so it can hand it back at login (§4.A: "created at
// registration, stored server-side and fetched at login").
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.Email == "" || req.Password == "" || req.UserSalt == "" || req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email, password, user_salt and device_id are required")
		return
	}

	authHash, err := base64.StdEncoding.DecodeString(req.Password)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "password must be base64-encoded auth hash")
		return
	}
	salt, err := base64.StdEncoding.DecodeString(req.UserSalt)
	if err != nil || len(salt) != 32 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "user_salt must be 32 base64-encoded bytes")
		return
	}

	verifier, err := auth.HashPassword(authHash)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to hash password")
		return
	}

	u, err := db.CreateUser(r.Context(), s.DB, req.Email, verifier, salt)
	if err != nil {
		if err == db.ErrEmailExists {
			writeError(w, r, http.StatusConflict, "EMAIL_EXISTS", "an account with this email already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to create user")
		return
	}

	if err := db.RegisterDevice(r.Context(), s.DB, u.ID, req.DeviceID, req.DeviceName, req.Platform); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to register device")
		return
	}

	s.issueTokens(w, r, http.StatusCreated, u.ID, req.DeviceID, u.Email, salt)
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// Login authenticates an existing account from device_id, registering
// the device if this is its first login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}

	u, err := db.GetUserByEmail(r.Context(), s.DB, req.Email)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	authHash, err := base64.StdEncoding.DecodeString(req.Password)
	if err != nil || !auth.VerifyPassword(u.PasswordVerifier, authHash) {
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	if err := db.RegisterDevice(r.Context(), s.DB, u.ID, req.DeviceID, "", ""); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to register device")
		return
	}

	s.issueTokens(w, r, http.StatusOK, u.ID, req.DeviceID, u.Email, u.UserSalt)
}

// FetchSalt returns the non-secret user_salt for email, so a device
// that has never seen this account before can derive the same
// auth_hash the server verifies at /auth/login (§4.A: salt is
// "fetched at login", which for a brand-new device has to mean before
// login, not after).
func (s *Server) FetchSalt(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email is required")
		return
	}
	u, err := db.GetUserByEmail(r.Context(), s.DB, email)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "no account with this email")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"user_salt": base64.StdEncoding.EncodeToString(u.UserSalt)})
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new token pair, revoking the
// presented one so it cannot be replayed (§6).
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "refresh_token is required")
		return
	}

	row, err := db.ConsumeRefreshToken(r.Context(), s.DB, auth.RefreshTokenHash(req.RefreshToken))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "refresh token is invalid, expired, or already used")
		return
	}

	access, expiresAt, err := auth.IssueAccessToken(s.AuthCfg, row.UserID, row.DeviceID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue access token")
		return
	}
	refreshToken, refreshHash, err := auth.NewRefreshToken()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue refresh token")
		return
	}
	if err := db.StoreRefreshToken(r.Context(), s.DB, refreshHash, row.UserID, row.DeviceID, time.Now().Add(auth.RefreshTokenTTL)); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to persist refresh token")
		return
	}

	writeData(w, http.StatusOK, tokensResponse{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	})
}

// Logout revokes every refresh token issued to the calling device.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	deviceID := auth.DeviceID(r.Context())
	if err := db.RevokeAllForDevice(r.Context(), s.DB, deviceID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to revoke tokens")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"logged_out": true})
}
