// Package auth implements the sync server's own token issuance and
// validation (§4.I, §6). Unlike an API gateway sitting in front of a
// third-party identity provider, this server is the sole issuer: there
// is no JWKS, no external IdP, and no RS256 path. Grounded on the
// teacher pack's auth/jwt.go (erauner12-toolbridge-api), stripped down
// to the HS256-only "backend token" branch of that file's key
// function, since the JWKS/RS256 branch has nothing to adapt here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ctxKey avoids collisions with context keys set by other packages.
type ctxKey string

const (
	ctxUserID   ctxKey = "aurora_user_id"
	ctxDeviceID ctxKey = "aurora_device_id"
)

// AccessTokenTTL and RefreshTokenTTL bound the two token lifetimes
// returned in every tokens envelope (§6).
const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour
)

var (
	// ErrInvalidToken is returned for any access token that fails
	// signature verification, is expired, or is missing required claims.
	ErrInvalidToken = errors.New("auth: invalid access token")
)

// Config carries the server's signing secret. A single secret signs
// every access token; there is no key rotation surface in this spec.
type Config struct {
	HS256Secret string
	Issuer      string
}

// claims is the access token's payload. Only user_id and device_id are
// meaningful beyond the registered claims; the access token never
// carries the email or any key material.
type claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// IssueAccessToken mints a short-lived HS256 access token bound to a
// specific device, so a revoked device's outstanding access tokens
// still expire within AccessTokenTTL even though access tokens are not
// individually revocable.
func IssueAccessToken(cfg Config, userID, deviceID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(AccessTokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:   userID,
		DeviceID: deviceID,
	})
	signed, err := tok.SignedString([]byte(cfg.HS256Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken verifies tokenString's signature and expiry and
// returns the bound user_id and device_id.
func ValidateAccessToken(cfg Config, tokenString string) (userID, deviceID string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.HS256Secret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.UserID == "" {
		return "", "", ErrInvalidToken
	}
	return c.UserID, c.DeviceID, nil
}

// UserID extracts the authenticated user ID stashed by Middleware.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// DeviceID extracts the authenticated device ID stashed by Middleware.
func DeviceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxDeviceID).(string)
	return v
}

// WithIdentity returns a context carrying userID/deviceID, used by
// tests that need to call handlers without going through Middleware.
func WithIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxDeviceID, deviceID)
	return ctx
}
