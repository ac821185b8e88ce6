package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword applies the server-side second hash to the client's
// Argon2id auth_hash (§4.A: "the server applies a second, server-side
// hash before storing this value"). The raw master password never
// reaches the server; authHash is already the output of
// crypto.DeriveAuthHash on the client. bcrypt is used here rather than
// a second Argon2id pass: authHash is already uniformly random
// 32-byte material, so bcrypt's built-in salt and cost factor are
// sufficient and avoid tuning two independent memory-hard parameter
// sets for the same secret.
func HashPassword(authHash []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(authHash)
	hashed, err := bcrypt.GenerateFromPassword([]byte(encoded), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password verifier: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks authHash (the client-supplied Argon2id output
// for this login attempt) against the stored password_verifier.
func VerifyPassword(verifier string, authHash []byte) bool {
	encoded := base64.StdEncoding.EncodeToString(authHash)
	return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(encoded)) == nil
}

// refreshTokenBytes is the amount of entropy in an issued refresh
// token, before hex encoding.
const refreshTokenBytes = 32

// NewRefreshToken generates an opaque, high-entropy refresh token. The
// token itself is returned to the client once and never stored;
// RefreshTokenHash is persisted instead, so a database leak does not
// hand out usable tokens (§4.I invariant 7, §6 rotation-on-reuse).
func NewRefreshToken() (token string, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, RefreshTokenHash(token), nil
}

// RefreshTokenHash deterministically hashes a presented refresh token
// for lookup against the stored hash; refresh tokens are bearer
// secrets so this is a plain digest, not a salted password hash.
func RefreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompareToken is a constant-time comparison of two refresh
// token hashes, used where the lookup path cannot rely solely on a
// unique-index match (defense in depth, not a substitute for it).
func SecureCompareToken(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
