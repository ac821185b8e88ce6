package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	authHash := []byte("0123456789abcdef0123456789abcdef")

	verifier, err := HashPassword(authHash)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(verifier, authHash) {
		t.Fatalf("VerifyPassword rejected the correct auth_hash")
	}
	if VerifyPassword(verifier, []byte("wrong-hash-wrong-hash-wrong-hash")) {
		t.Fatalf("VerifyPassword accepted a wrong auth_hash")
	}
}

func TestNewRefreshTokenIsUnpredictableAndHashed(t *testing.T) {
	tokenA, hashA, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	tokenB, hashB, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	if tokenA == tokenB {
		t.Fatalf("two refresh tokens collided")
	}
	if hashA == hashB {
		t.Fatalf("two refresh token hashes collided")
	}
	if RefreshTokenHash(tokenA) != hashA {
		t.Fatalf("RefreshTokenHash(tokenA) != hash returned by NewRefreshToken")
	}
	if tokenA == hashA {
		t.Fatalf("hash must not equal the raw token")
	}
}

func TestSecureCompareToken(t *testing.T) {
	if !SecureCompareToken("abc", "abc") {
		t.Fatalf("equal tokens did not compare equal")
	}
	if SecureCompareToken("abc", "abd") {
		t.Fatalf("different tokens compared equal")
	}
}
