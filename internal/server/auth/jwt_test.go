package auth

import (
	"context"
	"testing"
)

func TestIssueAndValidateAccessToken(t *testing.T) {
	cfg := Config{HS256Secret: "test-secret", Issuer: "aurora-mail-sync"}

	token, expiresAt, err := IssueAccessToken(cfg, "user-1", "device-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if expiresAt.IsZero() {
		t.Fatalf("expiresAt is zero")
	}

	userID, deviceID, err := ValidateAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if userID != "user-1" || deviceID != "device-1" {
		t.Fatalf("got userID=%q deviceID=%q, want user-1/device-1", userID, deviceID)
	}
}

func TestValidateAccessTokenWrongSecret(t *testing.T) {
	cfg := Config{HS256Secret: "test-secret", Issuer: "aurora-mail-sync"}
	token, _, err := IssueAccessToken(cfg, "user-1", "device-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	wrongCfg := Config{HS256Secret: "other-secret", Issuer: "aurora-mail-sync"}
	if _, _, err := ValidateAccessToken(wrongCfg, token); err == nil {
		t.Fatalf("ValidateAccessToken accepted a token signed with a different secret")
	}
}

func TestValidateAccessTokenWrongIssuer(t *testing.T) {
	cfg := Config{HS256Secret: "test-secret", Issuer: "aurora-mail-sync"}
	token, _, err := IssueAccessToken(cfg, "user-1", "device-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	otherIssuer := Config{HS256Secret: "test-secret", Issuer: "someone-else"}
	if _, _, err := ValidateAccessToken(otherIssuer, token); err == nil {
		t.Fatalf("ValidateAccessToken accepted a token with the wrong issuer")
	}
}

func TestContextIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-9", "device-9")
	if UserID(ctx) != "user-9" {
		t.Fatalf("UserID = %q, want user-9", UserID(ctx))
	}
	if DeviceID(ctx) != "device-9" {
		t.Fatalf("DeviceID = %q, want device-9", DeviceID(ctx))
	}
}
