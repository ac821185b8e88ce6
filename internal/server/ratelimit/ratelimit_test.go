package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenBucketAllowsBurstThenBlocks(t *testing.T) {
	b := newTokenBucket(2, 0.001) // effectively no refill within the test
	if allowed, _, _, _ := b.allow(); !allowed {
		t.Fatalf("first request should be allowed")
	}
	if allowed, _, _, _ := b.allow(); !allowed {
		t.Fatalf("second request should be allowed (burst=2)")
	}
	if allowed, _, _, _ := b.allow(); allowed {
		t.Fatalf("third request should be rate limited")
	}
}

func TestMiddlewareSetsHeadersAndRejects(t *testing.T) {
	limit := Limit{WindowSeconds: 3600, MaxRequests: 1, Burst: 1}
	var rejected bool
	writeErr := func(w http.ResponseWriter, r *http.Request, status int, code, message string) {
		rejected = true
		w.WriteHeader(status)
	}
	handler := Middleware(limit, ByRemoteIP, writeErr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/accounts/delta", nil)
	req.RemoteAddr = "203.0.113.5:54321"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}
	if rec1.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("X-RateLimit-Limit = %q, want 1", rec1.Header().Get("X-RateLimit-Limit"))
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if !rejected {
		t.Fatalf("second request from the same IP should have been rejected")
	}
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After header missing on 429")
	}
}

func TestByRemoteIPKeysDifferentClientsSeparately(t *testing.T) {
	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.RemoteAddr = "10.0.0.1:1111"
	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.RemoteAddr = "10.0.0.2:2222"

	if ByRemoteIP(reqA) == ByRemoteIP(reqB) {
		t.Fatalf("distinct remote addrs produced the same key")
	}
}
