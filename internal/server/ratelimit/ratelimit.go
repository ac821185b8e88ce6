// Package ratelimit implements the fixed per-route limits of §4.I
// invariant 6 as in-memory token buckets. Grounded on the teacher
// pack's internal/httpapi/ratelimit.go (erauner12-toolbridge-api),
// reused near-verbatim for the token bucket and header-writing shape;
// generalized from a single per-user config to a per-route Limit that
// can key by user_id (upload/download) or by remote IP
// (register/login, which run before a user is authenticated).
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limit configures one route's bucket: MaxRequests over WindowSeconds,
// with Burst capacity for the initial token bucket size.
type Limit struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// The four fixed limits named in §4.I invariant 6.
var (
	UploadLimit   = Limit{WindowSeconds: 60, MaxRequests: 20, Burst: 20}
	DownloadLimit = Limit{WindowSeconds: 60, MaxRequests: 30, Burst: 30}
	RegisterLimit = Limit{WindowSeconds: 3600, MaxRequests: 3, Burst: 3}
	LoginLimit    = Limit{WindowSeconds: 60, MaxRequests: 5, Burst: 5}
)

// tokenBucket is a classic token bucket: tokens refill continuously at
// refillRate per second, capped at capacity.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: float64(capacity), capacity: float64(capacity), refillRate: refillRate, lastRefill: time.Now()}
}

// allow refills, then consumes a token if available. Returns whether
// the request is allowed, tokens remaining, when the next token will
// be available (Retry-After basis), and when the bucket is full again
// (X-RateLimit-Reset basis).
func (b *tokenBucket) allow() (allowed bool, remaining int, nextToken, fullReset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	tokensNeeded := b.capacity - b.tokens
	fullReset = now.Add(time.Duration(tokensNeeded/b.refillRate) * time.Second)

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, int(b.tokens), now, fullReset
	}

	secondsUntilNext := (1.0 - b.tokens) / b.refillRate
	nextToken = now.Add(time.Duration(secondsUntilNext) * time.Second)
	return false, 0, nextToken, fullReset
}

// Limiter owns one limit's set of per-key buckets, keyed by whatever
// KeyFunc the middleware is configured with (user_id or remote IP).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	limit   Limit
}

func NewLimiter(limit Limit) *Limiter {
	l := &Limiter{buckets: make(map[string]*tokenBucket), limit: limit}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	refillRate := float64(l.limit.MaxRequests) / float64(l.limit.WindowSeconds)
	b = newTokenBucket(l.limit.Burst, refillRate)
	l.buckets[key] = b
	return b
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for key, b := range l.buckets {
			b.mu.Lock()
			stale := time.Since(b.lastRefill) > time.Hour
			b.mu.Unlock()
			if stale {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// KeyFunc extracts the bucket key (user_id or client IP) from a request.
type KeyFunc func(r *http.Request) string

// ByUserID keys the bucket by the user_id string already stashed in
// context by the auth middleware.
func ByUserID(userID func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string { return userID(r) }
}

// ByRemoteIP keys the bucket by the request's remote IP, for routes
// that run before authentication (register, login).
func ByRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteJSONError matches the shared error-envelope signature used
// across internal/server.
type WriteJSONError func(w http.ResponseWriter, r *http.Request, status int, code, message string)

// Middleware enforces limit per key, setting X-RateLimit-* on every
// response and Retry-After on 429s (§6).
func Middleware(limit Limit, key KeyFunc, writeErr WriteJSONError) func(http.Handler) http.Handler {
	limiter := NewLimiter(limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextToken, fullReset := limiter.bucket(k).allow()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullReset.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeErr(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
