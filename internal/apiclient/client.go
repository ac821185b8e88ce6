// Package apiclient implements the API client (§4.G): a stateless
// HTTPS client that attaches bearer auth, transparently refreshes an
// expired access token exactly once per failure, and surfaces 429
// responses with their Retry-After value to the offline queue.
// Grounded on the teacher pack's mcpserver http client retry pattern
// (erauner12-toolbridge-api/internal/mcpserver/client/httpclient.go),
// generalized from 401/409/428/429 session-epoch handling to the
// simpler 401-refresh-once and 429-propagate contract this spec needs.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aurora-mail/sync-engine/internal/authtoken"
)

// DefaultTimeout is the per-request HTTP timeout (§5).
const DefaultTimeout = 30 * time.Second

// Envelope is the generic success response wrapper (§6).
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// ErrorEnvelope is the generic error response wrapper (§6).
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError wraps a deserialized ErrorEnvelope with the HTTP status it
// arrived with, so callers can route 4xx vs 5xx per §7.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiclient: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// RateLimitedError is returned when the server responds 429; RetryAfter
// is the server-specified floor the caller (the offline queue) must
// respect before its next attempt (§4.D).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("apiclient: rate limited, retry after %s", e.RetryAfter)
}

// Client is the HTTPS client used by the reconciliation engine and
// auth flows.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *authtoken.Store
}

// New creates a Client against baseURL, backed by tokens for bearer
// auth and refresh rotation.
func New(baseURL string, tokens *authtoken.Store) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
		tokens:  tokens,
	}
}

// Do sends an authenticated request to path (joined with baseURL),
// retrying exactly once on 401 after a token refresh, and translating
// non-2xx JSON error envelopes into *APIError or *RateLimitedError.
// body, if non-nil, is marshaled as JSON.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	return c.doWithRetry(ctx, method, path, body, out, false)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out interface{}, refreshed bool) error {
	correlationID := uuid.New().String()
	logger := log.With().Str("method", method).Str("path", path).Str("correlationId", correlationID).Logger()

	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Correlation-ID", correlationID)
	if tok, ok := c.tokens.Current(); ok && tok.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("sync request failed")
		return err
	}
	defer resp.Body.Close()

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("sync request completed")

	switch {
	case resp.StatusCode == http.StatusUnauthorized && !refreshed:
		if rerr := c.refresh(ctx, &logger); rerr != nil {
			return rerr
		}
		return c.doWithRetry(ctx, method, path, body, out, true)

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode >= 400:
		return decodeAPIError(resp)

	default:
		if out == nil {
			return nil
		}
		var env Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("apiclient: decode envelope: %w", err)
		}
		return json.Unmarshal(env.Data, out)
	}
}

func (c *Client) buildRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// refresh exchanges the stored refresh_token for a fresh token pair,
// atomically rotating the persisted tokens on success (§4.G).
func (c *Client) refresh(ctx context.Context, logger *zerolog.Logger) error {
	tok, ok := c.tokens.Current()
	if !ok || tok.RefreshToken == "" {
		return fmt.Errorf("apiclient: no refresh token available")
	}

	req, err := c.buildRequest(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": tok.RefreshToken})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		logger.Warn().Int("status", resp.StatusCode).Msg("refresh token exchange failed")
		return decodeAPIError(resp)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("apiclient: decode refresh envelope: %w", err)
	}
	var fresh tokenResponse
	if err := json.Unmarshal(env.Data, &fresh); err != nil {
		return err
	}
	return c.tokens.Rotate(fresh.toTokens(time.Now()))
}

func decodeAPIError(resp *http.Response) error {
	var env ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: "failed to decode error response"}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
}

// parseRetryAfter parses the Retry-After header as integer seconds or
// an HTTP-date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
