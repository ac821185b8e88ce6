package apiclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/aurora-mail/sync-engine/internal/authtoken"
	"github.com/aurora-mail/sync-engine/internal/crypto"
)

// tokenResponse is the wire shape of the tokens object returned by
// register/login/refresh (§6).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (t tokenResponse) toTokens(now time.Time) authtoken.Tokens {
	return authtoken.Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    now.Add(time.Duration(t.ExpiresIn) * time.Second),
	}
}

// User is the server-side identity returned alongside tokens.
// UserSalt is only populated on register/login, per §4.A.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	UserSalt string `json:"user_salt,omitempty"`
}

type registerOrLoginResponse struct {
	User   User          `json:"user"`
	Tokens tokenResponse `json:"tokens"`
}

// Register creates a new account and device, persisting the returned
// tokens via the client's token store. userSalt is base64-encoded and
// generated by the caller, since the caller needs it before the server
// has ever seen this account (it derives password from it).
func (c *Client) Register(ctx context.Context, email, password, userSalt, deviceID, deviceName, platform string) (User, error) {
	var resp registerOrLoginResponse
	err := c.Do(ctx, "POST", "/auth/register", map[string]string{
		"email": email, "password": password, "user_salt": userSalt, "device_id": deviceID,
		"device_name": deviceName, "platform": platform,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	if err := c.tokens.Rotate(resp.Tokens.toTokens(time.Now())); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// FetchUserSalt looks up the non-secret user_salt for email, needed to
// derive auth_hash on a device that has never logged into this account
// before and so has nothing cached locally.
func (c *Client) FetchUserSalt(ctx context.Context, email string) ([]byte, error) {
	var resp struct {
		UserSalt string `json:"user_salt"`
	}
	if err := c.Do(ctx, "GET", "/auth/salt?email="+url.QueryEscape(email), nil, &resp); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.UserSalt)
}

// Login authenticates an existing account from this device.
func (c *Client) Login(ctx context.Context, email, password, deviceID string) (User, error) {
	var resp registerOrLoginResponse
	err := c.Do(ctx, "POST", "/auth/login", map[string]string{
		"email": email, "password": password, "device_id": deviceID,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	if err := c.tokens.Rotate(resp.Tokens.toTokens(time.Now())); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// Logout invalidates the current refresh token server-side and clears
// local credentials regardless of the server call's outcome.
func (c *Client) Logout(ctx context.Context) error {
	tok, ok := c.tokens.Current()
	if ok && tok.RefreshToken != "" {
		_ = c.Do(ctx, "POST", "/auth/logout", map[string]string{"refresh_token": tok.RefreshToken}, nil)
	}
	return c.tokens.Clear()
}

// WireChange is one entry in a delta upload batch (§6).
type WireChange struct {
	RecordID        string    `json:"record_id"`
	ChangeType      string    `json:"change_type"` // insert|update|delete
	EncryptedRecord string    `json:"encrypted_record,omitempty"`
	RecordNonce     string    `json:"record_nonce,omitempty"`
	RecordChecksum  string    `json:"record_checksum,omitempty"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// UploadResult is the decoded response to a delta upload (§4.E phase 2).
type UploadResult struct {
	DataType       string         `json:"data_type"`
	Version        int64          `json:"version"`
	ProcessedCount int            `json:"processed_count"`
	ConflictCount  int            `json:"conflict_count"`
	Conflicts      []WireConflict `json:"conflicts"`
	SyncedAt       time.Time      `json:"synced_at"`
}

// WireConflict mirrors a server-rejected upload entry (§4.E phase 3).
type WireConflict struct {
	RecordID        string    `json:"record_id"`
	ServerVersion   int64     `json:"server_version"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// UploadDelta POSTs a batch of changes for dataType (§4.E phase 2).
func (c *Client) UploadDelta(ctx context.Context, dataType crypto.DataType, deviceID string, clientTS time.Time, changes []WireChange) (UploadResult, error) {
	var out UploadResult
	err := c.Do(ctx, "POST", fmt.Sprintf("/sync/%s/delta", dataType), map[string]interface{}{
		"changes":          changes,
		"device_id":        deviceID,
		"client_timestamp": clientTS,
	}, &out)
	return out, err
}

// WireRecord is a downloaded live record (§4.E phase 4).
type WireRecord struct {
	RecordID        string    `json:"record_id"`
	EncryptedRecord string    `json:"encrypted_record"`
	RecordNonce     string    `json:"record_nonce"`
	RecordChecksum  string    `json:"record_checksum"`
	Version         int64     `json:"version"`
	OriginDeviceID  string    `json:"origin_device_id"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// WireTombstone is a downloaded deletion record (§4.E phase 4).
type WireTombstone struct {
	RecordID        string    `json:"record_id"`
	DeletedAt       time.Time `json:"deleted_at"`
	DeletedByDevice string    `json:"deleted_by_device_id"`
}

// Pagination mirrors the limit/offset pagination envelope used by every list
// endpoint (§6).
type Pagination struct {
	TotalChanges  int  `json:"total_changes"`
	TotalDeleted  int  `json:"total_deleted"`
	Limit         int  `json:"limit"`
	Offset        int  `json:"offset"`
	ReturnedCount int  `json:"returned_count"`
	HasMore       bool `json:"has_more"`
	NextOffset    int  `json:"next_offset"`
}

// DownloadResult is the decoded response to GET …/delta (§4.E phase 4).
type DownloadResult struct {
	DataType   string          `json:"data_type"`
	Since      time.Time       `json:"since"`
	Changes    []WireRecord    `json:"changes"`
	Deleted    []WireTombstone `json:"deleted"`
	Pagination Pagination      `json:"pagination"`
}

// DownloadDelta pages through live changes for dataType since ts.
func (c *Client) DownloadDelta(ctx context.Context, dataType crypto.DataType, since time.Time, limit, offset int) (DownloadResult, error) {
	var out DownloadResult
	path := fmt.Sprintf("/sync/%s/delta?since=%s&limit=%d&offset=%d",
		dataType, since.UTC().Format(time.RFC3339), limit, offset)
	err := c.Do(ctx, "GET", path, nil, &out)
	return out, err
}

// DeletedResult is the decoded response to GET …/deleted.
type DeletedResult struct {
	DataType   string          `json:"data_type"`
	Since      time.Time       `json:"since"`
	Deleted    []WireTombstone `json:"deleted"`
	Pagination Pagination      `json:"pagination"`
}

// DownloadDeleted pages through tombstones for dataType since ts.
func (c *Client) DownloadDeleted(ctx context.Context, dataType crypto.DataType, since time.Time, limit, offset int) (DeletedResult, error) {
	var out DeletedResult
	path := fmt.Sprintf("/sync/%s/deleted?since=%s&limit=%d&offset=%d",
		dataType, since.UTC().Format(time.RFC3339), limit, offset)
	err := c.Do(ctx, "GET", path, nil, &out)
	return out, err
}

// DeviceInfo mirrors one entry of GET /devices (§6).
type DeviceInfo struct {
	DeviceID       string    `json:"device_id"`
	DeviceIDMasked string    `json:"device_id_masked"`
	DeviceName     string    `json:"device_name"`
	Platform       string    `json:"platform"`
	IsCurrent      bool      `json:"is_current"`
	IsActive       bool      `json:"is_active"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

type devicesResponse struct {
	Total   int          `json:"total"`
	Active  int          `json:"active"`
	Devices []DeviceInfo `json:"devices"`
}

// ListDevices returns every device registered to the current account.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out devicesResponse
	if err := c.Do(ctx, "GET", "/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RevokeDevice deletes/deactivates deviceID. Returns *APIError with
// code CANNOT_DELETE_CURRENT_DEVICE or DEVICE_NOT_FOUND on rejection.
func (c *Client) RevokeDevice(ctx context.Context, deviceID string) error {
	return c.Do(ctx, "DELETE", fmt.Sprintf("/devices/%s", deviceID), nil, nil)
}
