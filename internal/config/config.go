// Package config implements the client-side SyncConfig (§3): one JSON
// document per install describing whether sync is enabled, which
// account it's bound to, and which data_types the user has opted in
// to. Adapted from the teacher's JSON config layer, generalized from a
// multi-section UI/SSH/Mount config to a single sync-focused document.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/aurora-mail/sync-engine/internal/crypto"
)

// SchedulerInterval is the allowed set of background sync intervals
// (§4.H), in minutes.
type SchedulerInterval int

const (
	Interval15  SchedulerInterval = 15
	Interval30  SchedulerInterval = 30
	Interval60  SchedulerInterval = 60
	Interval120 SchedulerInterval = 120
	Interval240 SchedulerInterval = 240
)

// DataTypeOptIns records which of the four data types this install
// syncs. All four default to true on a fresh install.
type DataTypeOptIns struct {
	Accounts    bool `json:"accounts"`
	Contacts    bool `json:"contacts"`
	Preferences bool `json:"preferences"`
	Signatures  bool `json:"signatures"`
}

// Enabled reports whether dt is opted in.
func (o DataTypeOptIns) Enabled(dt crypto.DataType) bool {
	switch dt {
	case crypto.DataTypeAccounts:
		return o.Accounts
	case crypto.DataTypeContacts:
		return o.Contacts
	case crypto.DataTypePreferences:
		return o.Preferences
	case crypto.DataTypeSignatures:
		return o.Signatures
	default:
		return false
	}
}

// SyncConfig is the client-side sync configuration document (§3).
type SyncConfig struct {
	Version int `json:"version"`

	Enabled  bool   `json:"enabled"`
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`

	LastSyncAt string `json:"last_sync_at,omitempty"` // RFC3339; empty means never synced

	OptIns DataTypeOptIns `json:"opt_ins"`

	IntervalMinutes SchedulerInterval `json:"interval_minutes"`
	StartupSync     bool              `json:"startup_sync"`
}

// Default returns a fresh-install SyncConfig: sync disabled until the
// user signs in, all data types opted in, default 30-minute interval.
func Default() SyncConfig {
	return SyncConfig{
		Version:         1,
		Enabled:         false,
		OptIns:          DataTypeOptIns{Accounts: true, Contacts: true, Preferences: true, Signatures: true},
		IntervalMinutes: Interval30,
		StartupSync:     true,
	}
}

// DataDir returns the base data directory for the sync engine.
// Respects AURORA_SYNC_DATA_DIR for tests and custom installs.
func DataDir() (string, error) {
	if dir := os.Getenv("AURORA_SYNC_DATA_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	appDir := filepath.Join(dir, "aurora-mail")
	if err := os.MkdirAll(appDir, 0700); err != nil {
		return "", err
	}
	return appDir, nil
}

// Path returns the path to the sync config JSON file.
func Path() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sync_config.json"), nil
}

// Load reads the sync config, returning Default() if no file exists
// yet.
func Load() (SyncConfig, error) {
	path, err := Path()
	if err != nil {
		return Default(), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Default(), err
	}
	var c SyncConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return Default(), err
	}
	return withDefaults(c), nil
}

// Save persists c atomically via a temp file + rename, the same
// write pattern the teacher uses for its vault and config files.
func Save(c SyncConfig) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	c = withDefaults(c)
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func withDefaults(c SyncConfig) SyncConfig {
	def := Default()
	if c.Version == 0 {
		c.Version = def.Version
	}
	switch c.IntervalMinutes {
	case Interval15, Interval30, Interval60, Interval120, Interval240:
	default:
		c.IntervalMinutes = def.IntervalMinutes
	}
	return c
}
