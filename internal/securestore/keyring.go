// Package securestore wraps the OS credential store (via go-keyring)
// for the small amount of non-journal secret material the sync engine
// needs on disk outside the encrypted replica: the cached user_salt and
// an optional cached master-key unlock blob. Falls back to a plain
// JSON file (keystore.json, mode 0600, under the user config directory)
// when no keyring daemon is available; that file is not encrypted.
package securestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	serviceName          = "aurora-mail-sync"
	userSaltUser         = "user-salt-v1"
	vaultUnlockCacheUser = "master-key-unlock-cache-v1"
)

// errNotFound is a sentinel returned by the file store when a key is absent.
var errNotFound = errors.New("secret not found in file store")

var (
	keyringUnavailable     bool
	keyringUnavailableOnce sync.Once
)

// isKeyringUnavailableErr returns true for errors that indicate the OS keyring
// daemon is missing or unreachable (as opposed to a simple "not found").
func isKeyringUnavailableErr(err error) bool {
	if err == nil || err == keyring.ErrNotFound {
		return false
	}
	return true
}

func markKeyringUnavailable() {
	keyringUnavailableOnce.Do(func() {
		keyringUnavailable = true
	})
}

// kGet tries the OS keyring, falling back to the file store if unavailable.
func kGet(service, user string) (string, error) {
	if !keyringUnavailable {
		val, err := keyring.Get(service, user)
		if err == nil {
			return val, nil
		}
		if err == keyring.ErrNotFound {
			// Key doesn't exist in OS keyring — also check file store in case
			// it was previously written there during a fallback.
			fs, ferr := getFileStore()
			if ferr == nil {
				if fval, ferr2 := fs.Get(service, user); ferr2 == nil {
					return fval, nil
				}
			}
			return "", keyring.ErrNotFound
		}
		// Keyring daemon unavailable — switch to file store.
		markKeyringUnavailable()
	}

	fs, err := getFileStore()
	if err != nil {
		return "", err
	}
	val, err := fs.Get(service, user)
	if err == errNotFound {
		return "", keyring.ErrNotFound
	}
	return val, err
}

// kSet tries the OS keyring, falling back to the file store if unavailable.
func kSet(service, user, value string) error {
	if !keyringUnavailable {
		err := keyring.Set(service, user, value)
		if err == nil {
			return nil
		}
		markKeyringUnavailable()
	}

	fs, err := getFileStore()
	if err != nil {
		return err
	}
	return fs.Set(service, user, value)
}

// kDelete tries the OS keyring, falling back to the file store if unavailable.
func kDelete(service, user string) error {
	if !keyringUnavailable {
		err := keyring.Delete(service, user)
		if err == nil {
			return nil
		}
		if err == keyring.ErrNotFound {
			// Also try file store.
			fs, ferr := getFileStore()
			if ferr == nil {
				if derr := fs.Delete(service, user); derr != errNotFound {
					return derr
				}
			}
			return keyring.ErrNotFound
		}
		markKeyringUnavailable()
	}

	fs, err := getFileStore()
	if err != nil {
		return err
	}
	ferr := fs.Delete(service, user)
	if ferr == errNotFound {
		return keyring.ErrNotFound
	}
	return ferr
}

// GetUserSalt returns the locally cached user_salt used to derive the
// master key from the account password (§4.A). The salt is not secret
// (the server also holds a copy), but caching it in the OS keyring
// saves a round trip on every unlock.
func GetUserSalt() ([]byte, error) {
	v, err := kGet(serviceName, userSaltUser)
	if err != nil {
		return nil, err
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, err
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("user salt too short")
	}
	return b, nil
}

// GetOrCreateUserSalt returns the cached user_salt, generating and
// storing a fresh one via randReader if none exists yet (first login
// on this device).
func GetOrCreateUserSalt(randReader io.Reader) ([]byte, error) {
	b, err := GetUserSalt()
	if err == nil {
		return b, nil
	}
	if err != keyring.ErrNotFound {
		return nil, err
	}

	b = make([]byte, 32)
	if _, rerr := io.ReadFull(randReader, b); rerr != nil {
		return nil, rerr
	}
	enc := base64.RawStdEncoding.EncodeToString(b)
	if serr := kSet(serviceName, userSaltUser, enc); serr != nil {
		return nil, serr
	}
	return b, nil
}

// StoreUserSalt overwrites the cached user_salt, e.g. after fetching
// the authoritative value from the server on a new device.
func StoreUserSalt(salt []byte) error {
	enc := base64.RawStdEncoding.EncodeToString(salt)
	return kSet(serviceName, userSaltUser, enc)
}

// StoreMasterKeyUnlock caches the wrapped master key material behind
// the OS credential store so the device can unlock without prompting
// for the password on every scheduler tick, subject to whatever
// biometric/session gate the OS keyring itself enforces.
func StoreMasterKeyUnlock(value string) error {
	return kSet(serviceName, vaultUnlockCacheUser, value)
}

func LoadMasterKeyUnlock() (string, error) {
	return kGet(serviceName, vaultUnlockCacheUser)
}

func ClearMasterKeyUnlock() error {
	err := kDelete(serviceName, vaultUnlockCacheUser)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}
