package crypto

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// DataType is a closed enumeration of sync channels, each with its own
// key and independent server-side version line (§3).
type DataType string

// The four sync channels. Info strings for per-type key derivation are
// the literal lowercase names below, suffixed with "-v1".
const (
	DataTypeAccounts    DataType = "accounts"
	DataTypeContacts    DataType = "contacts"
	DataTypePreferences DataType = "preferences"
	DataTypeSignatures  DataType = "signatures"
)

// DataTypes lists all four channels in a stable order, used wherever a
// sweep over every data type is required (e.g. the scheduler's
// per-round fan-out).
var DataTypes = []DataType{DataTypeAccounts, DataTypeContacts, DataTypePreferences, DataTypeSignatures}

func (t DataType) Valid() bool {
	switch t {
	case DataTypeAccounts, DataTypeContacts, DataTypePreferences, DataTypeSignatures:
		return true
	}
	return false
}

const masterKeyInfo = "sync-master-key-v1"

// DeriveMasterKey derives the 32-byte master key from a master password
// and the user's salt via HKDF-SHA256, per §4.A step 1. The salt is
// non-secret and fetched from the server at login.
func DeriveMasterKey(password string, userSalt []byte) ([]byte, error) {
	return hkdfDerive([]byte(password), userSalt, []byte(masterKeyInfo))
}

// DeriveDataKey derives the per-data-type key from the master key via
// HKDF-SHA256 with salt=masterKey and info="<type>-v1", per §4.A step 2.
func DeriveDataKey(masterKey []byte, dt DataType) ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("crypto: invalid data type %q", dt)
	}
	info := []byte(string(dt) + "-v1")
	return hkdfDerive(masterKey, masterKey, info)
}

func hkdfDerive(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(newSHA256, secret, salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Argon2 parameters for the password verifier (§4.A): m=64MiB, t=3, p=1.
const (
	Argon2Memory  = 64 * 1024 // KiB
	Argon2Time    = 3
	Argon2Threads = 1
	Argon2KeyLen  = 32
)

// DeriveAuthHash derives the authentication hash sent to the server in
// place of the raw password, using Argon2id. The raw password never
// leaves the device; the server applies a second, server-side hash
// before storing this value (§4.A).
func DeriveAuthHash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
}

// KeyRing holds the master key and the four derived data keys behind a
// mutex, and zeroizes all of them on Close. Any attempt to read key
// material after Close returns ErrZeroized, matching the teacher
// authtoken vault's "usable after revoke" guard.
type KeyRing struct {
	mu        sync.RWMutex
	masterKey []byte
	dataKeys  map[DataType][]byte
	closed    bool
}

// NewKeyRing derives the full hierarchy from a master password and user
// salt and returns a ready-to-use KeyRing.
func NewKeyRing(password string, userSalt []byte) (*KeyRing, error) {
	mk, err := DeriveMasterKey(password, userSalt)
	if err != nil {
		return nil, err
	}
	kr := &KeyRing{
		masterKey: mk,
		dataKeys:  make(map[DataType][]byte, len(DataTypes)),
	}
	for _, dt := range DataTypes {
		dk, err := DeriveDataKey(mk, dt)
		if err != nil {
			kr.Close()
			return nil, err
		}
		kr.dataKeys[dt] = dk
	}
	return kr, nil
}

// DataKey returns the key for dt, or ErrZeroized if the ring has been
// closed (logout or process exit).
func (kr *KeyRing) DataKey(dt DataType) ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.closed {
		return nil, ErrZeroized
	}
	k, ok := kr.dataKeys[dt]
	if !ok {
		return nil, fmt.Errorf("crypto: no key for data type %q", dt)
	}
	return k, nil
}

const replicaDBKeyInfo = "sync-replica-db-v1"

// ReplicaDBKey derives the SQLCipher at-rest key for the local replica
// store from the master key via HKDF-SHA256, the same derivation
// scheme as DeriveDataKey but in its own info namespace so a replica
// DB key can never collide with a data key (§4.A's hierarchy extended
// to cover local storage at rest, which spec.md leaves unspecified).
func (kr *KeyRing) ReplicaDBKey() ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.closed {
		return nil, ErrZeroized
	}
	return hkdfDerive(kr.masterKey, kr.masterKey, []byte(replicaDBKeyInfo))
}

// Close zeroizes the master key and every data key and marks the ring
// closed. It is idempotent. Called on logout and on process exit.
func (kr *KeyRing) Close() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.closed {
		return
	}
	Zeroize(kr.masterKey)
	for _, dk := range kr.dataKeys {
		Zeroize(dk)
	}
	kr.closed = true
}
