// Package resolver implements the conflict resolver (§4.F): the
// per-data-type policy table applied to entries the journal has marked
// Conflicted after a server-side LWW rejection.
package resolver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
)

// Outcome is the resolver's verdict for one conflicted record.
type Outcome int

const (
	// OutcomeUseLocal re-enqueues the local version as a fresh Update
	// (it won the LWW comparison).
	OutcomeUseLocal Outcome = iota
	// OutcomeUseRemote discards the local pending change and accepts
	// the server's version as-is.
	OutcomeUseRemote
	// OutcomeMerged carries a freshly merged plaintext that must be
	// re-encrypted and re-enqueued as a new Update.
	OutcomeMerged
	// OutcomeNeedsUserPrompt means the policy cannot decide
	// automatically; the caller must surface local/server/merge choices
	// to the user (§4.F Accounts policy).
	OutcomeNeedsUserPrompt
)

// Side identifies a version of a record under comparison.
type Side struct {
	Plaintext []byte
	ClientTS  time.Time
	DeviceID  string
}

// Resolution is the result of resolving one conflicted record.
type Resolution struct {
	Outcome         Outcome
	MergedPlaintext []byte // set only when Outcome == OutcomeMerged
}

// Resolve applies the §4.F policy table for dataType to a local/remote
// pair. The caller is responsible for acting on the outcome: enqueueing
// a fresh Update for OutcomeUseLocal/OutcomeMerged, or discarding the
// pending journal entry for OutcomeUseRemote.
func Resolve(dataType crypto.DataType, local, remote Side) (Resolution, error) {
	switch dataType {
	case crypto.DataTypePreferences, crypto.DataTypeSignatures:
		return resolveLWW(local, remote), nil
	case crypto.DataTypeContacts:
		return resolveContacts(local, remote)
	case crypto.DataTypeAccounts:
		return resolveAccounts(local, remote)
	default:
		return Resolution{}, fmt.Errorf("resolver: unknown data type %q", dataType)
	}
}

// resolveLWW implements the Preferences/Signatures policy: last write
// wins by client_timestamp, ties broken by device_id lexicographic
// order (§4.F). The server's own clock is authoritative for ordering;
// client_timestamp here is only the tiebreak carried over from the
// rejected upload, per the device-clock-skew note in §4.F.
func resolveLWW(local, remote Side) Resolution {
	if local.ClientTS.After(remote.ClientTS) {
		return Resolution{Outcome: OutcomeUseLocal}
	}
	if remote.ClientTS.After(local.ClientTS) {
		return Resolution{Outcome: OutcomeUseRemote}
	}
	if local.DeviceID > remote.DeviceID {
		return Resolution{Outcome: OutcomeUseLocal}
	}
	return Resolution{Outcome: OutcomeUseRemote}
}

// resolveContacts implements the set-merge + per-field LWW policy: a
// field present on only one side is kept; for a field present on both
// sides, the value from the side with the later record-level
// client_timestamp wins (ties broken by device_id, as in resolveLWW).
// Fields carry no timestamps of their own. Both payloads are expected
// to be flat JSON objects.
func resolveContacts(local, remote Side) (Resolution, error) {
	var localFields, remoteFields map[string]interface{}
	if err := json.Unmarshal(local.Plaintext, &localFields); err != nil {
		return Resolution{}, fmt.Errorf("resolver: local contact payload: %w", err)
	}
	if err := json.Unmarshal(remote.Plaintext, &remoteFields); err != nil {
		return Resolution{}, fmt.Errorf("resolver: remote contact payload: %w", err)
	}

	merged := make(map[string]interface{}, len(localFields)+len(remoteFields))
	localWins := local.ClientTS.After(remote.ClientTS) ||
		(local.ClientTS.Equal(remote.ClientTS) && local.DeviceID > remote.DeviceID)

	for k, v := range remoteFields {
		merged[k] = v
	}
	for k, v := range localFields {
		if _, inRemote := remoteFields[k]; !inRemote {
			merged[k] = v
			continue
		}
		if localWins {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeMerged, MergedPlaintext: out}, nil
}

// resolveAccounts implements the Accounts policy: auto-LWW only when
// the two versions touch disjoint field sets, otherwise defers to the
// user (§4.F).
func resolveAccounts(local, remote Side) (Resolution, error) {
	var localFields, remoteFields map[string]interface{}
	if err := json.Unmarshal(local.Plaintext, &localFields); err != nil {
		return Resolution{}, fmt.Errorf("resolver: local account payload: %w", err)
	}
	if err := json.Unmarshal(remote.Plaintext, &remoteFields); err != nil {
		return Resolution{}, fmt.Errorf("resolver: remote account payload: %w", err)
	}

	overlap := false
	for k := range localFields {
		if _, ok := remoteFields[k]; ok {
			overlap = true
			break
		}
	}
	if overlap {
		return Resolution{Outcome: OutcomeNeedsUserPrompt}, nil
	}

	merged := make(map[string]interface{}, len(localFields)+len(remoteFields))
	for k, v := range remoteFields {
		merged[k] = v
	}
	for k, v := range localFields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeMerged, MergedPlaintext: out}, nil
}
