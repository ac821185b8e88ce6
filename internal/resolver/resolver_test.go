package resolver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aurora-mail/sync-engine/internal/crypto"
)

func TestResolveLWWLocalWins(t *testing.T) {
	now := time.Now().UTC()
	local := Side{Plaintext: []byte(`"local"`), ClientTS: now, DeviceID: "device-a"}
	remote := Side{Plaintext: []byte(`"remote"`), ClientTS: now.Add(-time.Minute), DeviceID: "device-b"}

	res, err := Resolve(crypto.DataTypePreferences, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeUseLocal {
		t.Fatalf("outcome = %v, want OutcomeUseLocal", res.Outcome)
	}
}

func TestResolveLWWTieBrokenByDeviceID(t *testing.T) {
	now := time.Now().UTC()
	local := Side{Plaintext: []byte(`"local"`), ClientTS: now, DeviceID: "zzz-device"}
	remote := Side{Plaintext: []byte(`"remote"`), ClientTS: now, DeviceID: "aaa-device"}

	res, err := Resolve(crypto.DataTypeSignatures, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeUseLocal {
		t.Fatalf("outcome = %v, want OutcomeUseLocal (lexicographically greater device_id)", res.Outcome)
	}
}

func TestResolveContactsMergesDisjointFields(t *testing.T) {
	now := time.Now().UTC()
	local := Side{Plaintext: []byte(`{"phone":"555-1111"}`), ClientTS: now, DeviceID: "device-a"}
	remote := Side{Plaintext: []byte(`{"email":"a@x.com"}`), ClientTS: now.Add(-time.Minute), DeviceID: "device-b"}

	res, err := Resolve(crypto.DataTypeContacts, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("outcome = %v, want OutcomeMerged", res.Outcome)
	}
	var merged map[string]string
	if err := json.Unmarshal(res.MergedPlaintext, &merged); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if merged["phone"] != "555-1111" || merged["email"] != "a@x.com" {
		t.Fatalf("merged = %v, want both disjoint fields present", merged)
	}
}

func TestResolveContactsOverlappingFieldUsesLWW(t *testing.T) {
	now := time.Now().UTC()
	local := Side{Plaintext: []byte(`{"phone":"local-number"}`), ClientTS: now, DeviceID: "device-a"}
	remote := Side{Plaintext: []byte(`{"phone":"remote-number"}`), ClientTS: now.Add(-time.Minute), DeviceID: "device-b"}

	res, err := Resolve(crypto.DataTypeContacts, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var merged map[string]string
	json.Unmarshal(res.MergedPlaintext, &merged)
	if merged["phone"] != "local-number" {
		t.Fatalf("phone = %q, want local value to win (later client_ts)", merged["phone"])
	}
}

func TestResolveAccountsOverlapRequiresUserPrompt(t *testing.T) {
	local := Side{Plaintext: []byte(`{"display_name":"Local Name"}`)}
	remote := Side{Plaintext: []byte(`{"display_name":"Remote Name"}`)}

	res, err := Resolve(crypto.DataTypeAccounts, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeNeedsUserPrompt {
		t.Fatalf("outcome = %v, want OutcomeNeedsUserPrompt", res.Outcome)
	}
}

func TestResolveAccountsDisjointFieldsAutoMerges(t *testing.T) {
	local := Side{Plaintext: []byte(`{"signature_font":"Serif"}`)}
	remote := Side{Plaintext: []byte(`{"display_name":"Remote Name"}`)}

	res, err := Resolve(crypto.DataTypeAccounts, local, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("outcome = %v, want OutcomeMerged for disjoint field sets", res.Outcome)
	}
}
