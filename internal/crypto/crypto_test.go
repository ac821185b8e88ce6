package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte(`{"email":"a@x.com","name":"A"}`)

	ct, nonce, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sum := Checksum(ct)
	if len(sum) != 64 {
		t.Fatalf("checksum length = %d, want 64", len(sum))
	}

	got, err := Decrypt(ct, nonce, key, sum)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptChecksumMismatch(t *testing.T) {
	key := make([]byte, KeySize)
	ct, nonce, err := Encrypt([]byte("hello"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ct, nonce, key, "not-a-real-checksum"); err != ErrChecksumMismatch {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	key := make([]byte, KeySize)
	ct, nonce, err := Encrypt([]byte("hello"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF
	if _, err := Decrypt(tampered, nonce, key, ""); err != ErrDecrypt {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
}

func TestKeyIsolationAcrossDataTypes(t *testing.T) {
	kr, err := NewKeyRing("correct horse battery staple", []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	defer kr.Close()

	kAccounts, err := kr.DataKey(DataTypeAccounts)
	if err != nil {
		t.Fatalf("DataKey(accounts): %v", err)
	}
	kContacts, err := kr.DataKey(DataTypeContacts)
	if err != nil {
		t.Fatalf("DataKey(contacts): %v", err)
	}
	if string(kAccounts) == string(kContacts) {
		t.Fatalf("data keys for distinct types must differ")
	}

	plaintext := []byte("same plaintext across types")
	ct1, _, err := Encrypt(plaintext, kAccounts)
	if err != nil {
		t.Fatalf("Encrypt accounts: %v", err)
	}
	ct2, _, err := Encrypt(plaintext, kContacts)
	if err != nil {
		t.Fatalf("Encrypt contacts: %v", err)
	}
	if string(ct1) == string(ct2) {
		t.Fatalf("ciphertexts for distinct data keys must differ")
	}
}

func TestKeyRingZeroizeAfterClose(t *testing.T) {
	kr, err := NewKeyRing("pw", []byte("saltsaltsaltsaltsaltsaltsaltsalt"))
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	kr.Close()
	kr.Close() // idempotent

	if _, err := kr.DataKey(DataTypeSignatures); err != ErrZeroized {
		t.Fatalf("err = %v, want ErrZeroized", err)
	}
}

func TestDeriveDataKeyRejectsUnknownType(t *testing.T) {
	mk := make([]byte, KeySize)
	if _, err := DeriveDataKey(mk, DataType("bogus")); err == nil {
		t.Fatalf("expected error for unknown data type")
	}
}

func TestDeriveAuthHashDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")
	h1 := DeriveAuthHash("hunter2", salt)
	h2 := DeriveAuthHash("hunter2", salt)
	if string(h1) != string(h2) {
		t.Fatalf("Argon2id derivation must be deterministic for same input")
	}
	h3 := DeriveAuthHash("hunter3", salt)
	if string(h1) == string(h3) {
		t.Fatalf("different passwords must not collide")
	}
}
