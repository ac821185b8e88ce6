package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestValidChecksumAccepted(t *testing.T) {
	ciphertext := []byte("encrypted-payload-bytes")
	sum := sha256.Sum256(ciphertext)
	checksum := hex.EncodeToString(sum[:])

	if !validChecksum(checksum, ciphertext) {
		t.Fatalf("validChecksum rejected a correctly recomputed checksum")
	}
}

func TestValidChecksumRejectsMismatch(t *testing.T) {
	ciphertext := []byte("encrypted-payload-bytes")
	wrongSum := sha256.Sum256([]byte("different-bytes"))
	checksum := hex.EncodeToString(wrongSum[:])

	if validChecksum(checksum, ciphertext) {
		t.Fatalf("validChecksum accepted a checksum computed from different bytes")
	}
}

func TestValidChecksumRejectsMalformedLength(t *testing.T) {
	if validChecksum("not-64-hex-chars", []byte("x")) {
		t.Fatalf("validChecksum accepted a checksum of the wrong length")
	}
}

func TestDataTypeParamValidation(t *testing.T) {
	for dt := range validDataTypes {
		if !validDataTypes[dt] {
			t.Fatalf("validDataTypes[%q] unexpectedly false", dt)
		}
	}
	if validDataTypes["not_a_real_type"] {
		t.Fatalf("validDataTypes accepted an unknown data type")
	}
}
