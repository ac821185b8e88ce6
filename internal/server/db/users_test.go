package db

import (
	"errors"
	"testing"
)

type fakePgError struct{ code string }

func (e *fakePgError) Error() string    { return "pg error " + e.code }
func (e *fakePgError) SQLState() string { return e.code }

func TestIsUniqueViolationMatchesCode23505(t *testing.T) {
	if !isUniqueViolation(&fakePgError{code: "23505"}) {
		t.Fatalf("isUniqueViolation = false, want true for SQLSTATE 23505")
	}
}

func TestIsUniqueViolationRejectsOtherCodes(t *testing.T) {
	if isUniqueViolation(&fakePgError{code: "23503"}) {
		t.Fatalf("isUniqueViolation = true, want false for a foreign-key violation")
	}
}

func TestIsUniqueViolationRejectsPlainErrors(t *testing.T) {
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("isUniqueViolation = true, want false for an error with no SQLState")
	}
}
