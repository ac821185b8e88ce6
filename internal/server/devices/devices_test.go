package devices

import "testing"

func TestMaskUUID(t *testing.T) {
	id := "a1b2c3d4-e5f6-4789-9abc-def012345678"
	got := Mask(id)
	want := "a1b2c3d4…5678"
	if got != want {
		t.Fatalf("Mask(%q) = %q, want %q", id, got, want)
	}
}

func TestMaskShortIDPassesThrough(t *testing.T) {
	id := "short-id"
	got := Mask(id)
	want := "shortid"
	if got != want {
		t.Fatalf("Mask(%q) = %q, want %q", id, got, want)
	}
}
