package syncservice

import "testing"

func TestMakePageHasMore(t *testing.T) {
	p := makePage(50, 20, 0, 20)
	if !p.HasMore {
		t.Fatalf("HasMore = false, want true (offset+returned=20 < total=50)")
	}
	if p.NextOffset != 20 {
		t.Fatalf("NextOffset = %d, want 20", p.NextOffset)
	}
}

func TestMakePageLastPage(t *testing.T) {
	p := makePage(50, 20, 40, 10)
	if p.HasMore {
		t.Fatalf("HasMore = true, want false (offset+returned=50 == total=50)")
	}
	if p.NextOffset != 40 {
		t.Fatalf("NextOffset = %d, want 40 (unchanged on the last page)", p.NextOffset)
	}
}

func TestMakePageEmptyResult(t *testing.T) {
	p := makePage(0, 20, 0, 0)
	if p.HasMore {
		t.Fatalf("HasMore = true, want false for an empty result set")
	}
	if p.ReturnedCount != 0 {
		t.Fatalf("ReturnedCount = %d, want 0", p.ReturnedCount)
	}
}
