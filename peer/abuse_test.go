package peer

import (
	"fmt"
	"testing"
	"time"
)

func TestAbuseShortTermLimit(t *testing.T) {
	tracker := NewAbuseTracker(AbuseLimits{ShortWindow: time.Minute, ShortLimit: 3})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !tracker.AllowRegistration("192.0.2.1", "PEER01", now) {
			t.Fatalf("registration %d should be allowed", i)
		}
	}
	if tracker.AllowRegistration("192.0.2.1", "PEER01", now) {
		t.Fatalf("fourth registration in the window should be blocked")
	}
	if !tracker.AllowRegistration("192.0.2.2", "PEER02", now) {
		t.Fatalf("other ip should not be affected")
	}
	if !tracker.AllowRegistration("192.0.2.1", "PEER01", now.Add(time.Minute)) {
		t.Fatalf("limiter should refill after the window")
	}
}

func TestAbuseLongTermDistinctIDs(t *testing.T) {
	tracker := NewAbuseTracker(AbuseLimits{ShortLimit: 1000, LongLimit: 2, LongWindow: time.Hour})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if !tracker.AllowRegistration("192.0.2.1", fmt.Sprintf("PEER%02d", i), now) {
			t.Fatalf("id %d should be allowed", i)
		}
	}
	if tracker.AllowRegistration("192.0.2.1", "PEER99", now) {
		t.Fatalf("third distinct id should be blocked")
	}
	if !tracker.AllowRegistration("192.0.2.1", "PEER00", now) {
		t.Fatalf("known id should still be allowed")
	}
	if !tracker.AllowRegistration("192.0.2.1", "PEER99", now.Add(2*time.Hour)) {
		t.Fatalf("distinct id set should reset after the window")
	}
}

func TestAbuseCleanup(t *testing.T) {
	tracker := NewAbuseTracker(DefaultAbuseLimits())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.AllowRegistration("192.0.2.1", "PEER01", now)
	tracker.MarkRenamed(now, "PEER01", "PEER02")
	if got := tracker.RecordIPChange("PEER01", now); got != 1 {
		t.Fatalf("unexpected ip change count %d", got)
	}
	if got := tracker.RecordIPChange("PEER01", now.Add(time.Second)); got != 2 {
		t.Fatalf("unexpected ip change count %d", got)
	}
	if !tracker.RenameBlocked("PEER02", now.Add(time.Minute)) {
		t.Fatalf("rename cooldown should apply to the new id")
	}

	tracker.Cleanup(now.Add(2 * time.Minute))
	sizes := tracker.Sizes()
	if sizes.ShortTerm != 0 || sizes.LongTerm != 1 || sizes.Cooldowns != 2 || sizes.IPChanges != 1 {
		t.Fatalf("unexpected sizes after short cleanup: %+v", sizes)
	}

	tracker.Cleanup(now.Add(25 * time.Hour))
	if sizes := tracker.Sizes(); sizes != (AbuseSizes{}) {
		t.Fatalf("expected all maps empty, got %+v", sizes)
	}
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]bool{
		"abc123":            true,
		"ABC_12-3":          true,
		"abc":               false,
		"abc 123":           false,
		"ABCDEFGHIJKLMNOP":  true,
		"ABCDEFGHIJKLMNOPQ": false,
		"ünicode1":          false,
	}
	for in, want := range cases {
		got, ok := NormalizeID(in)
		if ok != want {
			t.Fatalf("NormalizeID(%q) ok=%v want %v", in, ok, want)
		}
		if ok && got != toUpperASCII(in) {
			t.Fatalf("NormalizeID(%q) = %q", in, got)
		}
	}
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
