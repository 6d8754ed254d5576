// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the default clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockNowIn checks the zone is applied without shifting the instant.
func TestClockNowIn(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("JST", 9*60*60)
	clk := NewIn(loc)
	got := clk.Now()
	if got.Location() != loc {
		t.Fatalf("expected %v location, got %v", loc, got.Location())
	}
	if d := time.Since(got); d < -time.Second || d > time.Second {
		t.Fatalf("expected current instant, off by %v", d)
	}
	if NewIn(nil).Now().Location() != time.UTC {
		t.Fatal("expected nil location to fall back to UTC")
	}
}

// TestZeroClock checks the zero value is usable.
func TestZeroClock(t *testing.T) {
	t.Parallel()

	var clk Clock
	if clk.Now().Location() != time.UTC {
		t.Fatal("expected zero clock to report UTC")
	}
}
