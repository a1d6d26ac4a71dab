package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("TICKER_DATA", now) {
			t.Fatalf("expected call %d within burst to pass", i)
		}
	}
	if l.Allow("TICKER_DATA", now) {
		t.Fatal("expected burst exhaustion to reject")
	}
}

func TestTypesLimitedIndependently(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("TICKER_DATA", now) {
		t.Fatal("first type should pass")
	}
	if l.Allow("TICKER_DATA", now) {
		t.Fatal("first type should now be exhausted")
	}
	if !l.Allow("HEARTBEAT", now) {
		t.Fatal("second type must have its own bucket")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(10, 1, time.Minute)
	now := time.Now()

	if !l.Allow("TICKER_DATA", now) {
		t.Fatal("first call should pass")
	}
	if l.Allow("TICKER_DATA", now) {
		t.Fatal("bucket should be empty")
	}
	if !l.Allow("TICKER_DATA", now.Add(200*time.Millisecond)) {
		t.Fatal("expected refill after 200ms at 10/s")
	}
}

func TestNilAndBlankBypass(t *testing.T) {
	var l *TypeLimiter
	if !l.Allow("ANY", time.Now()) {
		t.Fatal("nil limiter must allow everything")
	}
	if l.ActiveTypes() != 0 {
		t.Fatal("nil limiter holds no buckets")
	}

	l = New(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("  ", now) || !l.Allow("", now) {
		t.Fatal("blank types bypass limiting")
	}
	if l.ActiveTypes() != 0 {
		t.Fatalf("blank types must not create buckets, got %d", l.ActiveTypes())
	}
}

func TestIdleBucketsSwept(t *testing.T) {
	l := New(1000, 1000, 50*time.Millisecond)
	now := time.Now()

	l.Allow("STALE", now)
	if l.ActiveTypes() != 1 {
		t.Fatalf("expected 1 bucket, got %d", l.ActiveTypes())
	}

	// The sweep runs every 256 hits; drive it past the idle cutoff.
	later := now.Add(time.Second)
	for i := 0; i < 256; i++ {
		l.Allow("BUSY", later)
	}
	if l.ActiveTypes() != 1 {
		t.Fatalf("expected stale bucket swept, got %d", l.ActiveTypes())
	}
}

func TestInvalidArgsDisableLimiter(t *testing.T) {
	if New(0, 10, time.Minute) != nil {
		t.Fatal("zero rate must yield nil limiter")
	}
	if New(10, 0, time.Minute) != nil {
		t.Fatal("zero burst must yield nil limiter")
	}
}
