package rate

import (
	"testing"
	"time"
)

// TestWindowLimiterPerKey verifies each key gets its own budget and window.
func TestWindowLimiterPerKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatalf("first two hits should pass")
	}
	ok, wait := l.Reserve("10.0.0.1")
	if ok || wait != time.Minute {
		t.Fatalf("third hit = %v wait %v, want blocked for 1m", ok, wait)
	}
	if !l.Allow("10.0.0.2") {
		t.Fatalf("other key should have its own budget")
	}

	now = now.Add(time.Minute)
	if !l.Allow("10.0.0.1") {
		t.Fatalf("window should reset")
	}
	if l.Len() != 1 {
		t.Fatalf("expired keys should be cleaned, have %d", l.Len())
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("ip") {
			t.Fatalf("disabled limiter blocked hit %d", i)
		}
	}
	var nilLimiter *WindowLimiter
	if !nilLimiter.Allow("ip") {
		t.Fatalf("nil limiter should admit")
	}
}
