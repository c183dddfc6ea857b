package transport

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied under limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("event over limit allowed")
	}
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatal("initial events denied")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatal("allowed inside saturated window")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("denied after window slid past old events")
	}
}

func TestRateLimiterDefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != defaultRateEvents || rl.window != defaultRateWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
