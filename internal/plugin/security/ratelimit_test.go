package security

import (
	"testing"
	"time"
)

func newTestLimiter(now *time.Time) *Limiter {
	return NewLimiter(WithLimiterClock(func() time.Time { return *now }))
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 3, nil)

	for i := 0; i < 3; i++ {
		if !l.Allow("deck-stats", "cards:read") {
			t.Fatalf("Allow() call %d = false, want true", i+1)
		}
	}
	if l.Allow("deck-stats", "cards:read") {
		t.Error("Allow() call 4 = true with limit 3, want false")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 2, nil)

	if !l.Allow("deck-stats", "cards:read") || !l.Allow("deck-stats", "cards:read") {
		t.Fatal("Allow() = false within limit, want true")
	}
	if l.Allow("deck-stats", "cards:read") {
		t.Fatal("Allow() = true at limit, want false")
	}

	// Once the window elapses the old timestamps fall out.
	now = now.Add(DefaultRateWindow + time.Second)

	if !l.Allow("deck-stats", "cards:read") {
		t.Error("Allow() = false after window elapsed, want true")
	}
}

func TestLimiterRejectionNotRecorded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 1, nil)

	if !l.Allow("deck-stats", "cards:read") {
		t.Fatal("Allow() first call = false, want true")
	}

	// Rejected calls must not extend the window.
	for i := 0; i < 10; i++ {
		if l.Allow("deck-stats", "cards:read") {
			t.Fatal("Allow() over limit = true, want false")
		}
	}

	now = now.Add(DefaultRateWindow + time.Second)
	if !l.Allow("deck-stats", "cards:read") {
		t.Error("Allow() = false after window despite rejected calls, want true")
	}
}

func TestLimiterPerActionOverride(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("curated-helper", 100, map[string]int{"network:fetch": 2})

	for i := 0; i < 2; i++ {
		if !l.Allow("curated-helper", "network:fetch") {
			t.Fatalf("Allow(network:fetch) call %d = false, want true", i+1)
		}
	}
	if l.Allow("curated-helper", "network:fetch") {
		t.Error("Allow(network:fetch) call 3 = true with override 2, want false")
	}

	// The overall default still applies to other actions.
	if !l.Allow("curated-helper", "cards:read") {
		t.Error("Allow(cards:read) = false, want true")
	}
}

func TestLimiterActionsCountIndependently(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 1, nil)

	if !l.Allow("deck-stats", "cards:read") {
		t.Fatal("Allow(cards:read) = false, want true")
	}
	if !l.Allow("deck-stats", "storage:get") {
		t.Error("Allow(storage:get) = false; windows track per action, want true")
	}
}

func TestCommunityTierThirtyFirstCallRejected(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	// Community ceiling: 30 calls per minute.
	l.Register("community-plugin", 30, nil)

	for i := 0; i < 30; i++ {
		if !l.Allow("community-plugin", "cards:read") {
			t.Fatalf("Allow() call %d = false, want true", i+1)
		}
		now = now.Add(time.Second)
	}

	// 31st call inside the same sliding minute.
	if l.Allow("community-plugin", "cards:read") {
		t.Error("Allow() 31st call within the window = true, want false")
	}
}

func TestLimiterZeroMeansUnlimited(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("builtin-deck", 0, nil)

	for i := 0; i < 1000; i++ {
		if !l.Allow("builtin-deck", "cards:write") {
			t.Fatalf("Allow() call %d = false for unlimited plugin, want true", i+1)
		}
	}
}

func TestLimiterUnregister(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 1, nil)
	if !l.Allow("deck-stats", "cards:read") {
		t.Fatal("Allow() = false, want true")
	}

	l.Unregister("deck-stats")
	l.Register("deck-stats", 1, nil)

	// Old timestamps must not survive re-registration.
	if !l.Allow("deck-stats", "cards:read") {
		t.Error("Allow() = false after unregister and re-register, want true")
	}
}

func TestLimiterRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Register("deck-stats", 3, nil)

	if got := l.Remaining("deck-stats", "cards:read"); got != 3 {
		t.Errorf("Remaining() = %d, want 3", got)
	}
	l.Allow("deck-stats", "cards:read")
	if got := l.Remaining("deck-stats", "cards:read"); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}
}
