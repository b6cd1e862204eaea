package traffic

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimiterTokenBucket(t *testing.T) {
	cfg := Config{RateLimits: map[string]RateLimitConfig{
		"p::m": {RequestsPerMinute: 120, BurstSize: 1},
	}}
	rl := newRateLimiter(cfg)
	key := RouteKey("p::m")
	now := time.Now()

	g := rl.tryAcquire(key, now)
	if !g.allowed {
		t.Fatalf("expected first token to be granted")
	}

	g = rl.tryAcquire(key, now)
	if g.allowed {
		t.Fatalf("expected bucket to be empty after consuming burst")
	}
	if g.wakeUpAt.Before(now) {
		t.Fatalf("expected wakeUpAt in the future, got %v vs now %v", g.wakeUpAt, now)
	}

	// 120 rpm == 2/sec == one token every 500ms.
	later := now.Add(500 * time.Millisecond)
	g = rl.tryAcquire(key, later)
	if !g.allowed {
		t.Fatalf("expected a token to have refilled after 500ms")
	}
}

func TestRateLimiterWindowPacesAcquisitionsAcrossTheWindow(t *testing.T) {
	rl := newRateLimiter(Config{})
	key := RouteKey("p::m")
	now := time.Now()

	// Seed state via a header update establishing limit=2, remaining=2.
	headers := http.Header{}
	headers.Set("X-RateLimit-Limit-Requests", "2")
	headers.Set("X-RateLimit-Remaining-Requests", "2")
	headers.Set("X-RateLimit-Reset-Requests", "60s")
	rl.settleFromHeaders(key, headers, now)

	g1 := rl.tryAcquire(key, now)
	if !g1.allowed {
		t.Fatalf("expected the first acquire to succeed, got %v", g1)
	}

	// A second acquire at the same instant must be paced out rather than
	// granted immediately, so the two remaining slots are spread across
	// the window instead of bursting together.
	g2 := rl.tryAcquire(key, now)
	if g2.allowed {
		t.Fatalf("expected the second acquire at the same instant to be paced, not granted")
	}
	if g2.wakeUpAt.Before(now) {
		t.Fatalf("expected a future wakeUpAt when paced, got %v vs now %v", g2.wakeUpAt, now)
	}

	g3 := rl.tryAcquire(key, g2.wakeUpAt)
	if !g3.allowed {
		t.Fatalf("expected the second slot to be granted once the pacing gap has elapsed")
	}

	s := rl.stateFor(key, now)
	if s.remaining+s.reserved > s.limit {
		t.Fatalf("invariant violated: remaining(%d)+reserved(%d) > limit(%d)", s.remaining, s.reserved, s.limit)
	}
}

func TestRateLimiterHeadersNeverRaiseRemaining(t *testing.T) {
	rl := newRateLimiter(Config{})
	key := RouteKey("p::m")
	now := time.Now()

	h1 := http.Header{}
	h1.Set("X-RateLimit-Remaining-Requests", "5")
	rl.settleFromHeaders(key, h1, now)

	h2 := http.Header{}
	h2.Set("X-RateLimit-Remaining-Requests", "20")
	rl.settleFromHeaders(key, h2, now)

	s := rl.stateFor(key, now)
	if s.remaining != 5 {
		t.Fatalf("expected remaining to stay at 5 (never raised), got %d", s.remaining)
	}
}

func TestRateLimiterWindowRollResetsReservedAndRemaining(t *testing.T) {
	rl := newRateLimiter(Config{})
	key := RouteKey("p::m")
	now := time.Now()

	h := http.Header{}
	h.Set("X-RateLimit-Limit-Requests", "1")
	h.Set("X-RateLimit-Remaining-Requests", "1")
	h.Set("X-RateLimit-Reset-Requests", "1s")
	rl.settleFromHeaders(key, h, now)

	g := rl.tryAcquire(key, now)
	if !g.allowed {
		t.Fatalf("expected the single remaining slot to be granted")
	}
	if g2 := rl.tryAcquire(key, now); g2.allowed {
		t.Fatalf("expected no further slots before window roll")
	}

	after := now.Add(2 * time.Second)
	g3 := rl.tryAcquire(key, after)
	if !g3.allowed {
		t.Fatalf("expected a fresh slot after the window rolled")
	}
}

func TestParseRetryAfterSecondsAndDate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("120", now)
	if !ok || d != 120*time.Second {
		t.Fatalf("expected 120s, got %v ok=%v", d, ok)
	}

	future := now.Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d, ok = parseRetryAfter(future, now)
	if !ok || d < 29*time.Second || d > 31*time.Second {
		t.Fatalf("expected ~30s from HTTP-date, got %v ok=%v", d, ok)
	}

	if _, ok := parseRetryAfter("not-a-value", now); ok {
		t.Fatalf("expected unparseable Retry-After to report ok=false")
	}
}

func TestParseResetValueMillisecondsAndSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, ok := parseResetValue("250ms", now)
	if !ok || !got.Equal(now.Add(250*time.Millisecond)) {
		t.Fatalf("expected +250ms, got %v ok=%v", got, ok)
	}

	got, ok = parseResetValue("2.5s", now)
	if !ok || !got.Equal(now.Add(2500*time.Millisecond)) {
		t.Fatalf("expected +2.5s, got %v ok=%v", got, ok)
	}
}
