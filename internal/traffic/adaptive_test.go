package traffic

import (
	"testing"
	"time"
)

func adaptiveTestConfig() AdaptiveLimiterConfig {
	return AdaptiveLimiterConfig{
		WindowMs:          60_000,
		Threshold:         2,
		MinPenaltyMs:      1000,
		MaxPenaltyMs:      16_000,
		PenaltyMultiplier: 2.0,
		DecayMs:           5_000,
	}
}

func TestAdaptiveLimiterGeometricGrowthAtThreshold(t *testing.T) {
	al := newAdaptiveLimiter(adaptiveTestConfig())
	route := RouteKey("openai::gpt-4")
	now := time.Now()

	al.reportRateLimited("tenant-a", route, now)
	g := al.evaluate("tenant-a", route, now)
	if !g.allowed {
		t.Fatalf("expected no penalty below threshold (1 failure, threshold 2)")
	}

	al.reportRateLimited("tenant-a", route, now.Add(time.Second))
	g = al.evaluate("tenant-a", route, now.Add(time.Second))
	if g.allowed {
		t.Fatalf("expected a penalty once the rolling count reaches threshold (2 failures, threshold 2)")
	}

	s := al.stateFor("tenant-a", route)
	firstPenalty := s.penaltyMs
	if firstPenalty != 1000 {
		t.Fatalf("expected min penalty of 1000ms on first trip, got %d", firstPenalty)
	}
	if firstPenalty < al.cfg.MinPenaltyMs {
		t.Fatalf("expected tenant-a to be delayed by at least minPenaltyMs, got %d", firstPenalty)
	}

	al.reportRateLimited("tenant-a", route, now.Add(2*time.Second))
	secondPenalty := al.stateFor("tenant-a", route).penaltyMs
	if secondPenalty != firstPenalty*2 {
		t.Fatalf("expected geometric doubling: first=%d second=%d", firstPenalty, secondPenalty)
	}
}

func TestAdaptiveLimiterPerTenantIsolation(t *testing.T) {
	al := newAdaptiveLimiter(adaptiveTestConfig())
	route := RouteKey("openai::gpt-4")
	now := time.Now()

	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)

	if g := al.evaluate("tenant-a", route, now); g.allowed {
		t.Fatalf("expected tenant-a to be under penalty")
	}
	if g := al.evaluate("tenant-b", route, now); !g.allowed {
		t.Fatalf("expected tenant-b to be wholly unaffected by tenant-a's penalty")
	}
}

func TestAdaptiveLimiterLinearDecayAfterQuiet(t *testing.T) {
	cfg := adaptiveTestConfig()
	al := newAdaptiveLimiter(cfg)
	route := RouteKey("openai::gpt-4")
	now := time.Now()

	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)
	penalty := al.stateFor("tenant-a", route).penaltyMs
	if penalty == 0 {
		t.Fatalf("expected a nonzero penalty after exceeding threshold")
	}

	quiet := now.Add(time.Duration(cfg.DecayMs)*time.Millisecond + time.Millisecond)
	al.evaluate("tenant-a", route, quiet)
	decayed := al.stateFor("tenant-a", route).penaltyMs
	if decayed >= penalty {
		t.Fatalf("expected penalty to decay after %dms of quiet: before=%d after=%d", cfg.DecayMs, penalty, decayed)
	}
}

func TestAdaptiveLimiterSuccessHalvesThenClearsPenalty(t *testing.T) {
	al := newAdaptiveLimiter(adaptiveTestConfig())
	route := RouteKey("openai::gpt-4")
	now := time.Now()

	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)
	al.reportRateLimited("tenant-a", route, now)
	s := al.stateFor("tenant-a", route)
	penalty := s.penaltyMs
	cooldownOver := s.cooldownUntil.Add(time.Millisecond)

	al.reportSuccess("tenant-a", route, cooldownOver)
	if s.penaltyMs != penalty/2 {
		t.Fatalf("expected success after cooldown to halve the penalty: before=%d after=%d", penalty, s.penaltyMs)
	}

	al.reportSuccess("tenant-a", route, cooldownOver)
	if s.penaltyMs != 0 {
		t.Fatalf("expected repeated success to eventually clear the penalty entirely, got %d", s.penaltyMs)
	}
	if g := al.evaluate("tenant-a", route, cooldownOver); !g.allowed {
		t.Fatalf("expected tenant to be fully unblocked once penalty clears")
	}
}
