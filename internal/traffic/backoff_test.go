package traffic

import (
	"testing"
	"time"
)

func TestBackoffForGrowsExponentiallyWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		expected := base << uint(attempt-1)
		if expected > max {
			expected = max
		}
		lower := time.Duration(float64(expected) * 0.75)
		upper := time.Duration(float64(expected) * 1.25)

		for i := 0; i < 20; i++ {
			got := backoffFor(attempt, base, max)
			if got < lower || got > upper {
				t.Fatalf("attempt %d: backoff %v outside jitter bounds [%v, %v]", attempt, got, lower, upper)
			}
		}
	}
}

func TestBackoffForCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	for i := 0; i < 20; i++ {
		got := backoffFor(20, base, max)
		upper := time.Duration(float64(max) * 1.25)
		if got > upper {
			t.Fatalf("expected backoff to be bounded near max(%v), got %v", max, got)
		}
	}
}

func TestBackoffForNeverNegative(t *testing.T) {
	for i := 0; i < 50; i++ {
		if got := backoffFor(1, time.Millisecond, time.Millisecond); got < 0 {
			t.Fatalf("expected backoff to never be negative, got %v", got)
		}
	}
}

func TestBackoffForTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	got0 := backoffFor(0, 100*time.Millisecond, 10*time.Second)
	got1 := backoffFor(1, 100*time.Millisecond, 10*time.Second)
	// Both should be drawn from the same base distribution (100ms +/-25%);
	// just assert neither panics and both land in a sane range.
	for _, got := range []time.Duration{got0, got1} {
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("expected attempt<=1 to behave like attempt 1, got %v", got)
		}
	}
}
