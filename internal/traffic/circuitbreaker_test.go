package traffic

import (
	"testing"
	"time"
)

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 3, OpenMs: 1000, HalfOpenMaxConcurrent: 1})
	key := RouteKey("openai::gpt-4")
	now := time.Now()

	for i := 0; i < 2; i++ {
		d := cb.evaluate(key, now)
		if !d.allow {
			t.Fatalf("expected closed circuit to allow dispatch before threshold, attempt %d", i)
		}
		cb.recordFailure(key, 500, false, now)
	}
	if cb.phaseOf(key) != circuitClosed {
		t.Fatalf("expected circuit still closed below threshold, got %v", cb.phaseOf(key))
	}

	cb.recordFailure(key, 500, false, now)
	if cb.phaseOf(key) != circuitOpen {
		t.Fatalf("expected circuit to trip open at threshold, got %v", cb.phaseOf(key))
	}

	d := cb.evaluate(key, now)
	if d.allow {
		t.Fatalf("expected open circuit to block immediately after tripping")
	}
}

func TestCircuitBreakerHalfOpenProbeThenClose(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, OpenMs: 100, HalfOpenMaxConcurrent: 1})
	key := RouteKey("openai::gpt-4")
	now := time.Now()

	cb.recordFailure(key, 500, false, now)
	if cb.phaseOf(key) != circuitOpen {
		t.Fatalf("expected circuit open after one failure at threshold 1")
	}

	beforeProbe := cb.evaluate(key, now.Add(50*time.Millisecond))
	if beforeProbe.allow {
		t.Fatalf("expected no probe before openMs elapses")
	}

	probe := cb.evaluate(key, now.Add(150*time.Millisecond))
	if !probe.allow || !probe.isProbe {
		t.Fatalf("expected a half-open probe to be allowed once openMs has elapsed, got %+v", probe)
	}
	if cb.phaseOf(key) != circuitHalfOpen {
		t.Fatalf("expected phase to move to half-open on probe, got %v", cb.phaseOf(key))
	}

	second := cb.evaluate(key, now.Add(150*time.Millisecond))
	if second.allow {
		t.Fatalf("expected a second concurrent probe to be blocked with HalfOpenMaxConcurrent=1")
	}

	cb.recordSuccess(key)
	if cb.phaseOf(key) != circuitClosed {
		t.Fatalf("expected circuit to close on probe success, got %v", cb.phaseOf(key))
	}
}

func TestCircuitBreakerHalfOpenFailureReopensWithGrowingBackoff(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, OpenMs: 100, HalfOpenMaxConcurrent: 1})
	key := RouteKey("openai::gpt-4")
	now := time.Now()

	cb.recordFailure(key, 500, false, now)
	firstOpenMs := cb.stateFor(key).openMs

	cb.evaluate(key, now.Add(200*time.Millisecond)) // enters half-open
	cb.recordFailure(key, 500, false, now.Add(200*time.Millisecond))

	if cb.phaseOf(key) != circuitOpen {
		t.Fatalf("expected a half-open probe failure to reopen the circuit")
	}
	secondOpenMs := cb.stateFor(key).openMs
	if secondOpenMs <= firstOpenMs {
		t.Fatalf("expected openMs to grow exponentially on repeated trips: first=%d second=%d", firstOpenMs, secondOpenMs)
	}
}

func TestCircuitBreakerNonEligibleFailureClearsState(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 2, OpenMs: 1000})
	key := RouteKey("openai::gpt-4")
	now := time.Now()

	cb.recordFailure(key, 500, false, now)
	if cb.stateFor(key).failures != 1 {
		t.Fatalf("expected 1 accumulated failure, got %d", cb.stateFor(key).failures)
	}

	// A non-eligible status (e.g. 400) should clear accumulated failures
	// rather than counting toward the trip threshold.
	cb.recordFailure(key, 400, false, now)
	if cb.stateFor(key).failures != 0 {
		t.Fatalf("expected non-eligible failure to reset accumulated count, got %d", cb.stateFor(key).failures)
	}
	if cb.phaseOf(key) != circuitClosed {
		t.Fatalf("expected circuit to remain closed, got %v", cb.phaseOf(key))
	}
}

func TestCircuitBreakerHalfOpenMultipleConcurrentProbes(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, OpenMs: 10, HalfOpenMaxConcurrent: 2})
	key := RouteKey("openai::gpt-4")
	now := time.Now()

	cb.recordFailure(key, 500, false, now)
	later := now.Add(20 * time.Millisecond)

	d1 := cb.evaluate(key, later)
	d2 := cb.evaluate(key, later)
	d3 := cb.evaluate(key, later)

	if !d1.allow || !d2.allow {
		t.Fatalf("expected two concurrent probes to be allowed with HalfOpenMaxConcurrent=2")
	}
	if d3.allow {
		t.Fatalf("expected a third concurrent probe to be blocked")
	}
}
