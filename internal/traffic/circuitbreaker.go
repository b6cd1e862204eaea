package traffic

import "time"

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// eligibleStatus are the HTTP statuses that count toward tripping the
// circuit.
var eligibleStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// circuitKeyState is one route key's circuit-breaker bookkeeping, grounded
// on internal/resilience/circuit_breaker.go's CircuitState machine with
// the Postgres-backed persistence stripped: a plain in-process map owned
// by the scheduler goroutine is the sole, process-lifetime store (no
// cross-process persistence).
type circuitKeyState struct {
	phase    circuitState
	failures int

	openedAt         time.Time
	probeAt          time.Time
	openMs           int64 // current backoff, grows exponentially across trips
	halfOpenInFlight int   // number of probes currently dispatched, capped at cfg.HalfOpenMaxConcurrent
}

// circuitBreaker owns one circuitKeyState per route key.
type circuitBreaker struct {
	cfg    CircuitConfig
	states map[RouteKey]*circuitKeyState
}

func newCircuitBreaker(cfg CircuitConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, states: make(map[RouteKey]*circuitKeyState)}
}

func (cb *circuitBreaker) stateFor(key RouteKey) *circuitKeyState {
	s, ok := cb.states[key]
	if !ok {
		s = &circuitKeyState{phase: circuitClosed, openMs: cb.cfg.OpenMs}
		cb.states[key] = s
	}
	return s
}

// circuitDecision is what the dispatcher should do about a key's circuit
// before attempting dispatch.
type circuitDecision struct {
	allow    bool // dispatch on this key is permitted (closed, or the one half-open probe)
	isProbe  bool
	wakeUpAt time.Time // set when the decision is "wait" rather than "reject"/"fallback"
}

// evaluate returns the dispatcher's circuit decision for key at now. It
// does not itself decide fallback-vs-wait-vs-reject -- that is
// resolveFallbackPolicy's job in fallback.go; evaluate only reports
// whether the key itself is open and, if so, when it would next allow a
// probe.
func (cb *circuitBreaker) evaluate(key RouteKey, now time.Time) circuitDecision {
	s := cb.stateFor(key)
	maxProbes := cb.cfg.HalfOpenMaxConcurrent
	if maxProbes <= 0 {
		maxProbes = 1
	}
	switch s.phase {
	case circuitClosed:
		return circuitDecision{allow: true}
	case circuitOpen:
		if !now.Before(s.probeAt) && s.halfOpenInFlight < maxProbes {
			s.phase = circuitHalfOpen
			s.halfOpenInFlight++
			return circuitDecision{allow: true, isProbe: true}
		}
		return circuitDecision{allow: false, wakeUpAt: s.probeAt}
	case circuitHalfOpen:
		if s.halfOpenInFlight < maxProbes {
			s.halfOpenInFlight++
			return circuitDecision{allow: true, isProbe: true}
		}
		return circuitDecision{allow: false, wakeUpAt: now.Add(cb.cfg.halfOpenRetryInterval())}
	}
	return circuitDecision{allow: false, wakeUpAt: now.Add(time.Second)}
}

func (c CircuitConfig) halfOpenRetryInterval() time.Duration {
	return 50 * time.Millisecond
}

// recordSuccess closes the circuit and resets its counters/backoff.
func (cb *circuitBreaker) recordSuccess(key RouteKey) {
	s := cb.stateFor(key)
	s.phase = circuitClosed
	s.failures = 0
	s.halfOpenInFlight = 0
	s.openMs = cb.cfg.OpenMs
}

// recordFailure records an outcome. status is the classified HTTP status
// (0 if not applicable, e.g. a timeout sets timeout=true instead).
// Non-eligible failures clear accumulated failure state instead of
// counting toward the trip threshold.
func (cb *circuitBreaker) recordFailure(key RouteKey, status int, timeout bool, now time.Time) {
	s := cb.stateFor(key)
	eligible := timeout || eligibleStatus[status]

	if s.phase == circuitHalfOpen {
		if s.halfOpenInFlight > 0 {
			s.halfOpenInFlight--
		}
		if eligible {
			s.openMs = minInt64(s.openMs*2, maxOpenMs)
			cb.trip(s, now)
		} else {
			s.phase = circuitClosed
			s.failures = 0
		}
		return
	}

	if !eligible {
		s.failures = 0
		return
	}

	s.failures++
	threshold := cb.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if s.phase == circuitClosed && s.failures >= threshold {
		cb.trip(s, now)
	}
}

const maxOpenMs = 5 * 60_000 // 5 minutes, bounds the exponential growth

func (cb *circuitBreaker) trip(s *circuitKeyState, now time.Time) {
	s.phase = circuitOpen
	s.openedAt = now
	if s.openMs <= 0 {
		s.openMs = cb.cfg.OpenMs
	}
	s.probeAt = now.Add(time.Duration(s.openMs) * time.Millisecond)
	s.failures = 0
	s.halfOpenInFlight = 0
}

func (cb *circuitBreaker) phaseOf(key RouteKey) circuitState {
	return cb.stateFor(key).phase
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
