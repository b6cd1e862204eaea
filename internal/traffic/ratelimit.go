package traffic

import (
	"net/http"
	"time"
)

// rateLimitGate is the outcome of a rate-limiter evaluation: granted, or
// blocked until wakeUpAt.
type rateLimitGate struct {
	allowed  bool
	wakeUpAt time.Time
}

// rateLimitState is one route key's rate-accounting bucket. It holds
// either window-model fields or token-bucket fields depending on which
// strategy configured it, grounded on internal/policy/enforcement.go's
// RateLimiter/tokenBucket, generalized from fixed-minute refill to a
// reservation + pacing-gap discipline for the window strategy and to
// continuous per-ms refill instead of a per-minute snap reset for the
// token-bucket strategy.
type rateLimitState struct {
	strategy rateLimitStrategy

	// window model. remainingKnown is false until the first header update
	// arrives; until then the key is treated as unlimited, since nothing
	// constrains an upstream that has never reported state.
	limit          int
	remaining      int
	remainingKnown bool
	reserved       int
	resetAt        time.Time
	nextAllowedAt  time.Time
	windowMs       int64

	// token bucket
	tokens       float64
	burstSize    int
	ratePerMs    float64
	lastRefillAt time.Time
}

type rateLimitStrategy int

const (
	strategyWindow rateLimitStrategy = iota
	strategyTokenBucket
)

const defaultWindowMs = 60_000
const probeDelay = 1 * time.Second

func newWindowState(now time.Time) *rateLimitState {
	return &rateLimitState{
		strategy: strategyWindow,
		limit:    0, // unknown until first header update; treated as unlimited
		resetAt:  now.Add(defaultWindowMs * time.Millisecond),
		windowMs: defaultWindowMs,
	}
}

func newTokenBucketState(cfg RateLimitConfig, now time.Time) *rateLimitState {
	rpm := cfg.RequestsPerMinute
	if cfg.TokensPerMinute > 0 {
		rpm = cfg.TokensPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitState{
		strategy:     strategyTokenBucket,
		burstSize:    burst,
		ratePerMs:    float64(rpm) / 60_000.0,
		tokens:       float64(burst),
		lastRefillAt: now,
	}
}

// rateLimiter owns one rateLimitState per route key, created lazily and
// kept for the life of the process.
type rateLimiter struct {
	cfg    map[RouteKey]RateLimitConfig
	states map[RouteKey]*rateLimitState
}

func newRateLimiter(cfg Config) *rateLimiter {
	byKey := make(map[RouteKey]RateLimitConfig, len(cfg.RateLimits))
	for k, v := range cfg.RateLimits {
		byKey[RouteKey(k)] = v
	}
	return &rateLimiter{cfg: byKey, states: make(map[RouteKey]*rateLimitState)}
}

func (rl *rateLimiter) stateFor(key RouteKey, now time.Time) *rateLimitState {
	if s, ok := rl.states[key]; ok {
		return s
	}
	cfg, hasCfg := rl.cfg[key]
	var s *rateLimitState
	if hasCfg && (cfg.TokensPerMinute > 0 || cfg.RequestsPerMinute > 0) {
		s = newTokenBucketState(cfg, now)
	} else {
		s = newWindowState(now)
	}
	rl.states[key] = s
	return s
}

// tryAcquire evaluates the reservation/pacing discipline for the window
// model, or consumes a token for the bucket model.
func (rl *rateLimiter) tryAcquire(key RouteKey, now time.Time) rateLimitGate {
	s := rl.stateFor(key, now)
	if s.strategy == strategyTokenBucket {
		return s.tryAcquireTokenBucket(now)
	}
	return s.tryAcquireWindow(now)
}

func (s *rateLimitState) tryAcquireWindow(now time.Time) rateLimitGate {
	rolled := false
	if !now.Before(s.resetAt) {
		if s.remainingKnown {
			s.remaining = s.limit
		}
		s.reserved = 0
		s.resetAt = now.Add(time.Duration(s.windowMs) * time.Millisecond)
		rolled = true
	}

	// Never seen a header update for this key: nothing constrains
	// dispatch beyond pacing already set by nextAllowedAt.
	if !s.remainingKnown {
		if now.Before(s.nextAllowedAt) {
			return rateLimitGate{allowed: false, wakeUpAt: s.nextAllowedAt}
		}
		return rateLimitGate{allowed: true}
	}

	effectiveRemaining := s.remaining - s.reserved

	// Probe: after resetAt passed with remaining=0, let exactly one
	// request through to resynchronize state from the next response.
	if effectiveRemaining <= 0 && rolled {
		s.reserved++
		s.nextAllowedAt = now.Add(probeDelay)
		return rateLimitGate{allowed: true}
	}

	if effectiveRemaining >= 1 && !now.Before(s.nextAllowedAt) {
		s.reserved++
		pacingGap := (s.resetAt.Sub(now)) / time.Duration(maxInt(1, effectiveRemaining))
		if pacingGap < time.Millisecond {
			pacingGap = time.Millisecond
		}
		s.nextAllowedAt = now.Add(pacingGap)
		return rateLimitGate{allowed: true}
	}

	wakeUpAt := s.nextAllowedAt
	if effectiveRemaining <= 0 {
		candidate := s.resetAt.Add(probeDelay)
		if candidate.After(wakeUpAt) {
			wakeUpAt = candidate
		}
	}
	if wakeUpAt.Before(now) {
		wakeUpAt = now
	}
	return rateLimitGate{allowed: false, wakeUpAt: wakeUpAt}
}

func (s *rateLimitState) tryAcquireTokenBucket(now time.Time) rateLimitGate {
	elapsedMs := float64(now.Sub(s.lastRefillAt).Milliseconds())
	if elapsedMs > 0 {
		s.tokens = minFloat(float64(s.burstSize), s.tokens+elapsedMs*s.ratePerMs)
		s.lastRefillAt = now
	}
	if s.tokens >= 1 {
		s.tokens--
		return rateLimitGate{allowed: true}
	}
	if s.ratePerMs <= 0 {
		// No refill configured: block indefinitely until reconfigured.
		return rateLimitGate{allowed: false, wakeUpAt: now.Add(time.Hour)}
	}
	msUntilToken := (1 - s.tokens) / s.ratePerMs
	return rateLimitGate{allowed: false, wakeUpAt: now.Add(time.Duration(msUntilToken) * time.Millisecond)}
}

// settleFromHeaders applies an upstream response's rate-limit headers to
// the key's state: remaining only ever falls within a window, and
// Retry-After extends pacing.
func (rl *rateLimiter) settleFromHeaders(key RouteKey, headers http.Header, now time.Time) {
	s := rl.stateFor(key, now)
	if s.strategy != strategyWindow {
		return
	}
	// The reserved-- accounting step happens once per dispatch outcome in
	// releaseReservation, regardless of whether headers are ever reported
	// for that response; settleFromHeaders only refreshes limit/remaining/
	// resetAt/pacing from what the caller observed.
	parsed := parseRateLimitHeaders(headers, now)
	if parsed.limit != nil {
		s.limit = *parsed.limit
	}
	if parsed.resetAt != nil {
		s.resetAt = *parsed.resetAt
	}
	if parsed.remaining != nil {
		if s.remainingKnown {
			// Never raise remaining within a window (invariant).
			s.remaining = minInt(s.remaining, *parsed.remaining)
		} else {
			s.remaining = *parsed.remaining
			s.remainingKnown = true
		}
	}
	if parsed.retryAfter != nil {
		candidate := now.Add(*parsed.retryAfter)
		if candidate.After(s.nextAllowedAt) {
			s.nextAllowedAt = candidate
		}
	}
}

// releaseReservation decrements reserved after a dispatched request
// settles, independent of whether settleFromHeaders is ever called for
// that response: this accounting step must happen on every settle
// regardless of whether headers were observed.
func (rl *rateLimiter) releaseReservation(key RouteKey, now time.Time) {
	s := rl.stateFor(key, now)
	if s.strategy == strategyWindow && s.reserved > 0 {
		s.reserved--
	}
}

// unreserve rolls back a reservation made by a prior tryAcquire when a
// later gate (adaptive, concurrency) blocks the same candidate, so a
// reservation is never held without a matching dispatch.
func (rl *rateLimiter) unreserve(key RouteKey, now time.Time) {
	s := rl.stateFor(key, now)
	switch s.strategy {
	case strategyWindow:
		if s.reserved > 0 {
			s.reserved--
		}
	case strategyTokenBucket:
		s.tokens = minFloat(float64(s.burstSize), s.tokens+1)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
