package traffic

import "time"

// adaptiveKey scopes adaptive-limiter state to (tenant, route) so that one
// tenant's observed 429s never penalize a different tenant.
type adaptiveKey struct {
	tenantID string
	route    RouteKey
}

// adaptiveState is one (tenant, route)'s rolling 429 bookkeeping, grounded
// on other_examples/27b9ed72...adaptive_rate_limiter.go's token-bucket
// threat-penalty shape, narrowed to: a rolling count within windowMs,
// a penalty once that count reaches threshold that grows geometrically on
// each further qualifying failure, linear decay after decayMs of quiet. That file's
// threat-scoring/tiering/HTTP-middleware apparatus is not carried here.
type adaptiveState struct {
	recentFailures []time.Time
	penaltyMs      int64
	cooldownUntil  time.Time
	lastFailureAt  time.Time
}

// adaptiveLimiter owns one adaptiveState per (tenant, route).
type adaptiveLimiter struct {
	cfg    AdaptiveLimiterConfig
	states map[adaptiveKey]*adaptiveState
}

func newAdaptiveLimiter(cfg AdaptiveLimiterConfig) *adaptiveLimiter {
	return &adaptiveLimiter{cfg: cfg, states: make(map[adaptiveKey]*adaptiveState)}
}

// penaltyMsFor reports (tenantID, route)'s current penalty, 0 if none is
// active, used to publish the adaptivePenaltyMs gauge.
func (al *adaptiveLimiter) penaltyMsFor(tenantID string, route RouteKey) int64 {
	s, ok := al.states[adaptiveKey{tenantID: tenantID, route: route}]
	if !ok {
		return 0
	}
	return s.penaltyMs
}

func (al *adaptiveLimiter) stateFor(tenantID string, route RouteKey) *adaptiveState {
	k := adaptiveKey{tenantID: tenantID, route: route}
	s, ok := al.states[k]
	if !ok {
		s = &adaptiveState{}
		al.states[k] = s
	}
	return s
}

// reportRateLimited records an observed upstream 429 for (tenantID,
// route), applying geometric penalty growth once the rolling count within
// windowMs reaches threshold.
func (al *adaptiveLimiter) reportRateLimited(tenantID string, route RouteKey, now time.Time) {
	s := al.stateFor(tenantID, route)
	s.lastFailureAt = now
	s.recentFailures = append(s.recentFailures, now)
	s.recentFailures = pruneOlderThan(s.recentFailures, now, al.cfg.windowDuration())

	if len(s.recentFailures) < al.cfg.Threshold {
		return
	}

	if s.penaltyMs == 0 {
		s.penaltyMs = al.cfg.MinPenaltyMs
	} else {
		mult := al.cfg.PenaltyMultiplier
		if mult <= 1 {
			mult = 2
		}
		s.penaltyMs = minInt64(int64(float64(s.penaltyMs)*mult), al.cfg.MaxPenaltyMs)
	}
	s.cooldownUntil = now.Add(time.Duration(s.penaltyMs) * time.Millisecond)
}

// reportSuccess halves the penalty on an observed success once the
// cooldown has elapsed, clearing it entirely once it has decayed to half
// the minimum or less.
func (al *adaptiveLimiter) reportSuccess(tenantID string, route RouteKey, now time.Time) {
	s, ok := al.states[adaptiveKey{tenantID: tenantID, route: route}]
	if !ok || s.penaltyMs == 0 {
		return
	}
	if now.Before(s.cooldownUntil) {
		return
	}
	s.penaltyMs /= 2
	if s.penaltyMs <= al.cfg.MinPenaltyMs/2 {
		s.penaltyMs = 0
		s.cooldownUntil = time.Time{}
		s.recentFailures = nil
	}
}

// evaluate returns whether (tenantID, route) is currently under an
// adaptive cooldown, decaying the penalty linearly toward zero after
// decayMs of quiet before checking.
func (al *adaptiveLimiter) evaluate(tenantID string, route RouteKey, now time.Time) rateLimitGate {
	s, ok := al.states[adaptiveKey{tenantID: tenantID, route: route}]
	if !ok || s.penaltyMs == 0 {
		return rateLimitGate{allowed: true}
	}
	al.decay(s, now)
	if s.penaltyMs == 0 || !now.Before(s.cooldownUntil) {
		return rateLimitGate{allowed: true}
	}
	return rateLimitGate{allowed: false, wakeUpAt: s.cooldownUntil}
}

// decay applies linear decay toward zero once decayMs of quiet (no new
// failures) have elapsed since the last recorded failure.
func (al *adaptiveLimiter) decay(s *adaptiveState, now time.Time) {
	if al.cfg.DecayMs <= 0 || s.lastFailureAt.IsZero() {
		return
	}
	quietFor := now.Sub(s.lastFailureAt)
	if quietFor <= time.Duration(al.cfg.DecayMs)*time.Millisecond {
		return
	}
	elapsedDecayWindows := quietFor / (time.Duration(al.cfg.DecayMs) * time.Millisecond)
	decayed := s.penaltyMs - int64(elapsedDecayWindows)*al.cfg.MinPenaltyMs
	if decayed < 0 {
		decayed = 0
	}
	s.penaltyMs = decayed
	if s.penaltyMs == 0 {
		s.cooldownUntil = time.Time{}
		s.recentFailures = nil
	}
}

func (c AdaptiveLimiterConfig) windowDuration() time.Duration {
	if c.WindowMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WindowMs) * time.Millisecond
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
