package traffic

import "time"

// Config is the root configuration for a Controller. Every field is
// optional; zero values fall back to the defaults filled in by
// DefaultConfig, following internal/config/config.go's toml-tagged,
// default-filling convention.
type Config struct {
	MaxConcurrent                 int `toml:"max_concurrent"`
	MaxConcurrentPerTenant        int `toml:"max_concurrent_per_tenant"`
	MaxConcurrentPerProviderModel int `toml:"max_concurrent_per_provider_model"`

	RateLimits map[string]RateLimitConfig `toml:"rate_limits"` // keyed by route key

	FallbackChains map[string][]string `toml:"fallback_chains"` // keyed by route key or bare model

	FallbackPolicy FallbackPolicyConfig `toml:"fallback_policy"`

	AdaptiveLimiter AdaptiveLimiterConfig `toml:"adaptive_limiter"`

	Circuit CircuitConfig `toml:"circuit"`

	// RetryBackoffBase/Max bound the jittered exponential backoff applied
	// between retry attempts.
	RetryBackoffBase time.Duration `toml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `toml:"retry_backoff_max"`

	// MaxAttemptsServerError/RateLimit/Timeout set the per-failure-class
	// attempt budgets: 3 total for server errors and 429s, 2 for timeouts,
	// by default.
	MaxAttemptsServerError int `toml:"max_attempts_server_error"`
	MaxAttemptsRateLimit   int `toml:"max_attempts_rate_limit"`
	MaxAttemptsTimeout     int `toml:"max_attempts_timeout"`
}

// RateLimitConfig configures one route key's rate limiter. Setting
// RequestsPerMinute or TokensPerMinute selects the token-bucket strategy
// (TokensPerMinute, when set, replaces RequestsPerMinute as the refill
// rate); leaving both zero selects the header-driven window strategy.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	BurstSize         int `toml:"burst_size"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
}

// FallbackPolicyConfig configures fallback-policy resolution precedence:
// request-level policy id, then task-type policy id, then default.
type FallbackPolicyConfig struct {
	DefaultPolicyID   string                      `toml:"default_policy_id"`
	TaskTypePolicyIDs map[string]string           `toml:"task_type_policy_ids"`
	Policies          map[string]FallbackPolicyDef `toml:"policies"`
}

// FallbackPolicyDef is one named fallback policy.
type FallbackPolicyDef struct {
	Mode string `toml:"mode"` // "fallback" | "wait"
}

// AdaptiveLimiterConfig configures the adaptive 429-penalty limiter.
type AdaptiveLimiterConfig struct {
	WindowMs          int64   `toml:"window_ms"`
	Threshold         int     `toml:"threshold"`
	MinPenaltyMs      int64   `toml:"min_penalty_ms"`
	MaxPenaltyMs      int64   `toml:"max_penalty_ms"`
	PenaltyMultiplier float64 `toml:"penalty_multiplier"`
	DecayMs           int64   `toml:"decay_ms"`
}

// CircuitConfig configures the per-key circuit breaker.
type CircuitConfig struct {
	FailureThreshold      int   `toml:"failure_threshold"`
	OpenMs                int64 `toml:"open_ms"`
	HalfOpenMaxConcurrent int   `toml:"half_open_max_concurrent"`
}

// DefaultConfig returns a Config with every field's documented default
// filled in.
func DefaultConfig() Config {
	return Config{
		RetryBackoffBase:       100 * time.Millisecond,
		RetryBackoffMax:        30 * time.Second,
		MaxAttemptsServerError: 3,
		MaxAttemptsRateLimit:   3,
		MaxAttemptsTimeout:     2,
		FallbackPolicy: FallbackPolicyConfig{
			Policies: map[string]FallbackPolicyDef{},
		},
		AdaptiveLimiter: AdaptiveLimiterConfig{
			WindowMs:          60_000,
			Threshold:         3,
			MinPenaltyMs:      500,
			MaxPenaltyMs:      60_000,
			PenaltyMultiplier: 2.0,
			DecayMs:           30_000,
		},
		Circuit: CircuitConfig{
			FailureThreshold:      5,
			OpenMs:                5_000,
			HalfOpenMaxConcurrent: 1,
		},
	}
}

// withDefaults fills zero-valued fields of c with DefaultConfig's
// values, matching internal/config/config.go's Load default-filling
// idiom. AdaptiveLimiter is the exception: it is replaced as a whole by
// the default when its WindowMs is zero, and its other fields are not
// filled one by one.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = d.RetryBackoffBase
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
	if c.MaxAttemptsServerError == 0 {
		c.MaxAttemptsServerError = d.MaxAttemptsServerError
	}
	if c.MaxAttemptsRateLimit == 0 {
		c.MaxAttemptsRateLimit = d.MaxAttemptsRateLimit
	}
	if c.MaxAttemptsTimeout == 0 {
		c.MaxAttemptsTimeout = d.MaxAttemptsTimeout
	}
	if c.AdaptiveLimiter.WindowMs == 0 {
		c.AdaptiveLimiter = d.AdaptiveLimiter
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = d.Circuit.FailureThreshold
	}
	if c.Circuit.OpenMs == 0 {
		c.Circuit.OpenMs = d.Circuit.OpenMs
	}
	if c.Circuit.HalfOpenMaxConcurrent == 0 {
		c.Circuit.HalfOpenMaxConcurrent = d.Circuit.HalfOpenMaxConcurrent
	}
	if c.FallbackPolicy.Policies == nil {
		c.FallbackPolicy.Policies = map[string]FallbackPolicyDef{}
	}
	return c
}
