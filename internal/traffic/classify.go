package traffic

import (
	"context"
	"errors"
	"strings"
)

// StatusCoder is implemented by upstream errors that carry an HTTP
// status. Errors that don't implement it are classified purely by
// message/Is checks.
type StatusCoder interface {
	StatusCode() int
}

// classification is the result of inspecting an execute() error for retry
// and circuit-breaker purposes.
type classification struct {
	status   int
	timeout  bool
	eligible bool // counts toward circuit-open and is retriable
}

// classify inspects err the way internal/resilience/retry.go's
// isRetryableError does -- via status-code extraction first, then
// case-insensitive substring/Is checks for timeouts -- rather than
// requiring callers to wrap every upstream error in a specific type.
func classify(err error) classification {
	if err == nil {
		return classification{}
	}

	var rl *RateLimitedUpstreamError
	if errors.As(err, &rl) {
		return classification{status: 429, eligible: true}
	}

	var sc StatusCoder
	status := 0
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}

	timeout := errors.Is(err, context.DeadlineExceeded)
	if !timeout {
		msg := strings.ToLower(err.Error())
		timeout = strings.Contains(msg, "timeout") || strings.Contains(msg, "etimedout")
	}

	return classification{
		status:   status,
		timeout:  timeout,
		eligible: timeout || eligibleStatus[status],
	}
}

// maxAttemptsFor returns the per-failure-class attempt budget: 3 total
// for server errors and 429s, 2 for timeouts, by default.
func (cfg Config) maxAttemptsFor(c classification) int {
	switch {
	case c.timeout:
		return cfg.MaxAttemptsTimeout
	case c.status == 429:
		return cfg.MaxAttemptsRateLimit
	default:
		return cfg.MaxAttemptsServerError
	}
}
