package traffic

import (
	"errors"
	"fmt"
	"time"
)

// ErrShuttingDown is returned by Handle once Close has been called.
var ErrShuttingDown = errors.New("traffic: controller is shutting down")

// ErrInvariantViolation names the class of fatal bookkeeping bugs:
// negative reservations, double-settle, a request observed in two states.
// No code path in this package returns it; a double settle panics in
// Request.settle, and reservation counters are clamped at zero.
var ErrInvariantViolation = errors.New("traffic: invariant violation")

// QueueWaitTimeoutError is delivered when a Request's deadline fires before
// it could be dispatched.
type QueueWaitTimeoutError struct {
	MaxQueueWaitMs int64
	WaitedMs       int64
	DeadlineAt     time.Time
}

func (e *QueueWaitTimeoutError) Error() string {
	return fmt.Sprintf("traffic: queue wait timeout after %dms (max %dms)", e.WaitedMs, e.MaxQueueWaitMs)
}

// CircuitBreakerOpenError is delivered when a request is rejected because
// its route's circuit is open and no fallback/wait policy applies.
type CircuitBreakerOpenError struct {
	RouteKey    RouteKey
	RetryAfterMs int64
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("traffic: circuit open for %s, retry after %dms", e.RouteKey, e.RetryAfterMs)
}

// RateLimitedUpstreamError represents an observed upstream 429. Callers
// construct it (as an Execute error or as input to ReportStreamFailure);
// classification treats any error wrapping it as a status-429 failure.
type RateLimitedUpstreamError struct {
	RouteKey   RouteKey
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitedUpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("traffic: rate limited upstream on %s: %v", e.RouteKey, e.Cause)
	}
	return fmt.Sprintf("traffic: rate limited upstream on %s", e.RouteKey)
}

func (e *RateLimitedUpstreamError) Unwrap() error { return e.Cause }

// CancelledError is delivered when a request's context is cancelled while
// queued or in flight.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("traffic: request cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }
