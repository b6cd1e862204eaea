package traffic

import (
	"context"
	"net/http"
)

// Handle enqueues req and blocks until it settles, honoring req.Ctx
// cancellation: if the context is cancelled before the scheduler accepts
// req, a CancelledError is returned at once; if it is cancelled later,
// Handle asks the scheduler to evict req and returns the scheduler's
// settled result (a CancelledError when req was still queued, or the
// in-flight call's own result when it had already been dispatched).
func (c *Controller) Handle(req *Request) Result {
	select {
	case c.enqueueCh <- req:
	case <-req.Ctx.Done():
		return Result{Err: &CancelledError{Cause: req.Ctx.Err()}}
	case <-c.done:
		return Result{Err: ErrShuttingDown}
	}

	select {
	case res := <-req.resultCh:
		return res
	case <-req.Ctx.Done():
		select {
		case c.cancelCh <- req:
		case <-c.done:
		}
		// Still wait for the authoritative settle so callers never race a
		// result that was already in flight to the resultCh.
		return <-req.resultCh
	}
}

// UpdateRateLimitFromHeaders feeds an observed upstream response's
// rate-limit headers into the per-key rate limiter. Safe to
// call from any goroutine.
func (c *Controller) UpdateRateLimitFromHeaders(key RouteKey, headers http.Header) {
	select {
	case c.headerCh <- headerUpdate{key: key, headers: headers}:
	case <-c.done:
	}
}

// ReportStreamFailure reports an out-of-band upstream failure (e.g.
// observed while consuming a stream, outside the normal Execute/Result
// path) so the circuit breaker and adaptive limiter account for it.
func (c *Controller) ReportStreamFailure(metadata RouteMetadata, err error) {
	select {
	case c.reportCh <- streamFailureReport{metadata: metadata, err: err}:
	case <-c.done:
	}
}

// GetTenantUsage returns the counters `{inFlight, totalDispatched,
// totalRetries, totalFailures, totalQueueTimeouts}` for tenantID. Safe to
// call from any goroutine.
func (c *Controller) GetTenantUsage(tenantID string) TenantUsage {
	reply := make(chan TenantUsage, 1)
	select {
	case c.usageCh <- usageQuery{tenantID: tenantID, reply: reply}:
	case <-c.done:
		return TenantUsage{}
	}
	return <-reply
}

// Stats returns a snapshot of scheduler-wide counters for introspection
// and tests.
func (c *Controller) Stats() ControllerStats {
	reply := make(chan ControllerStats, 1)
	select {
	case c.statsCh <- statsQuery{reply: reply}:
	case <-c.done:
		return ControllerStats{}
	}
	return <-reply
}

// Close drains the controller: queued requests are settled with
// ErrShuttingDown, in-flight requests are allowed to finish naturally,
// and no further Handle calls are accepted. Grounded on
// internal/gateway/dispatcher.go's Dispatcher.Stop() and its
// workerWg.Wait() discipline.
func (c *Controller) Close(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case c.closeCh <- reply:
	case <-c.done:
		return nil
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
