package traffic

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// dispatchOutcome is what a worker reports back to the scheduler goroutine
// after running a Request's Execute continuation.
type dispatchOutcome struct {
	req   *Request
	value any
	err   error
}

type headerUpdate struct {
	key     RouteKey
	headers http.Header
}

type streamFailureReport struct {
	metadata RouteMetadata
	err      error
}

type statsQuery struct {
	reply chan ControllerStats
}

type usageQuery struct {
	tenantID string
	reply    chan TenantUsage
}

// tenantUsage accumulates the per-tenant counters exposed by
// getTenantUsage.
type tenantUsage struct {
	totalDispatched   int64
	totalRetries      int64
	totalFailures     int64
	totalQueueTimeouts int64
}

// Controller is the process-wide traffic scheduler. All of its mutable
// state (queue, rate-limit map, circuit map, adaptive map, wakeup timer)
// is owned exclusively by a single goroutine started in NewController;
// every other method communicates with it over channels. This adapts
// internal/gateway/dispatcher.go's worker-pool-over-channels shape into a
// single scheduler task that never itself blocks on upstream calls --
// only the spawned worker goroutines do.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	m      *metrics

	enqueueCh chan *Request
	cancelCh  chan *Request
	retryCh   chan *Request
	outcomeCh chan dispatchOutcome
	headerCh  chan headerUpdate
	reportCh  chan streamFailureReport
	statsCh   chan statsQuery
	usageCh   chan usageQuery
	closeCh   chan chan struct{}

	done chan struct{}

	// scheduler-owned state, touched only inside run()
	queue      *priorityQueue
	concurrent *concurrencyLimiter
	rates      *rateLimiter
	circuits   *circuitBreaker
	adaptive   *adaptiveLimiter
	fallback   *fallbackResolver
	usage      map[string]*tenantUsage

	wakeupTimer *time.Timer
	wakeupAt    time.Time

	shuttingDown bool

	registerer prometheus.Registerer
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger overrides the default logger (slog.Default()), matching
// cmd/modelgate/main.go's injectable-logger convention.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRegisterer overrides the Prometheus registerer used for metrics
// (nil uses prometheus.DefaultRegisterer), following
// internal/telemetry.NewMetrics's signature.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) { c.registerer = reg }
}

// NewController builds a Controller and starts its scheduler goroutine.
// Callers must eventually call Close to drain in-flight work.
func NewController(cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:        cfg,
		logger:     slog.Default(),
		enqueueCh:  make(chan *Request),
		cancelCh:   make(chan *Request),
		retryCh:    make(chan *Request),
		outcomeCh:  make(chan dispatchOutcome),
		headerCh:   make(chan headerUpdate),
		reportCh:   make(chan streamFailureReport),
		statsCh:    make(chan statsQuery),
		usageCh:    make(chan usageQuery),
		closeCh:    make(chan chan struct{}),
		done:       make(chan struct{}),
		queue:      newPriorityQueue(),
		concurrent: newConcurrencyLimiter(cfg),
		rates:      newRateLimiter(cfg),
		usage:      make(map[string]*tenantUsage),
	}
	c.circuits = newCircuitBreaker(cfg.Circuit)
	c.adaptive = newAdaptiveLimiter(cfg.AdaptiveLimiter)
	c.fallback = newFallbackResolver(cfg, c.circuits)
	for _, opt := range opts {
		opt(c)
	}
	c.m = newMetrics(c.registerer)
	go c.run()
	return c
}

// run is the scheduler goroutine's main loop. It coalesces bursts of
// events arriving before a drain pass can execute -- draining every
// channel that already has a value queued before invoking drain, so
// multiple events in the same scheduling tick trigger exactly one drain
// pass.
func (c *Controller) run() {
	defer close(c.done)
	for {
		dirty, shutdownReply := c.waitForEvent()
		if shutdownReply != nil {
			c.drainShutdown(shutdownReply)
			return
		}
		if !dirty {
			continue
		}
		c.drainPending()
		c.drain(time.Now())
		c.rearmWakeupTimer()
	}
}

// waitForEvent blocks for exactly one event, applies it, and reports
// whether scheduler state changed enough to warrant a drain pass.
func (c *Controller) waitForEvent() (dirty bool, shutdownReply chan struct{}) {
	var wakeupC <-chan time.Time
	if c.wakeupTimer != nil {
		wakeupC = c.wakeupTimer.C
	}
	select {
	case req := <-c.enqueueCh:
		c.handleEnqueue(req, time.Now())
		return true, nil
	case req := <-c.cancelCh:
		c.handleCancel(req, time.Now())
		return true, nil
	case req := <-c.retryCh:
		c.handleRequeueRetry(req, time.Now())
		return true, nil
	case out := <-c.outcomeCh:
		c.handleOutcome(out, time.Now())
		return true, nil
	case hu := <-c.headerCh:
		c.rates.settleFromHeaders(hu.key, hu.headers, time.Now())
		return true, nil
	case rep := <-c.reportCh:
		c.handleStreamFailureReport(rep, time.Now())
		return true, nil
	case q := <-c.statsCh:
		q.reply <- c.snapshotStats()
		return false, nil
	case q := <-c.usageCh:
		q.reply <- c.snapshotUsage(q.tenantID)
		return false, nil
	case reply := <-c.closeCh:
		return false, reply
	case <-wakeupC:
		c.wakeupAt = time.Time{}
		return true, nil
	}
}

// drainPending opportunistically applies every event already queued on a
// channel, without blocking, so a burst of synchronous enqueues collapses
// into a single subsequent drain pass.
func (c *Controller) drainPending() {
	for {
		select {
		case req := <-c.enqueueCh:
			c.handleEnqueue(req, time.Now())
		case req := <-c.cancelCh:
			c.handleCancel(req, time.Now())
		case req := <-c.retryCh:
			c.handleRequeueRetry(req, time.Now())
		case out := <-c.outcomeCh:
			c.handleOutcome(out, time.Now())
		case hu := <-c.headerCh:
			c.rates.settleFromHeaders(hu.key, hu.headers, time.Now())
		case rep := <-c.reportCh:
			c.handleStreamFailureReport(rep, time.Now())
		case q := <-c.statsCh:
			q.reply <- c.snapshotStats()
		case q := <-c.usageCh:
			q.reply <- c.snapshotUsage(q.tenantID)
		default:
			return
		}
	}
}

// handleCancel evicts req from the queue if it hasn't already been
// dispatched, settling it as cancelled. If req is already in flight or
// settled, this is a no-op -- execute's own context cancellation (forwarded
// from req.Ctx) unwinds the in-flight call, and the dispatcher settles it
// normally once the worker reports back.
func (c *Controller) handleCancel(req *Request, now time.Time) {
	if req.state != stateQueued && req.state != stateWaitingOnWakeup {
		return
	}
	if req.queueElem != nil {
		c.m.queueDepth.WithLabelValues(req.Metadata.Priority.String()).Dec()
		c.queue.remove(req)
	}
	req.settle(Result{Err: &CancelledError{Cause: req.Ctx.Err()}})
}

func (c *Controller) handleEnqueue(req *Request, now time.Time) {
	if c.shuttingDown {
		req.settle(Result{Err: ErrShuttingDown})
		return
	}
	req.EnqueuedAt = now
	if req.MaxQueueWait > 0 {
		req.Deadline = now.Add(req.MaxQueueWait)
	}
	req.state = stateQueued
	c.queue.push(req)
	c.m.queueDepth.WithLabelValues(req.Metadata.Priority.String()).Inc()
}

func (c *Controller) handleStreamFailureReport(rep streamFailureReport, now time.Time) {
	key := rep.metadata.RouteKey()
	cl := classify(rep.err)
	prevPhase := c.circuits.phaseOf(key)
	c.circuits.recordFailure(key, cl.status, cl.timeout, now)
	newPhase := c.circuits.phaseOf(key)
	c.m.recordCircuitState(key, newPhase)
	if newPhase == circuitOpen && prevPhase != circuitOpen {
		c.m.circuitOpens.WithLabelValues(string(key)).Inc()
	}
	if cl.status == 429 {
		c.adaptive.reportRateLimited(rep.metadata.TenantID, key, now)
		c.m.adaptivePenaltyMs.WithLabelValues(rep.metadata.TenantID, string(key)).Set(float64(c.adaptive.penaltyMsFor(rep.metadata.TenantID, key)))
	}
}

// drain runs gate evaluation across every priority tier, dispatching
// every candidate it can and merging the earliest observed wakeup for
// everything it can't.
func (c *Controller) drain(now time.Time) {
	c.evictExpired(now)

	for _, p := range priorities {
		c.drainPriority(p, now)
	}
}

// evictExpired settles every queued request whose deadline has already
// passed, then merges the earliest still-pending deadline into the
// coalesced wakeup so the timer fires in time to evict it even if no gate
// wakeup or other event would otherwise run a drain pass first -- a
// request blocked on a multi-second circuit-wait or rate-limit wakeup
// must still time out at its own, typically much shorter, deadline.
func (c *Controller) evictExpired(now time.Time) {
	for _, req := range c.queue.allQueued() {
		if req.Deadline.IsZero() {
			continue
		}
		if now.Before(req.Deadline) {
			c.mergeWakeup(req.Deadline)
			continue
		}
		waited := now.Sub(req.EnqueuedAt)
		c.queue.remove(req)
		c.m.queueDepth.WithLabelValues(req.Metadata.Priority.String()).Dec()
		c.recordQueueTimeout(req.TenantID)
		req.settle(Result{Err: &QueueWaitTimeoutError{
			MaxQueueWaitMs: req.MaxQueueWait.Milliseconds(),
			WaitedMs:       waited.Milliseconds(),
			DeadlineAt:     req.Deadline,
		}})
	}
}

func (c *Controller) drainPriority(p Priority, now time.Time) {
	attempts := 0
	maxAttempts := len(c.queue.order[p])
	for attempts < maxAttempts {
		req, ok := c.queue.nextCandidate(p)
		if !ok {
			return
		}
		action, wakeUpAt := c.evaluateGates(req, now)
		switch action {
		case actionDispatch:
			waited := now.Sub(req.EnqueuedAt)
			c.m.queueDepth.WithLabelValues(p.String()).Dec()
			c.m.observeQueueWait(p, req.TenantID, waited)
			c.queue.advance(req)
			c.beginDispatch(req, now)
			maxAttempts = len(c.queue.order[p])
			attempts = 0
		case actionConsumed:
			c.m.queueDepth.WithLabelValues(p.String()).Dec()
			c.queue.advance(req)
			maxAttempts = len(c.queue.order[p])
			attempts = 0
		case actionWait:
			c.mergeWakeup(wakeUpAt)
			c.queue.skip(p)
			attempts++
		}
	}
}

type gateAction int

const (
	actionWait gateAction = iota
	actionDispatch
	actionConsumed
)

// evaluateGates applies the gate order -- circuit, rate limit, adaptive,
// concurrency -- to req (deadline is handled separately by
// evictExpired before candidates are considered). A circuit-open result
// is resolved immediately via the fallback-policy resolver: it either
// settles req (reject), leaves it queued awaiting a wait wakeup, or
// replaces it with a freshly enqueued fallback Request (switch).
func (c *Controller) evaluateGates(req *Request, now time.Time) (gateAction, time.Time) {
	key := req.Metadata.RouteKey()

	circuitDec := c.circuits.evaluate(key, now)
	if !circuitDec.allow {
		switch c.fallback.resolveMode(req) {
		case modeFallback:
			if target, ok := c.fallback.nextAvailableTarget(key, req.Metadata); ok {
				c.switchToFallback(req, target, now)
				return actionConsumed, time.Time{}
			}
			c.rejectCircuitOpen(req, key, circuitDec.wakeUpAt, now)
			return actionConsumed, time.Time{}
		case modeWait:
			return actionWait, circuitDec.wakeUpAt
		default:
			c.rejectCircuitOpen(req, key, circuitDec.wakeUpAt, now)
			return actionConsumed, time.Time{}
		}
	}

	rlDec := c.rates.tryAcquire(key, now)
	if !rlDec.allowed {
		c.m.rateLimitHits.WithLabelValues(string(key)).Inc()
		c.m.rateLimitWaitSec.WithLabelValues(string(key)).Observe(rlDec.wakeUpAt.Sub(now).Seconds())
		return actionWait, rlDec.wakeUpAt
	}

	adDec := c.adaptive.evaluate(req.TenantID, key, now)
	if !adDec.allowed {
		c.rates.unreserve(key, now)
		return actionWait, adDec.wakeUpAt
	}

	cGate := c.concurrent.tryAcquire(req.TenantID, key)
	if !cGate.allowed {
		c.rates.unreserve(key, now)
		c.logger.Debug("dispatch blocked on concurrency", "route_key", string(key), "tenant_id", req.TenantID, "reasons", cGate.reasons)
		return actionWait, now.Add(25 * time.Millisecond)
	}

	return actionDispatch, time.Time{}
}

func (c *Controller) rejectCircuitOpen(req *Request, key RouteKey, probeAt time.Time, now time.Time) {
	retryAfterMs := int64(0)
	if probeAt.After(now) {
		retryAfterMs = probeAt.Sub(now).Milliseconds()
	}
	c.recordFailureUsage(req.TenantID)
	req.settle(Result{Err: &CircuitBreakerOpenError{RouteKey: key, RetryAfterMs: retryAfterMs}})
}

// switchToFallback switches a circuit-open request onto a fallback
// target: the dispatcher calls req.CreateFallback, adopts the original's result
// channel and deadline onto the fresh Request, and settles the original
// internally without delivering a second result on the adopted channel.
func (c *Controller) switchToFallback(req *Request, target RouteMetadata, now time.Time) {
	if req.CreateFallback == nil {
		c.rejectCircuitOpen(req, req.Metadata.RouteKey(), now, now)
		return
	}
	fallbackReq := req.CreateFallback(target)
	if fallbackReq == nil {
		c.rejectCircuitOpen(req, req.Metadata.RouteKey(), now, now)
		return
	}

	fallbackReq.resultCh = req.resultCh
	fallbackReq.Deadline = req.Deadline
	fallbackReq.MaxQueueWait = req.MaxQueueWait
	fallbackReq.EnqueuedAt = req.EnqueuedAt
	fallbackReq.Attempt = req.Attempt
	fallbackReq.MaxAttempts = req.MaxAttempts
	fallbackReq.state = stateQueued
	fallbackReq.isFallback = true

	c.m.fallbackInvocations.WithLabelValues(string(req.Metadata.RouteKey()), string(target.RouteKey())).Inc()

	// Mark the original settled internally -- "switched" -- without
	// writing to resultCh a second time; the fallback request now owns it.
	req.state = stateSettled

	c.queue.push(fallbackReq)
	c.m.queueDepth.WithLabelValues(fallbackReq.Metadata.Priority.String()).Inc()
}

func (c *Controller) beginDispatch(req *Request, now time.Time) {
	req.state = stateInFlight
	req.Attempt++
	c.m.requestsInFlight.Inc()
	key := req.Metadata.RouteKey()
	c.m.concurrencyInUse.WithLabelValues("global", "global").Inc()
	c.m.concurrencyInUse.WithLabelValues("tenant", req.TenantID).Inc()
	c.m.concurrencyInUse.WithLabelValues("route", string(key)).Inc()
	go func() {
		value, err := req.Execute(req.Ctx)
		c.outcomeCh <- dispatchOutcome{req: req, value: value, err: err}
	}()
}

func (c *Controller) handleOutcome(out dispatchOutcome, now time.Time) {
	req := out.req
	key := req.Metadata.RouteKey()

	c.concurrent.release(req.TenantID, key)
	c.rates.releaseReservation(key, now)
	c.m.requestsInFlight.Dec()
	c.m.requestDuration.WithLabelValues(string(key), req.TenantID).Observe(now.Sub(req.EnqueuedAt).Seconds())
	c.m.concurrencyInUse.WithLabelValues("global", "global").Dec()
	c.m.concurrencyInUse.WithLabelValues("tenant", req.TenantID).Dec()
	c.m.concurrencyInUse.WithLabelValues("route", string(key)).Dec()

	if out.err == nil {
		c.circuits.recordSuccess(key)
		c.m.recordCircuitState(key, c.circuits.phaseOf(key))
		c.adaptive.reportSuccess(req.TenantID, key, now)
		c.m.adaptivePenaltyMs.WithLabelValues(req.TenantID, string(key)).Set(float64(c.adaptive.penaltyMsFor(req.TenantID, key)))
		c.recordDispatchSuccess(req.TenantID)
		c.m.requestsTotal.WithLabelValues(string(key), req.TenantID, "success").Inc()
		if req.isFallback {
			c.m.fallbackSuccess.WithLabelValues(string(key)).Inc()
		}
		req.settle(Result{Value: out.value})
		return
	}

	prevPhase := c.circuits.phaseOf(key)
	cl := classify(out.err)
	c.circuits.recordFailure(key, cl.status, cl.timeout, now)
	newPhase := c.circuits.phaseOf(key)
	c.m.recordCircuitState(key, newPhase)
	if newPhase == circuitOpen && prevPhase != circuitOpen {
		c.m.circuitOpens.WithLabelValues(string(key)).Inc()
	}
	if cl.status == 429 {
		c.adaptive.reportRateLimited(req.TenantID, key, now)
		c.m.adaptivePenaltyMs.WithLabelValues(req.TenantID, string(key)).Set(float64(c.adaptive.penaltyMsFor(req.TenantID, key)))
	}

	if !cl.eligible {
		c.recordFailureUsage(req.TenantID)
		c.m.requestsTotal.WithLabelValues(string(key), req.TenantID, "error").Inc()
		req.settle(Result{Err: out.err})
		return
	}

	maxAttempts := req.MaxAttempts
	if configured := c.cfg.maxAttemptsFor(cl); configured > maxAttempts {
		maxAttempts = configured
	}
	if req.Attempt >= maxAttempts {
		c.recordFailureUsage(req.TenantID)
		c.m.requestsTotal.WithLabelValues(string(key), req.TenantID, "error").Inc()
		req.settle(Result{Err: out.err})
		return
	}

	c.m.retryAttempts.WithLabelValues(string(key), retryReason(cl)).Inc()
	c.recordRetryUsage(req.TenantID)
	backoff := backoffFor(req.Attempt, c.cfg.RetryBackoffBase, c.cfg.RetryBackoffMax)
	req.state = stateWaitingOnWakeup
	wakeAt := now.Add(backoff)
	req.wakeUpAt = wakeAt
	time.AfterFunc(backoff, func() {
		c.retryCh <- req
	})
	c.mergeWakeup(wakeAt)
}

// handleRequeueRetry re-admits a retried request at its tenant's queue
// head (not the tail) once its backoff has elapsed. Deadline and
// EnqueuedAt are left untouched: a retry does not grant a fresh
// maxQueueWaitMs budget.
func (c *Controller) handleRequeueRetry(req *Request, now time.Time) {
	if c.shuttingDown {
		req.settle(Result{Err: ErrShuttingDown})
		return
	}
	if !req.Deadline.IsZero() && !now.Before(req.Deadline) {
		c.recordQueueTimeout(req.TenantID)
		req.settle(Result{Err: &QueueWaitTimeoutError{
			MaxQueueWaitMs: req.MaxQueueWait.Milliseconds(),
			WaitedMs:       now.Sub(req.EnqueuedAt).Milliseconds(),
			DeadlineAt:     req.Deadline,
		}})
		return
	}
	req.wakeUpAt = time.Time{}
	req.state = stateQueued
	c.queue.pushFront(req)
	c.m.queueDepth.WithLabelValues(req.Metadata.Priority.String()).Inc()
}

func retryReason(c classification) string {
	switch {
	case c.timeout:
		return "timeout"
	case c.status == 429:
		return "rate_limited"
	default:
		return "server_error"
	}
}

// mergeWakeup folds another candidate wakeup instant into the single
// coalesced timer, keeping only the earliest. Every non-zero candidate --
// a gate's retry-at, a retry backoff, a request deadline -- counts toward
// wakeupsCoalesced regardless of whether it wins, since each is a wakeup
// source the single timer absorbed instead of arming separately.
func (c *Controller) mergeWakeup(at time.Time) {
	if at.IsZero() {
		return
	}
	c.m.wakeupsCoalesced.Inc()
	if !c.wakeupAt.IsZero() && !at.Before(c.wakeupAt) {
		return
	}
	c.wakeupAt = at
}

func (c *Controller) rearmWakeupTimer() {
	if c.wakeupAt.IsZero() {
		return
	}
	d := time.Until(c.wakeupAt)
	if d < 0 {
		d = 0
	}
	if c.wakeupTimer == nil {
		c.wakeupTimer = time.NewTimer(d)
		return
	}
	if !c.wakeupTimer.Stop() {
		select {
		case <-c.wakeupTimer.C:
		default:
		}
	}
	c.wakeupTimer.Reset(d)
}

func (c *Controller) drainShutdown(reply chan struct{}) {
	c.shuttingDown = true
	for _, req := range c.queue.allQueued() {
		c.queue.remove(req)
		req.settle(Result{Err: ErrShuttingDown})
	}
	close(reply)
}

func (c *Controller) recordQueueTimeout(tenantID string) {
	c.tenantUsageFor(tenantID).totalQueueTimeouts++
}
func (c *Controller) recordFailureUsage(tenantID string) {
	c.tenantUsageFor(tenantID).totalFailures++
}
func (c *Controller) recordRetryUsage(tenantID string) {
	c.tenantUsageFor(tenantID).totalRetries++
}
func (c *Controller) recordDispatchSuccess(tenantID string) {
	c.tenantUsageFor(tenantID).totalDispatched++
}

func (c *Controller) tenantUsageFor(tenantID string) *tenantUsage {
	u, ok := c.usage[tenantID]
	if !ok {
		u = &tenantUsage{}
		c.usage[tenantID] = u
	}
	return u
}

// ControllerStats is a point-in-time snapshot for introspection/testing,
// grounded on internal/gateway/dispatcher.go's Stats()/DispatcherMetrics.
type ControllerStats struct {
	QueueDepth int
}

func (c *Controller) snapshotStats() ControllerStats {
	return ControllerStats{QueueDepth: c.queue.Len()}
}

// TenantUsage is the counter set returned by getTenantUsage.
type TenantUsage struct {
	InFlight           int
	TotalDispatched    int64
	TotalRetries       int64
	TotalFailures      int64
	TotalQueueTimeouts int64
}

func (c *Controller) snapshotUsage(tenantID string) TenantUsage {
	u := c.tenantUsageFor(tenantID)
	return TenantUsage{
		InFlight:           c.concurrent.tenantInFlight(tenantID),
		TotalDispatched:    u.totalDispatched,
		TotalRetries:       u.totalRetries,
		TotalFailures:      u.totalFailures,
		TotalQueueTimeouts: u.totalQueueTimeouts,
	}
}
