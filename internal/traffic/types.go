// Package traffic implements the process-wide scheduler that mediates every
// call an agent framework makes to an upstream model endpoint: concurrency
// caps, priority ordering, per-tenant fairness, rate limiting, circuit
// breaking with fallback routing, retries, and wakeup coalescing.
package traffic

import (
	"container/list"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the scheduling tier of a Request. Lower numeric value means
// higher priority.
type Priority int

const (
	PriorityP0 Priority = iota // highest
	PriorityP1
	PriorityP2
)

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	default:
		return "P2"
	}
}

// priorities lists every priority in scheduling order, P0 first.
var priorities = []Priority{PriorityP0, PriorityP1, PriorityP2}

// RouteMetadata carries the routing identity of a Request as a typed
// struct; Extra exists only for the handful of observability tags that
// don't deserve a named field.
type RouteMetadata struct {
	Provider         string
	Model            string
	TaskType         string
	TenantID         string
	Priority         Priority
	FallbackPolicyID string
	Extra            map[string]string
}

// RouteKey returns the canonical rate-limit/circuit bucket identity for
// this metadata: "<provider>::<model>" optionally suffixed with
// "::taskType=<taskType>".
func (m RouteMetadata) RouteKey() RouteKey {
	return NewRouteKey(m.Provider, m.Model, m.TaskType)
}

// RouteKey is the canonical identifier for a rate-limit/circuit bucket.
type RouteKey string

// NewRouteKey builds the canonical route key for a provider/model pair,
// optionally scoped by task type.
func NewRouteKey(provider, model, taskType string) RouteKey {
	key := provider + "::" + model
	if taskType != "" {
		key += "::taskType=" + taskType
	}
	return RouteKey(key)
}

// ModelKey strips any taskType suffix, matching the bare "provider::model"
// form used as the secondary fallback-chain lookup key.
func (k RouteKey) ModelKey() RouteKey {
	if base, _, ok := strings.Cut(string(k), "::taskType="); ok {
		return RouteKey(base)
	}
	return k
}

// Result is delivered exactly once to the caller of Handle.
type Result struct {
	Value any
	Err   error
}

// ExecuteFunc performs the upstream call. The core treats it as opaque; it
// must honor ctx cancellation.
type ExecuteFunc func(ctx context.Context) (any, error)

// FallbackBuilder constructs a semantically equivalent Request against a
// fallback route. A nil builder degrades fallback-policy resolution to
// reject.
type FallbackBuilder func(target RouteMetadata) *Request

// requestState is the internal lifecycle state of a Request.
type requestState int

const (
	stateQueued requestState = iota
	stateWaitingOnWakeup
	stateInFlight
	stateSettled
)

// Request is a unit of work enqueued by a caller.
type Request struct {
	ID       uuid.UUID
	TenantID string
	Metadata RouteMetadata

	Execute        ExecuteFunc
	CreateFallback FallbackBuilder

	MaxQueueWait time.Duration
	EnqueuedAt   time.Time
	Deadline     time.Time

	Attempt     int
	MaxAttempts int

	Ctx context.Context

	resultCh chan Result
	state    requestState

	// wakeUpAt is the earliest instant at which this request should be
	// re-evaluated, merged into the dispatcher's single coalesced timer.
	// Zero means "not currently waiting on a wakeup".
	wakeUpAt time.Time

	// queueElem/queuePriority let priorityQueue.remove locate and evict
	// this request in O(1) when its deadline fires while still queued.
	queueElem     *list.Element
	queuePriority Priority

	// isFallback marks a Request created by switchToFallback, distinguishing
	// a fallback dispatch's outcome from a primary-route outcome for metrics.
	isFallback bool
}

// NewRequest builds a Request ready for Handle. tenantID defaults to
// "default" when empty.
func NewRequest(ctx context.Context, tenantID string, meta RouteMetadata, execute ExecuteFunc) *Request {
	if tenantID == "" {
		tenantID = "default"
	}
	meta.TenantID = tenantID
	return &Request{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Metadata:    meta,
		Execute:     execute,
		MaxAttempts: 1,
		Ctx:         ctx,
		resultCh:    make(chan Result, 1),
	}
}

// settle delivers the result exactly once. Calling it twice on the same
// Request is a bookkeeping bug and panics.
func (r *Request) settle(res Result) {
	if r.state == stateSettled {
		panic("traffic: request settled twice: " + r.ID.String())
	}
	r.state = stateSettled
	r.resultCh <- res
}
