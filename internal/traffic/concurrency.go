package traffic

// concurrencyGate is the outcome of a concurrency-limiter evaluation:
// either every applicable cap has room, or one or more caps are
// saturated and the request must stay queued.
type concurrencyGate struct {
	allowed bool
	reasons []string // e.g. "tenant", "global", "providerModel" -- combined when several gates block at once
}

// concurrencyLimiter enforces three independent in-flight caps --
// global, per-tenant, and per-route-key -- generalizing
// internal/gateway/dispatcher.go's tenant-only
// TenantLimiter/tenantSemaphore to add the other two dimensions.
type concurrencyLimiter struct {
	maxGlobal     int
	maxPerTenant  int
	maxPerRoute   int

	global int
	tenant map[string]int
	route  map[RouteKey]int
}

func newConcurrencyLimiter(cfg Config) *concurrencyLimiter {
	return &concurrencyLimiter{
		maxGlobal:    cfg.MaxConcurrent,
		maxPerTenant: cfg.MaxConcurrentPerTenant,
		maxPerRoute:  cfg.MaxConcurrentPerProviderModel,
		tenant:       make(map[string]int),
		route:        make(map[RouteKey]int),
	}
}

// tryAcquire evaluates all applicable caps and either grants every slot
// atomically or grants none, reporting every cap that was saturated.
func (c *concurrencyLimiter) tryAcquire(tenantID string, route RouteKey) concurrencyGate {
	var reasons []string
	if c.maxGlobal > 0 && c.global >= c.maxGlobal {
		reasons = append(reasons, "global")
	}
	if c.maxPerTenant > 0 && c.tenant[tenantID] >= c.maxPerTenant {
		reasons = append(reasons, "tenant")
	}
	if c.maxPerRoute > 0 && c.route[route] >= c.maxPerRoute {
		reasons = append(reasons, "providerModel")
	}
	if len(reasons) > 0 {
		return concurrencyGate{allowed: false, reasons: reasons}
	}
	c.global++
	c.tenant[tenantID]++
	c.route[route]++
	return concurrencyGate{allowed: true}
}

// release returns the three slots acquired by a prior tryAcquire. Safe to
// call only after a matching successful acquire.
func (c *concurrencyLimiter) release(tenantID string, route RouteKey) {
	if c.global > 0 {
		c.global--
	}
	if n := c.tenant[tenantID]; n > 0 {
		if n == 1 {
			delete(c.tenant, tenantID)
		} else {
			c.tenant[tenantID] = n - 1
		}
	}
	if n := c.route[route]; n > 0 {
		if n == 1 {
			delete(c.route, route)
		} else {
			c.route[route] = n - 1
		}
	}
}

// tenantInFlight reports the current in-flight count for a tenant, used by
// getTenantUsage.
func (c *concurrencyLimiter) tenantInFlight(tenantID string) int {
	return c.tenant[tenantID]
}
