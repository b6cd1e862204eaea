package traffic

// fallbackMode is the resolved handling for a circuit-open dispatch
// attempt.
type fallbackMode int

const (
	modeReject fallbackMode = iota
	modeWait
	modeFallback
)

// fallbackResolver resolves both the fallback chain (which targets to try)
// and the fallback policy (what to do while the primary is open),
// grounded on internal/resilience/fallback.go's priority-sorted
// FallbackChain/FallbackProvider execution and
// internal/policy/enforcement.go's policy-mode branching.
type fallbackResolver struct {
	chains map[RouteKey][]string // keyed by full route key or bare model key
	policy FallbackPolicyConfig
	cb     *circuitBreaker
}

func newFallbackResolver(cfg Config, cb *circuitBreaker) *fallbackResolver {
	chains := make(map[RouteKey][]string, len(cfg.FallbackChains))
	for k, v := range cfg.FallbackChains {
		chains[RouteKey(k)] = v
	}
	return &fallbackResolver{chains: chains, policy: cfg.FallbackPolicy, cb: cb}
}

// resolveMode implements fallback-policy precedence:
// request.metadata.fallbackPolicyId -> taskTypePolicyIds[taskType] ->
// defaultPolicyId -> implicit {mode: "fallback"}.
func (fr *fallbackResolver) resolveMode(req *Request) fallbackMode {
	var policyID string
	if req.Metadata.FallbackPolicyID != "" {
		policyID = req.Metadata.FallbackPolicyID
	} else if id, ok := fr.policy.TaskTypePolicyIDs[req.Metadata.TaskType]; ok {
		policyID = id
	} else if fr.policy.DefaultPolicyID != "" {
		policyID = fr.policy.DefaultPolicyID
	}

	if policyID == "" {
		return modeFallback // implicit default
	}
	def, ok := fr.policy.Policies[policyID]
	if !ok {
		return modeFallback
	}
	switch def.Mode {
	case "wait":
		return modeWait
	case "fallback":
		return modeFallback
	default:
		return modeReject
	}
}

// resolveChain returns the ordered list of fallback target model names for
// key, consulting fallbackChains[fullKey] before fallbackChains[modelKey]
// (the former wins)
func (fr *fallbackResolver) resolveChain(key RouteKey) []string {
	if chain, ok := fr.chains[key]; ok {
		return chain
	}
	if chain, ok := fr.chains[key.ModelKey()]; ok {
		return chain
	}
	return nil
}

// nextAvailableTarget walks the chain for key, in order, skipping any
// target whose own circuit is open. Returns the zero RouteMetadata and
// false if the chain is exhausted.
func (fr *fallbackResolver) nextAvailableTarget(key RouteKey, meta RouteMetadata) (RouteMetadata, bool) {
	for _, model := range fr.resolveChain(key) {
		target := meta
		target.Model = model
		targetKey := target.RouteKey()
		if fr.cb.phaseOf(targetKey) == circuitOpen {
			continue
		}
		return target, true
	}
	return RouteMetadata{}, false
}
