package traffic

import (
	"context"
	"testing"
	"time"
)

func TestFallbackResolverModePrecedence(t *testing.T) {
	cfg := Config{
		FallbackPolicy: FallbackPolicyConfig{
			DefaultPolicyID:   "default-wait",
			TaskTypePolicyIDs: map[string]string{"summarize": "task-fallback"},
			Policies: map[string]FallbackPolicyDef{
				"default-wait":  {Mode: "wait"},
				"task-fallback": {Mode: "fallback"},
				"explicit-reject": {Mode: "reject"},
			},
		},
	}
	cb := newCircuitBreaker(CircuitConfig{})
	fr := newFallbackResolver(cfg, cb)

	req := func(policyID, taskType string) *Request {
		return NewRequest(context.Background(), "tenant-a", RouteMetadata{
			Provider:         "openai",
			Model:            "gpt-4",
			TaskType:         taskType,
			FallbackPolicyID: policyID,
		}, func(ctx context.Context) (any, error) { return nil, nil })
	}

	if m := fr.resolveMode(req("explicit-reject", "summarize")); m != modeReject {
		t.Fatalf("expected request-level policy id to win over task type, got %v", m)
	}
	if m := fr.resolveMode(req("", "summarize")); m != modeFallback {
		t.Fatalf("expected task-type policy to apply when no request-level id is set, got %v", m)
	}
	if m := fr.resolveMode(req("", "")); m != modeWait {
		t.Fatalf("expected default policy id to apply when neither request nor task type set one, got %v", m)
	}
}

func TestFallbackResolverImplicitDefaultIsFallback(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{})
	fr := newFallbackResolver(Config{}, cb)
	req := NewRequest(context.Background(), "tenant-a", RouteMetadata{Provider: "openai", Model: "gpt-4"},
		func(ctx context.Context) (any, error) { return nil, nil })

	if m := fr.resolveMode(req); m != modeFallback {
		t.Fatalf("expected the implicit default (no policy configured at all) to be fallback, got %v", m)
	}
}

func TestFallbackResolverChainPrefersFullKeyOverModelKey(t *testing.T) {
	cfg := Config{
		FallbackChains: map[string][]string{
			"openai::gpt-4":                      {"model-key-target"},
			"openai::gpt-4::taskType=summarize": {"full-key-target"},
		},
	}
	cb := newCircuitBreaker(CircuitConfig{})
	fr := newFallbackResolver(cfg, cb)

	full := NewRouteKey("openai", "gpt-4", "summarize")
	chain := fr.resolveChain(full)
	if len(chain) != 1 || chain[0] != "full-key-target" {
		t.Fatalf("expected the full route key chain to win, got %v", chain)
	}

	bare := NewRouteKey("openai", "gpt-4", "")
	chain = fr.resolveChain(bare)
	if len(chain) != 1 || chain[0] != "model-key-target" {
		t.Fatalf("expected the bare model key chain to apply when no full-key chain exists, got %v", chain)
	}
}

func TestFallbackResolverSkipsTargetsWithOpenCircuit(t *testing.T) {
	cfg := Config{
		FallbackChains: map[string][]string{
			"openai::gpt-4": {"gpt-4-fallback-1", "gpt-4-fallback-2"},
		},
	}
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, OpenMs: 10_000})
	fr := newFallbackResolver(cfg, cb)

	meta := RouteMetadata{Provider: "openai", Model: "gpt-4"}
	firstTarget := meta
	firstTarget.Model = "gpt-4-fallback-1"
	cb.recordFailure(firstTarget.RouteKey(), 500, false, time.Now())

	target, ok := fr.nextAvailableTarget(meta.RouteKey(), meta)
	if !ok || target.Model != "gpt-4-fallback-2" {
		t.Fatalf("expected the resolver to skip the open-circuit target and land on the next one, got %+v ok=%v", target, ok)
	}
}

func TestFallbackResolverExhaustedChainReturnsFalse(t *testing.T) {
	cb := newCircuitBreaker(CircuitConfig{})
	fr := newFallbackResolver(Config{}, cb)
	meta := RouteMetadata{Provider: "openai", Model: "gpt-4"}

	if _, ok := fr.nextAvailableTarget(meta.RouteKey(), meta); ok {
		t.Fatalf("expected no available target when no chain is configured")
	}
}
