// Package main is the entry point for the traffic controller demo binary:
// it loads a Config, starts a Controller, and drives a small synthetic
// workload against it so the scheduler's behavior (concurrency caps,
// fairness, rate limiting, circuit breaking, retries) is observable end to
// end without a real upstream provider wired in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"modelgate/internal/traffic"
)

func loadConfig(path string) (traffic.Config, error) {
	if path == "" {
		return traffic.DefaultConfig(), nil
	}
	var cfg traffic.Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return traffic.DefaultConfig(), nil
		}
		return traffic.Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// fakeProviderCall simulates an upstream model call: most requests succeed
// quickly, a minority return a retriable 503, and tenant "flaky" always
// fails, feeding the openai::gpt-4 circuit that all tenants share (circuits
// are keyed by route, not tenant) -- enough variety to exercise retries,
// circuit breaking, and per-tenant fairness in one run.
func fakeProviderCall(tenantID string) traffic.ExecuteFunc {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if tenantID == "flaky" {
			return nil, &upstreamError{status: 503}
		}
		if rand.Intn(10) == 0 {
			return nil, &upstreamError{status: 503}
		}
		return "ok", nil
	}
}

type upstreamError struct{ status int }

func (e *upstreamError) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *upstreamError) StatusCode() int { return e.status }

func main() {
	configPath := flag.String("config", "", "Path to a traffic controller TOML config (optional)")
	durationFlag := flag.Duration("duration", 10*time.Second, "How long to run the synthetic workload before shutting down")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting trafficctl",
		"max_concurrent", cfg.MaxConcurrent,
		"max_concurrent_per_tenant", cfg.MaxConcurrentPerTenant,
	)

	controller := traffic.NewController(cfg, traffic.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
		case <-time.After(*durationFlag):
			slog.Info("workload duration elapsed")
		}
		cancel()
	}()

	tenants := []string{"acme", "globex", "flaky"}
	priorities := []traffic.Priority{traffic.PriorityP0, traffic.PriorityP1, traffic.PriorityP2}

	var wg sync.WaitGroup
	var successes, failures int64
	var mu sync.Mutex

	for i := 0; ctx.Err() == nil; i++ {
		tenantID := tenants[i%len(tenants)]
		priority := priorities[i%len(priorities)]

		reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
		req := traffic.NewRequest(reqCtx, tenantID, traffic.RouteMetadata{
			Provider: "openai",
			Model:    "gpt-4",
			Priority: priority,
		}, fakeProviderCall(tenantID))
		req.MaxQueueWait = 500 * time.Millisecond

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reqCancel()
			res := controller.Handle(req)
			mu.Lock()
			if res.Err != nil {
				failures++
			} else {
				successes++
			}
			mu.Unlock()
		}()

		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
		}
	}

	wg.Wait()

	mu.Lock()
	slog.Info("workload complete", "successes", successes, "failures", failures)
	mu.Unlock()

	for _, tenantID := range tenants {
		usage := controller.GetTenantUsage(tenantID)
		slog.Info("tenant usage",
			"tenant_id", tenantID,
			"total_dispatched", usage.TotalDispatched,
			"total_retries", usage.TotalRetries,
			"total_failures", usage.TotalFailures,
			"total_queue_timeouts", usage.TotalQueueTimeouts,
		)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := controller.Close(closeCtx); err != nil {
		slog.Error("controller close error", "error", err)
		os.Exit(1)
	}
	slog.Info("trafficctl stopped")
}
