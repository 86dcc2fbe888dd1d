package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/audit"
	"github.com/aristath/perfengine/internal/batch"
	"github.com/aristath/perfengine/internal/cache"
	"github.com/aristath/perfengine/internal/config"
	"github.com/aristath/perfengine/internal/currency"
	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/factor"
	"github.com/aristath/perfengine/internal/maintenance"
	"github.com/aristath/perfengine/internal/queryapi"
	"github.com/aristath/perfengine/internal/resilience"
	"github.com/aristath/perfengine/internal/sink"
	"github.com/aristath/perfengine/internal/store"
	"github.com/aristath/perfengine/internal/streaming"
	"github.com/aristath/perfengine/internal/tenant"
)

// Wire builds a Container stage by stage: each stage either succeeds and
// is added to the partially built Container, or fails and every resource
// opened by an earlier stage is closed before the error is returned.
// Store.Open is the only stage here that opens an external resource and
// can fail; every later stage only assembles in-process state, so there is
// nothing for a later failure to unwind.
//
// repo, rateProvider and sk are the engine's external collaborators (the
// entity storage, the exchange-rate feed, and the time-series sink), all
// supplied by the process embedding this engine rather than constructed
// here. The rate provider and sink are wrapped with breaker+retry guards
// before any component sees them.
func Wire(cfg *config.Config, log zerolog.Logger, repo domain.Repository, rateProvider currency.ExchangeRateProvider, sk sink.Sink) (*Container, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir %s: %w", cfg.DataDir, err)
	}
	st, err := store.Open(store.Config{Path: cfg.DataDir + "/engine.db"}, log)
	if err != nil {
		return nil, fmt.Errorf("engine: wire store: %w", err)
	}

	c := &Container{Config: cfg, Store: st}

	var tier2 cache.TierTwo
	if cfg.Cache.Enabled {
		tier2 = store.NewCacheTier2(c.Store)
	}
	c.Cache = cache.New(cache.Config{MaxEntries: 10_000, MaxBytes: 64 << 20}, tier2, log)

	c.Tenants = tenant.New(c.Store, cfg.TenantCacheTTL(), log)

	c.Audit = audit.New(c.Store)

	c.Resilience = resilience.NewRegistry(
		resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureRateThreshold,
			MinRequests:      cfg.CircuitBreaker.MinRequests,
			Window:           cfg.CircuitBreakerWindow(),
			Timeout:          cfg.CircuitBreakerTimeout(),
			HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
		},
		cfg.Bulkhead.MaxConcurrent,
		cfg.BulkheadAdmissionTimeout(),
		log,
	)

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.RetryInitialDelay(),
		MaxDelay:     cfg.RetryMaxDelay(),
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}

	c.Currency = currency.New(newGuardedRateProvider(rateProvider, c.Resilience, retryCfg), log)

	c.Factor = factor.New(c.Store, log)

	c.Batch = batch.New(batch.Config{
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		MaxConcurrency: cfg.Batch.MaxConcurrency,
	}, c.Resilience)

	var guardedSk sink.Sink
	if sk != nil {
		guardedSk = newGuardedSink(sk, c.Resilience, retryCfg)
	}
	c.QueryAPI = queryapi.New(repo, c.Cache, c.Tenants, c.Audit, c.Currency, guardedSk, queryapi.Config{
		CacheTTL:       cfg.CacheTTL(),
		RiskFreeRate:   decimal.NewFromFloat(cfg.Risk.RiskFreeRate),
		VaRConfidence:  decimal.NewFromFloat(cfg.Risk.VarConfidence),
		PeriodsPerYear: 252,
	}, log)

	c.Streaming = streaming.NewProcessor(streaming.Config{
		Partitions:         cfg.Streaming.Partitions,
		StalenessThreshold: cfg.StreamingStalenessThreshold(),
		QueueDepth:         1024,
		DedupRingSize:      256,
	}, c.Cache, log)

	c.Maintenance = maintenance.New(c.Store, 90*24*time.Hour, log)

	return c, nil
}
