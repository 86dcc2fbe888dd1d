package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/currency"
	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/resilience"
	"github.com/aristath/perfengine/internal/sink"
)

// guardedSink wraps the embedding process's sink with the engine's
// resilience primitives: writes run under a named circuit breaker with a
// bounded retry inside it, so a sink outage trips the breaker instead of
// burning a full retry budget on every calculation. Read paths share the
// breaker without retry.
type guardedSink struct {
	inner sink.Sink
	reg   *resilience.Registry
	retry resilience.RetryConfig
}

func newGuardedSink(inner sink.Sink, reg *resilience.Registry, retry resilience.RetryConfig) *guardedSink {
	return &guardedSink{inner: inner, reg: reg, retry: retry}
}

func (g *guardedSink) Write(ctx context.Context, point sink.PerformanceDataPoint) error {
	return g.reg.Breaker("sink").Execute(ctx, func() error {
		return resilience.Retry(ctx, g.retry, func() error {
			return classifyExternal("sink write", g.inner.Write(ctx, point))
		})
	})
}

func (g *guardedSink) QueryRange(ctx context.Context, portfolioID string, start, end time.Time, interval time.Duration) ([]sink.PerformanceDataPoint, error) {
	var out []sink.PerformanceDataPoint
	err := g.reg.Breaker("sink").Execute(ctx, func() error {
		var innerErr error
		out, innerErr = g.inner.QueryRange(ctx, portfolioID, start, end, interval)
		return classifyExternal("sink query range", innerErr)
	})
	return out, err
}

func (g *guardedSink) Latest(ctx context.Context, portfolioID string) (*sink.PerformanceDataPoint, error) {
	var out *sink.PerformanceDataPoint
	err := g.reg.Breaker("sink").Execute(ctx, func() error {
		var innerErr error
		out, innerErr = g.inner.Latest(ctx, portfolioID)
		return classifyExternal("sink latest", innerErr)
	})
	return out, err
}

func (g *guardedSink) Summary(ctx context.Context, portfolioID string, start, end time.Time) (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := g.reg.Breaker("sink").Execute(ctx, func() error {
		var innerErr error
		out, innerErr = g.inner.Summary(ctx, portfolioID, start, end)
		return classifyExternal("sink summary", innerErr)
	})
	return out, err
}

// guardedRateProvider wraps the exchange-rate feed the same way.
// RateUnavailable and other typed failures pass through unretried; only
// transport-level errors are classified as ExternalService and retried.
type guardedRateProvider struct {
	inner currency.ExchangeRateProvider
	reg   *resilience.Registry
	retry resilience.RetryConfig
}

func newGuardedRateProvider(inner currency.ExchangeRateProvider, reg *resilience.Registry, retry resilience.RetryConfig) *guardedRateProvider {
	return &guardedRateProvider{inner: inner, reg: reg, retry: retry}
}

func (g *guardedRateProvider) GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error) {
	var out *domain.ExchangeRate
	err := g.reg.Breaker("exchange_rates").Execute(ctx, func() error {
		return resilience.Retry(ctx, g.retry, func() error {
			var innerErr error
			out, innerErr = g.inner.GetRate(ctx, base, quote, date)
			return classifyExternal("get rate", innerErr)
		})
	})
	return out, err
}

// classifyExternal tags untyped collaborator errors as ExternalService so
// the retry predicate treats them as transient; errors that already carry
// an engine code keep it.
func classifyExternal(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *engineerr.Error
	if errors.As(err, &typed) {
		return err
	}
	return engineerr.ExternalServiceErr(op, err)
}
