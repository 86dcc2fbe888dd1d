package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/resilience"
	"github.com/aristath/perfengine/internal/sink"
)

type flakySink struct {
	failures int
	writes   int
}

func (s *flakySink) Write(ctx context.Context, point sink.PerformanceDataPoint) error {
	s.writes++
	if s.writes <= s.failures {
		return assertErr{}
	}
	return nil
}
func (s *flakySink) QueryRange(ctx context.Context, portfolioID string, start, end time.Time, interval time.Duration) ([]sink.PerformanceDataPoint, error) {
	return nil, nil
}
func (s *flakySink) Latest(ctx context.Context, portfolioID string) (*sink.PerformanceDataPoint, error) {
	return nil, nil
}
func (s *flakySink) Summary(ctx context.Context, portfolioID string, start, end time.Time) (map[string]decimal.Decimal, error) {
	return nil, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func testRegistry() *resilience.Registry {
	return resilience.NewRegistry(resilience.CircuitBreakerConfig{MinRequests: 2, Timeout: time.Hour}, 10, time.Second, zerolog.Nop())
}

func TestGuardedSink_RetriesTransientWriteFailures(t *testing.T) {
	inner := &flakySink{failures: 2}
	g := newGuardedSink(inner, testRegistry(), resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	err := g.Write(context.Background(), sink.PerformanceDataPoint{PortfolioID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.writes)
}

func TestGuardedSink_BreakerOpensAfterExhaustedRetries(t *testing.T) {
	inner := &flakySink{failures: 1 << 30}
	reg := testRegistry()
	g := newGuardedSink(inner, reg, resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := g.Write(ctx, sink.PerformanceDataPoint{PortfolioID: "p1"})
		require.Error(t, err)
	}

	err := g.Write(ctx, sink.PerformanceDataPoint{PortfolioID: "p1"})
	require.Error(t, err)
	assert.Equal(t, engineerr.CircuitOpen, engineerr.CodeOf(err))
}

type unavailableRateProvider struct{ calls int }

func (p *unavailableRateProvider) GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error) {
	p.calls++
	return nil, engineerr.RateUnavailableErr("no rate for " + base + "/" + quote)
}

func TestGuardedRateProvider_DoesNotRetryRateUnavailable(t *testing.T) {
	inner := &unavailableRateProvider{}
	g := newGuardedRateProvider(inner, testRegistry(), resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond})

	_, err := g.GetRate(context.Background(), "USD", "EUR", time.Now())
	require.Error(t, err)
	assert.Equal(t, engineerr.RateUnavailable, engineerr.CodeOf(err))
	assert.Equal(t, 1, inner.calls, "a typed data-gap failure must not be retried")
}
