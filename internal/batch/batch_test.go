package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/resilience"
)

func newTestExecutor(cfg Config) *Executor {
	registry := resilience.NewRegistry(resilience.CircuitBreakerConfig{}, 100, time.Second, zerolog.Nop())
	return New(cfg, registry)
}

func TestRun_EmptyPortfolioIDsFailsValidation(t *testing.T) {
	e := newTestExecutor(Config{MaxBatchSize: 10, MaxConcurrency: 2})
	_, err := Run(context.Background(), e, "t1", nil, func(id string) string { return id }, func(ctx context.Context, req string) (string, error) {
		return req, nil
	})
	require.Error(t, err)
}

func TestRun_PreservesInputOrderAndPartialFailure(t *testing.T) {
	e := newTestExecutor(Config{MaxBatchSize: 2, MaxConcurrency: 2})
	ids := []string{"p1", "p2", "p3", "p4", "p5"}

	result, err := Run(context.Background(), e, "t1", ids, func(id string) string { return id },
		func(ctx context.Context, req string) (string, error) {
			if req == "p3" {
				return "", assertErr{}
			}
			return "ok:" + req, nil
		})
	require.NoError(t, err)
	require.Len(t, result.Items, 5)

	for i, id := range ids {
		assert.Equal(t, id, result.Items[i].PortfolioID)
		if id == "p3" {
			assert.Error(t, result.Items[i].Err)
		} else {
			assert.NoError(t, result.Items[i].Err)
			assert.Equal(t, "ok:"+id, result.Items[i].Result)
		}
	}
}

func TestRun_SinglePortfolioMatchesSingleCall(t *testing.T) {
	e := newTestExecutor(Config{MaxBatchSize: 10, MaxConcurrency: 2})
	result, err := Run(context.Background(), e, "t1", []string{"p1"}, func(id string) string { return id },
		func(ctx context.Context, req string) (string, error) { return "single:" + req, nil })
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "single:p1", result.Items[0].Result)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
