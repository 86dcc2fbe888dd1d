// Package testsupport provides the shared fixtures the engine's tests are
// built on: a throwaway durable store opener and builders for the common
// entity shapes (tenants, portfolios with daily valuations). Fakes for the
// external collaborator interfaces live in internal/memrepo, which doubles
// as the reference implementation cmd/engine runs on.
package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/memrepo"
	"github.com/aristath/perfengine/internal/store"
)

// OpenStore opens a fresh engine store under the test's temp directory and
// registers its cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: t.TempDir() + "/engine.db"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Tenant builds an active tenant with limits generous enough to never gate
// a test unless the test overrides them.
func Tenant(id string) domain.Tenant {
	return domain.Tenant{
		ID:     id,
		Status: domain.TenantActive,
		ResourceLimits: domain.ResourceLimits{
			MaxPortfolios:           1000,
			MaxAPIRequestsPerMinute: 1000,
			MaxConcurrentCalcs:      1000,
			MaxCacheBytes:           64 << 20,
		},
	}
}

// Day parses a YYYY-MM-DD date or fails the test.
func Day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

// SeedDailyValuations registers a portfolio with one account and one
// position observation per day starting at start, one value per entry of
// values, all in baseCurrency.
func SeedDailyValuations(t *testing.T, repo *memrepo.Repository, tenantID, portfolioID, accountID, baseCurrency string, start time.Time, values ...float64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.PutPortfolio(ctx, tenantID, &domain.Portfolio{
		ID: portfolioID, TenantID: tenantID, BaseCurrency: baseCurrency,
	}))
	require.NoError(t, repo.PutAccount(ctx, tenantID, &domain.Account{
		ID: accountID, TenantID: tenantID, PortfolioID: portfolioID,
	}))
	for i, v := range values {
		require.NoError(t, repo.PutPosition(ctx, tenantID, &domain.Position{
			AccountID:   accountID,
			TenantID:    tenantID,
			SecurityID:  "cash",
			Date:        start.AddDate(0, 0, i),
			MarketValue: v,
		}))
	}
}
