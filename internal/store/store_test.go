package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/store"
	"github.com/aristath/perfengine/internal/testsupport"
)

func TestTenantStore_PutGetRoundTrip(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()

	in := testsupport.Tenant("t1")
	require.NoError(t, s.PutTenant(ctx, &in))

	got, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TenantActive, got.Status)
	assert.Equal(t, in.ResourceLimits.MaxAPIRequestsPerMinute, got.ResourceLimits.MaxAPIRequestsPerMinute)
}

func TestTenantStore_GetMissingIsNotFound(t *testing.T) {
	s := testsupport.OpenStore(t)

	_, err := s.GetTenant(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, engineerr.NotFound, engineerr.CodeOf(err))
}

func TestCheckAndIncrement_StopsAtLimit(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()
	tn := testsupport.Tenant("t1")
	require.NoError(t, s.PutTenant(ctx, &tn))

	for i := 0; i < 2; i++ {
		ok, err := s.CheckAndIncrement(ctx, "t1", domain.MetricAPIRequests, 2)
		require.NoError(t, err)
		assert.True(t, ok, "increment %d should be under the limit", i)
	}

	ok, err := s.CheckAndIncrement(ctx, "t1", domain.MetricAPIRequests, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecrementActiveCalculations_FloorsAtZero(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()
	tn := testsupport.Tenant("t1")
	require.NoError(t, s.PutTenant(ctx, &tn))

	require.NoError(t, s.DecrementActiveCalculations(ctx, "t1"))

	ok, err := s.CheckAndIncrement(ctx, "t1", domain.MetricActiveCalculations, 1)
	require.NoError(t, err)
	assert.True(t, ok, "counter must not have gone negative")
}

func TestResetAllAPIRequests_ClearsEveryTenant(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		tn := testsupport.Tenant(id)
		require.NoError(t, s.PutTenant(ctx, &tn))
		ok, err := s.CheckAndIncrement(ctx, id, domain.MetricAPIRequests, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := s.ResetAllAPIRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"t1", "t2"} {
		ok, err := s.CheckAndIncrement(ctx, id, domain.MetricAPIRequests, 1)
		require.NoError(t, err)
		assert.True(t, ok, "window rollover must free the counter for %s", id)
	}
}

func TestAuditStore_InsertThenQueryByResultHash(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()

	record := domain.AuditRecord{
		ID:             "a1",
		TenantID:       "t1",
		EntityID:       "p1",
		Action:         "calculate",
		ParametersHash: "ph",
		ResultHash:     "rh",
		Timestamp:      time.Now().UTC(),
		Actor:          "queryapi",
	}
	require.NoError(t, s.InsertAuditRecord(ctx, record))

	found, err := s.QueryAuditRecords(ctx, domain.AuditFilters{TenantID: "t1", ResultHash: "rh"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a1", found[0].ID)

	none, err := s.QueryAuditRecords(ctx, domain.AuditFilters{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCacheTier2_SetGetDeletePrefix(t *testing.T) {
	s := testsupport.OpenStore(t)
	tier2 := store.NewCacheTier2(s)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	require.NoError(t, tier2.Set(ctx, "calc:t1:p1:k", []byte("v1"), expires))
	require.NoError(t, tier2.Set(ctx, "calc:t1:p2:k", []byte("v2"), expires))

	v, _, ok, err := tier2.Get(ctx, "calc:t1:p1:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, tier2.DeletePrefix(ctx, "calc:t1:p1:"))

	_, _, ok, err = tier2.Get(ctx, "calc:t1:p1:k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = tier2.Get(ctx, "calc:t1:p2:k")
	require.NoError(t, err)
	assert.True(t, ok, "prefix delete must not touch sibling keys")
}

func TestFactorStore_RoundTrips(t *testing.T) {
	s := testsupport.OpenStore(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, s.PutFactor(ctx, domain.Factor{ID: "market", Name: "Market", Category: domain.FactorMarket}))
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.PutFactorReturn(ctx, domain.FactorReturn{
			FactorID: "market", Return: 0.01 * float64(i), PeriodStart: day(i), PeriodEnd: day(i + 1),
		}))
	}
	returns, err := s.ListFactorReturns(ctx, "market", day(1), day(10))
	require.NoError(t, err)
	assert.Len(t, returns, 3)

	require.NoError(t, s.PutFactorExposure(ctx, domain.FactorExposure{
		SecurityID: "s1", FactorID: "market", Value: 1.1, AsOf: day(1),
	}))
	exposures, err := s.ListFactorExposures(ctx, "s1", day(1))
	require.NoError(t, err)
	require.Len(t, exposures, 1)
	assert.InDelta(t, 1.1, exposures[0].Value, 1e-12)

	cov := domain.FactorCovariance{
		FactorIDs: []string{"market", "value"},
		Matrix:    [][]float64{{0.04, 0.01}, {0.01, 0.09}},
		AsOf:      day(1),
	}
	require.NoError(t, s.PutFactorCovariance(ctx, cov))
	got, err := s.GetFactorCovariance(ctx, day(1))
	require.NoError(t, err)
	assert.Equal(t, cov.FactorIDs, got.FactorIDs)
	assert.Equal(t, cov.Matrix, got.Matrix)
}
