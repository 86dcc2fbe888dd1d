package queryapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/audit"
	"github.com/aristath/perfengine/internal/cache"
	"github.com/aristath/perfengine/internal/currency"
	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/sink"
	"github.com/aristath/perfengine/internal/tenant"
)

// fakeRepo is a minimal in-memory Repository backing a single portfolio
// with daily valuations over a date range and, optionally, transactions
// and benchmark prices.
type fakeRepo struct {
	portfolio domain.Portfolio
	accounts  []domain.Account
	positions map[string][]domain.Position // accountID -> positions
	txs       []domain.Transaction
	prices    map[string][]domain.Price // securityID (or benchmark ID) -> prices
}

func (r *fakeRepo) GetPortfolio(ctx context.Context, tenantID, id string) (*domain.Portfolio, error) {
	if id != r.portfolio.ID {
		return nil, assertNotFound{}
	}
	p := r.portfolio
	return &p, nil
}
func (r *fakeRepo) ListPortfolios(ctx context.Context, tenantID, clientID string, page domain.Pagination) (domain.Page[domain.Portfolio], error) {
	return domain.Page[domain.Portfolio]{Items: []domain.Portfolio{r.portfolio}}, nil
}
func (r *fakeRepo) PutPortfolio(ctx context.Context, tenantID string, p *domain.Portfolio) error { return nil }
func (r *fakeRepo) DeletePortfolio(ctx context.Context, tenantID, id string) error                { return nil }

func (r *fakeRepo) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	return nil, assertNotFound{}
}
func (r *fakeRepo) ListTransactions(ctx context.Context, tenantID, accountID string, start, end time.Time, page domain.Pagination) (domain.Page[domain.Transaction], error) {
	var out []domain.Transaction
	for _, tx := range r.txs {
		if !tx.Date.Before(start) && !tx.Date.After(end) {
			out = append(out, tx)
		}
	}
	return domain.Page[domain.Transaction]{Items: out}, nil
}
func (r *fakeRepo) PutTransaction(ctx context.Context, tenantID string, t *domain.Transaction) error { return nil }
func (r *fakeRepo) DeleteTransaction(ctx context.Context, tenantID, id string) error                  { return nil }

func (r *fakeRepo) GetAccount(ctx context.Context, tenantID, id string) (*domain.Account, error) {
	return nil, assertNotFound{}
}
func (r *fakeRepo) ListAccounts(ctx context.Context, tenantID, portfolioID string, page domain.Pagination) (domain.Page[domain.Account], error) {
	return domain.Page[domain.Account]{Items: r.accounts}, nil
}
func (r *fakeRepo) PutAccount(ctx context.Context, tenantID string, a *domain.Account) error { return nil }
func (r *fakeRepo) DeleteAccount(ctx context.Context, tenantID, id string) error              { return nil }

func (r *fakeRepo) GetSecurity(ctx context.Context, tenantID, id string) (*domain.Security, error) {
	return nil, assertNotFound{}
}
func (r *fakeRepo) ListSecurities(ctx context.Context, tenantID string, page domain.Pagination) (domain.Page[domain.Security], error) {
	return domain.Page[domain.Security]{}, nil
}
func (r *fakeRepo) PutSecurity(ctx context.Context, tenantID string, s *domain.Security) error { return nil }
func (r *fakeRepo) DeleteSecurity(ctx context.Context, tenantID, id string) error               { return nil }

func (r *fakeRepo) GetPrice(ctx context.Context, tenantID, securityID string, date time.Time) (*domain.Price, error) {
	return nil, assertNotFound{}
}
func (r *fakeRepo) ListPrices(ctx context.Context, tenantID, securityID string, start, end time.Time, page domain.Pagination) (domain.Page[domain.Price], error) {
	var out []domain.Price
	for _, p := range r.prices[securityID] {
		if !p.Date.Before(start) && !p.Date.After(end) {
			out = append(out, p)
		}
	}
	return domain.Page[domain.Price]{Items: out}, nil
}
func (r *fakeRepo) PutPrice(ctx context.Context, tenantID string, p *domain.Price) error { return nil }

func (r *fakeRepo) GetPositions(ctx context.Context, tenantID, accountID string, date time.Time) ([]domain.Position, error) {
	return r.positions[accountID], nil
}
func (r *fakeRepo) PutPosition(ctx context.Context, tenantID string, p *domain.Position) error { return nil }

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

// fakeTenantStore backs a single always-active tenant with generous
// limits; CheckAndIncrement always allows.
type fakeTenantStore struct {
	mu sync.Mutex
	t  domain.Tenant
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.t
	return &t, nil
}
func (f *fakeTenantStore) ListTenants(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	return nil, nil
}
func (f *fakeTenantStore) PutTenant(ctx context.Context, t *domain.Tenant) error { return nil }
func (f *fakeTenantStore) DeleteTenant(ctx context.Context, id string) error    { return nil }
func (f *fakeTenantStore) SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	return nil
}
func (f *fakeTenantStore) CheckAndIncrement(ctx context.Context, tenantID string, metric domain.Metric, limit int64) (bool, error) {
	return true, nil
}
func (f *fakeTenantStore) DecrementActiveCalculations(ctx context.Context, tenantID string) error {
	return nil
}
func (f *fakeTenantStore) ResetAPIRequests(ctx context.Context, tenantID string) error { return nil }

type fakeAuditStore struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (f *fakeAuditStore) InsertAuditRecord(ctx context.Context, r domain.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}
func (f *fakeAuditStore) QueryAuditRecords(ctx context.Context, filters domain.AuditFilters) ([]domain.AuditRecord, error) {
	return f.records, nil
}

type fakeRateProvider struct{}

func (fakeRateProvider) GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error) {
	return &domain.ExchangeRate{Base: base, Quote: quote, Rate: 1, Date: date, Source: "fake"}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	points []sink.PerformanceDataPoint
}

func (s *fakeSink) Write(ctx context.Context, p sink.PerformanceDataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
	return nil
}
func (s *fakeSink) QueryRange(ctx context.Context, portfolioID string, start, end time.Time, interval time.Duration) ([]sink.PerformanceDataPoint, error) {
	return nil, nil
}
func (s *fakeSink) Latest(ctx context.Context, portfolioID string) (*sink.PerformanceDataPoint, error) {
	return nil, nil
}
func (s *fakeSink) Summary(ctx context.Context, portfolioID string, start, end time.Time) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestAPI(t *testing.T, repo *fakeRepo) (*API, *fakeTenantStore, *fakeAuditStore, *fakeSink) {
	t.Helper()
	tenantStore := &fakeTenantStore{t: domain.Tenant{
		ID:     "t1",
		Status: domain.TenantActive,
		ResourceLimits: domain.ResourceLimits{
			MaxConcurrentCalcs:      100,
			MaxAPIRequestsPerMinute: 100,
		},
	}}
	tm := tenant.New(tenantStore, time.Minute, zerolog.Nop())
	auditStore := &fakeAuditStore{}
	trail := audit.New(auditStore)
	conv := currency.New(fakeRateProvider{}, zerolog.Nop())
	c := cache.New(cache.Config{MaxEntries: 1000}, nil, zerolog.Nop())
	fs := &fakeSink{}

	api := New(repo, c, tm, trail, conv, fs, Config{CacheTTL: time.Minute, PeriodsPerYear: 252}, zerolog.Nop())
	return api, tenantStore, auditStore, fs
}

// TestCalculate_SimpleTWRNoFlows: daily values 100, 105, 110.25 with no
// external flows compound to twr = 0.1025.
func TestCalculate_SimpleTWRNoFlows(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-04"), MarketValue: 110.25},
			},
		},
	}
	api, _, auditStore, fs := newTestAPI(t, repo)

	req := domain.CalculationRequest{
		TenantID:     "t1",
		PortfolioID:  "p1",
		StartDate:    day("2023-01-02"),
		EndDate:      day("2023-01-04"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodTWR: {}},
	}

	result, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.TWR)
	assert.True(t, result.TWR.Sub(decimal.NewFromFloat(0.1025)).Abs().LessThan(decimal.NewFromFloat(1e-6)),
		"twr=%s", result.TWR.String())

	assert.NotEmpty(t, result.AuditID)
	assert.Len(t, auditStore.records, 1)

	time.Sleep(20 * time.Millisecond) // sink write is fire-and-forget
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.points, 1)
}

func TestCalculate_ValidationErrors(t *testing.T) {
	api, _, _, _ := newTestAPI(t, &fakeRepo{})

	_, err := api.Calculate(context.Background(), domain.CalculationRequest{
		TenantID: "t1", PortfolioID: "p1",
		StartDate: day("2023-01-02"), EndDate: day("2023-01-01"),
		Methods: map[domain.Method]struct{}{domain.MethodTWR: {}},
	})
	require.Error(t, err)

	_, err = api.Calculate(context.Background(), domain.CalculationRequest{
		TenantID: "t1", PortfolioID: "p1",
		StartDate: day("2023-01-01"), EndDate: day("2023-01-02"),
	})
	require.Error(t, err)
}

func TestCalculate_CachedSecondCallSkipsRecompute(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
			},
		},
	}
	api, _, auditStore, _ := newTestAPI(t, repo)
	req := domain.CalculationRequest{
		TenantID: "t1", PortfolioID: "p1",
		StartDate: day("2023-01-02"), EndDate: day("2023-01-03"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodTWR: {}},
	}

	first, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)
	second, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.AuditID, second.AuditID)
	assert.Len(t, auditStore.records, 1, "second call should be served from cache, not recompute")
}

// TestCalculate_WithBenchmark: a benchmark that outperforms the portfolio
// every day, by a different margin each day, produces a negative
// information ratio and a non-zero tracking error.
func TestCalculate_WithBenchmark(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-04"), MarketValue: 110.25},
			},
		},
		prices: map[string][]domain.Price{
			"bench1": {
				{SecurityID: "bench1", TenantID: "t1", Date: day("2023-01-02"), Value: 100, Currency: "USD"},
				{SecurityID: "bench1", TenantID: "t1", Date: day("2023-01-03"), Value: 107, Currency: "USD"},
				{SecurityID: "bench1", TenantID: "t1", Date: day("2023-01-04"), Value: 116.64, Currency: "USD"},
			},
		},
	}
	api, _, _, _ := newTestAPI(t, repo)

	req := domain.CalculationRequest{
		TenantID:     "t1",
		PortfolioID:  "p1",
		StartDate:    day("2023-01-02"),
		EndDate:      day("2023-01-04"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodTWR: {}},
		BenchmarkID:  "bench1",
	}

	result, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, result.BenchmarkReturn)
	assert.True(t, result.BenchmarkReturn.Sub(decimal.NewFromFloat(0.1664)).Abs().LessThan(decimal.NewFromFloat(1e-6)),
		"benchmark_return=%s", result.BenchmarkReturn.String())

	require.NotNil(t, result.TrackingError)
	assert.True(t, result.TrackingError.GreaterThan(decimal.Zero))

	require.NotNil(t, result.InformationRatio)
	assert.True(t, result.InformationRatio.LessThan(decimal.Zero),
		"benchmark outperformed every day, information ratio should be negative, got %s", result.InformationRatio.String())
}

// TestCalculate_ResultHashDeterministicAcrossColdComputes: two engines
// with separate caches computing the same request from the same
// repository snapshot must record identical parameter and result hashes;
// wall-clock provenance (ComputedAt, AuditID) must not leak into either.
func TestCalculate_ResultHashDeterministicAcrossColdComputes(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-04"), MarketValue: 110.25},
			},
		},
	}
	tenantStore := &fakeTenantStore{t: domain.Tenant{
		ID:     "t1",
		Status: domain.TenantActive,
		ResourceLimits: domain.ResourceLimits{
			MaxConcurrentCalcs:      100,
			MaxAPIRequestsPerMinute: 100,
		},
	}}
	auditStore := &fakeAuditStore{}
	req := domain.CalculationRequest{
		TenantID: "t1", PortfolioID: "p1",
		StartDate: day("2023-01-02"), EndDate: day("2023-01-04"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodTWR: {}},
	}

	for i := 0; i < 2; i++ {
		tm := tenant.New(tenantStore, time.Minute, zerolog.Nop())
		api := New(repo, cache.New(cache.Config{MaxEntries: 100}, nil, zerolog.Nop()), tm,
			audit.New(auditStore), currency.New(fakeRateProvider{}, zerolog.Nop()), &fakeSink{},
			Config{CacheTTL: time.Minute, PeriodsPerYear: 252}, zerolog.Nop())
		_, err := api.Calculate(context.Background(), req)
		require.NoError(t, err)
	}

	require.Len(t, auditStore.records, 2)
	assert.Equal(t, auditStore.records[0].ParametersHash, auditStore.records[1].ParametersHash)
	assert.Equal(t, auditStore.records[0].ResultHash, auditStore.records[1].ResultHash)
}

// limitedTenantStore enforces its tenant's counters the way the real
// durable store does, for the rate-limit scenario: a tenant with
// max_api_requests_per_minute=2 gets its third calculation rejected with
// RateLimited and no audit record.
type limitedTenantStore struct {
	fakeTenantStore
	usage map[string]int64
}

func (f *limitedTenantStore) CheckAndIncrement(ctx context.Context, tenantID string, metric domain.Metric, limit int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + ":" + string(metric)
	if f.usage[key] >= limit {
		return false, nil
	}
	f.usage[key]++
	return true, nil
}

func TestCalculate_ThirdRequestInWindowIsRateLimited(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
			},
		},
	}
	tenantStore := &limitedTenantStore{
		fakeTenantStore: fakeTenantStore{t: domain.Tenant{
			ID:     "t1",
			Status: domain.TenantActive,
			ResourceLimits: domain.ResourceLimits{
				MaxConcurrentCalcs:      100,
				MaxAPIRequestsPerMinute: 2,
			},
		}},
		usage: make(map[string]int64),
	}
	tm := tenant.New(tenantStore, time.Minute, zerolog.Nop())
	auditStore := &fakeAuditStore{}
	api := New(repo, cache.New(cache.Config{MaxEntries: 100}, nil, zerolog.Nop()), tm,
		audit.New(auditStore), currency.New(fakeRateProvider{}, zerolog.Nop()), &fakeSink{},
		Config{CacheTTL: time.Minute, PeriodsPerYear: 252}, zerolog.Nop())

	req := domain.CalculationRequest{
		TenantID: "t1", PortfolioID: "p1",
		StartDate: day("2023-01-02"), EndDate: day("2023-01-03"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodTWR: {}},
	}

	_, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)
	_, err = api.Calculate(context.Background(), req)
	require.NoError(t, err)

	_, err = api.Calculate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, engineerr.RateLimited, engineerr.CodeOf(err))
	assert.Len(t, auditStore.records, 1, "the rejected request must not record an audit entry")
}

// TestCalculate_ValueAtRisk exercises the MethodVaR wiring end to end.
func TestCalculate_ValueAtRisk(t *testing.T) {
	repo := &fakeRepo{
		portfolio: domain.Portfolio{ID: "p1", TenantID: "t1", BaseCurrency: "USD"},
		accounts:  []domain.Account{{ID: "a1", TenantID: "t1", PortfolioID: "p1"}},
		positions: map[string][]domain.Position{
			"a1": {
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-02"), MarketValue: 100},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-03"), MarketValue: 105},
				{AccountID: "a1", TenantID: "t1", Date: day("2023-01-04"), MarketValue: 98},
			},
		},
	}
	api, _, _, _ := newTestAPI(t, repo)
	api.cfg.VaRConfidence = decimal.NewFromFloat(0.95)

	req := domain.CalculationRequest{
		TenantID:     "t1",
		PortfolioID:  "p1",
		StartDate:    day("2023-01-02"),
		EndDate:      day("2023-01-04"),
		BaseCurrency: "USD",
		Methods:      map[domain.Method]struct{}{domain.MethodVaR: {}},
	}

	result, err := api.Calculate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.ValueAtRisk)
	assert.True(t, result.ValueAtRisk.GreaterThanOrEqual(decimal.Zero))
}
