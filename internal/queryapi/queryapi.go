// Package queryapi implements the single-portfolio calculation
// orchestrator: the component every external request funnels through.
// It ties together tenant gating, the tiered cache, currency conversion,
// the calc math primitives, the audit trail, and the external sink.
package queryapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/audit"
	"github.com/aristath/perfengine/internal/cache"
	"github.com/aristath/perfengine/internal/calc"
	"github.com/aristath/perfengine/internal/currency"
	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/sink"
	"github.com/aristath/perfengine/internal/tenant"
)

// Config controls the orchestrator's cache TTL and risk parameters.
type Config struct {
	CacheTTL       time.Duration
	RiskFreeRate   decimal.Decimal
	VaRConfidence  decimal.Decimal
	PeriodsPerYear int
}

// API is the engine's single-portfolio calculation entry point.
type API struct {
	repo     domain.Repository
	cache    *cache.Cache
	tenants  *tenant.Manager
	audit    *audit.Trail
	currency *currency.Converter
	sink     sink.Sink
	log      zerolog.Logger
	cfg      Config
}

// New builds an API.
func New(repo domain.Repository, c *cache.Cache, tenants *tenant.Manager, trail *audit.Trail, conv *currency.Converter, s sink.Sink, cfg Config, log zerolog.Logger) *API {
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	return &API{repo: repo, cache: c, tenants: tenants, audit: trail, currency: conv, sink: s, cfg: cfg, log: log.With().Str("component", "queryapi").Logger()}
}

// Calculate runs the requested methods for one portfolio over one date
// range: validate, gate (api-request window then concurrent-calculation
// slot), cache key, get-or-compute (load, convert, invoke calc, benchmark,
// audit, sink), then release the tenant's active-calculation slot.
func (a *API) Calculate(ctx context.Context, req domain.CalculationRequest) (domain.CalculationResult, error) {
	if err := validate(req); err != nil {
		return domain.CalculationResult{}, err
	}

	apiGate, err := a.tenants.CheckAndIncrement(ctx, req.TenantID, domain.MetricAPIRequests)
	if err != nil {
		return domain.CalculationResult{}, err
	}
	if apiGate == tenant.Rejected {
		return domain.CalculationResult{}, engineerr.RateLimitedErr("tenant " + req.TenantID + ": api request limit reached for the current window")
	}

	gate, err := a.tenants.CheckAndIncrement(ctx, req.TenantID, domain.MetricActiveCalculations)
	if err != nil {
		return domain.CalculationResult{}, err
	}
	if gate == tenant.Rejected {
		return domain.CalculationResult{}, engineerr.RateLimitedErr("tenant " + req.TenantID + ": active calculation limit reached")
	}
	defer func() {
		if decErr := a.tenants.DecrementActiveCalculations(ctx, req.TenantID); decErr != nil {
			a.log.Warn().Err(decErr).Str("tenant_id", req.TenantID).Msg("failed to release active calculation slot")
		}
	}()

	key := cacheKey(req)
	return cache.GetOrCompute(a.cache, ctx, key, a.cfg.CacheTTL, func() (domain.CalculationResult, error) {
		return a.compute(ctx, req)
	})
}

func (a *API) compute(ctx context.Context, req domain.CalculationRequest) (domain.CalculationResult, error) {
	portfolio, err := a.repo.GetPortfolio(ctx, req.TenantID, req.PortfolioID)
	if err != nil {
		return domain.CalculationResult{}, err
	}
	if portfolio.TenantID != req.TenantID {
		return domain.CalculationResult{}, engineerr.TenantMismatchErr("portfolio " + req.PortfolioID + " does not belong to tenant " + req.TenantID)
	}

	baseCurrency := req.BaseCurrency
	if baseCurrency == "" {
		baseCurrency = portfolio.BaseCurrency
	}

	points, flows, err := a.buildSeries(ctx, req, portfolio, baseCurrency)
	if err != nil {
		return domain.CalculationResult{}, err
	}

	series, err := calc.DailyLinkedTWR(points)
	if err != nil {
		return domain.CalculationResult{}, err
	}

	result := domain.CalculationResult{ComputedAt: time.Now()}
	if err := a.applyMethods(req, series, points, flows, &result); err != nil {
		return domain.CalculationResult{}, err
	}

	if req.BenchmarkID != "" {
		if err := a.applyBenchmark(ctx, req, series, baseCurrency, &result); err != nil {
			return domain.CalculationResult{}, err
		}
	}

	if req.IncludeDetails {
		result.Details = map[string]any{
			"observations":  len(series),
			"flows":         len(flows),
			"period_start":  req.StartDate.UTC().Format("2006-01-02"),
			"period_end":    req.EndDate.UTC().Format("2006-01-02"),
			"base_currency": baseCurrency,
		}
	}

	auditID, err := a.audit.Record(ctx, req.TenantID, req.PortfolioID, "calculate", "queryapi", auditParameters(req), auditResultView(result))
	if err != nil {
		a.log.Warn().Err(err).Str("portfolio_id", req.PortfolioID).Msg("failed to record audit trail")
	}
	result.AuditID = auditID

	go a.emitToSink(req.PortfolioID, result) // fire-and-forget; the audit record is authoritative

	return result, nil
}

func (a *API) applyMethods(req domain.CalculationRequest, series domain.ReturnSeries, points []calc.MarketValuePoint, flows []calc.Flow, result *domain.CalculationResult) error {
	if _, ok := req.Methods[domain.MethodTWR]; ok {
		twr := calc.TotalReturn(series)
		result.TWR = &twr
	}
	if _, ok := req.Methods[domain.MethodMWR]; ok {
		// IRR flows are from the investor's perspective: the opening value
		// is an outflow, deposits are further outflows, withdrawals are
		// inflows, and the closing value comes back at the end.
		last := points[len(points)-1]
		irrFlows := make([]calc.Flow, 0, len(flows)+1)
		irrFlows = append(irrFlows, calc.Flow{Date: points[0].Date, Amount: points[0].Value.Neg()})
		for _, f := range flows {
			irrFlows = append(irrFlows, calc.Flow{Date: f.Date, Amount: f.Amount.Neg()})
		}
		irr, err := calc.IRR(irrFlows, points[0].Date, last.Value, last.Date)
		if err != nil {
			return err
		}
		result.MWR = &irr
	}
	if _, ok := req.Methods[domain.MethodVolatility]; ok {
		vol, err := calc.Volatility(series, a.cfg.PeriodsPerYear)
		if err != nil {
			return err
		}
		result.Volatility = &vol
	}
	if _, ok := req.Methods[domain.MethodSharpe]; ok {
		sharpe, err := calc.Sharpe(series, a.cfg.RiskFreeRate)
		if err != nil {
			return err
		}
		result.Sharpe = &sharpe
	}
	if _, ok := req.Methods[domain.MethodSortino]; ok {
		sortino, err := calc.Sortino(series, a.cfg.RiskFreeRate, decimal.Zero)
		if err != nil {
			return err
		}
		result.Sortino = &sortino
	}
	if _, ok := req.Methods[domain.MethodMaxDrawdown]; ok {
		dd, err := calc.MaxDrawdown(series)
		if err != nil {
			return err
		}
		result.MaxDrawdown = &dd
	}
	if _, ok := req.Methods[domain.MethodVaR]; ok {
		vAR, err := calc.ValueAtRisk(series, a.cfg.VaRConfidence)
		if err != nil {
			return err
		}
		result.ValueAtRisk = &vAR
	}
	return nil
}

// buildSeries loads the portfolio's positions and transactions over the
// request window, converts every value into baseCurrency, and assembles
// the daily market-value points and discrete cash flows the calc
// primitives consume.
func (a *API) buildSeries(ctx context.Context, req domain.CalculationRequest, portfolio *domain.Portfolio, baseCurrency string) ([]calc.MarketValuePoint, []calc.Flow, error) {
	accounts, err := a.repo.ListAccounts(ctx, req.TenantID, portfolio.ID, domain.Pagination{Limit: 1000})
	if err != nil {
		return nil, nil, err
	}

	txPage, err := a.repo.ListTransactions(ctx, req.TenantID, "", req.StartDate, req.EndDate, domain.Pagination{Limit: 10000})
	if err != nil {
		return nil, nil, err
	}

	flows := make([]calc.Flow, 0, len(txPage.Items))
	for _, tx := range txPage.Items {
		if tx.TenantID != "" && tx.TenantID != req.TenantID {
			return nil, nil, engineerr.TenantMismatchErr("transaction " + tx.ID + " does not belong to tenant " + req.TenantID)
		}
		belongs := false
		for _, acc := range accounts.Items {
			if acc.ID == tx.AccountID {
				belongs = true
				break
			}
		}
		if !belongs {
			continue
		}
		amount, err := a.currency.Convert(ctx, decimal.NewFromFloat(tx.Amount), tx.Currency, baseCurrency, tx.Date)
		if err != nil {
			return nil, nil, err
		}
		if tx.Direction == domain.DirectionOut {
			amount = amount.Neg()
		}
		flows = append(flows, calc.Flow{Date: tx.Date, Amount: amount})
	}

	valuesByDate := make(map[time.Time]decimal.Decimal)
	for _, acc := range accounts.Items {
		positions, err := a.repo.GetPositions(ctx, req.TenantID, acc.ID, req.EndDate)
		if err != nil {
			return nil, nil, err
		}
		for _, pos := range positions {
			if pos.TenantID != "" && pos.TenantID != req.TenantID {
				return nil, nil, engineerr.TenantMismatchErr("position for account " + pos.AccountID + " does not belong to tenant " + req.TenantID)
			}
			if pos.Date.Before(req.StartDate) || pos.Date.After(req.EndDate) {
				continue
			}
			day := pos.Date.Truncate(24 * time.Hour)
			converted, err := a.currency.Convert(ctx, decimal.NewFromFloat(pos.MarketValue), portfolio.BaseCurrency, baseCurrency, pos.Date)
			if err != nil {
				return nil, nil, err
			}
			valuesByDate[day] = valuesByDate[day].Add(converted)
		}
	}
	if len(valuesByDate) < 2 {
		return nil, nil, engineerr.InsufficientDataErr("portfolio " + portfolio.ID + ": fewer than 2 valuation dates in range")
	}

	points := make([]calc.MarketValuePoint, 0, len(valuesByDate))
	for d, v := range valuesByDate {
		points = append(points, calc.MarketValuePoint{Date: d, Value: v})
	}
	sortPoints(points)

	return points, flows, nil
}

// applyBenchmark loads the requested benchmark's price history over the
// same window as the portfolio, builds its daily-linked return series the
// same way buildSeries does for the portfolio, and derives BenchmarkReturn,
// TrackingError and InformationRatio against the already-computed
// portfolio series.
func (a *API) applyBenchmark(ctx context.Context, req domain.CalculationRequest, series domain.ReturnSeries, baseCurrency string, result *domain.CalculationResult) error {
	pricePage, err := a.repo.ListPrices(ctx, req.TenantID, req.BenchmarkID, req.StartDate, req.EndDate, domain.Pagination{Limit: 10000})
	if err != nil {
		return err
	}
	if len(pricePage.Items) < 2 {
		return engineerr.InsufficientDataErr("benchmark " + req.BenchmarkID + ": fewer than 2 price observations in range")
	}

	points := make([]calc.MarketValuePoint, 0, len(pricePage.Items))
	for _, price := range pricePage.Items {
		converted, err := a.currency.Convert(ctx, decimal.NewFromFloat(price.Value), price.Currency, baseCurrency, price.Date)
		if err != nil {
			return err
		}
		points = append(points, calc.MarketValuePoint{Date: price.Date.Truncate(24 * time.Hour), Value: converted})
	}
	sortPoints(points)

	benchmarkSeries, err := calc.DailyLinkedTWR(points)
	if err != nil {
		return err
	}

	alignedPortfolio, alignedBenchmark := calc.AlignReturnSeries(series, benchmarkSeries)
	benchmarkReturn := calc.TotalReturn(alignedBenchmark)
	result.BenchmarkReturn = &benchmarkReturn

	trackingErr, err := calc.TrackingError(alignedPortfolio, alignedBenchmark, a.cfg.PeriodsPerYear)
	if err != nil {
		return err
	}
	result.TrackingError = &trackingErr

	portfolioReturn := calc.TotalReturn(alignedPortfolio)
	infoRatio, err := calc.InformationRatio(portfolioReturn, benchmarkReturn, trackingErr)
	if err != nil {
		return err
	}
	result.InformationRatio = &infoRatio

	return nil
}

func (a *API) emitToSink(portfolioID string, result domain.CalculationResult) {
	if a.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	point := sink.PerformanceDataPoint{
		PortfolioID:      portfolioID,
		Timestamp:        result.ComputedAt,
		TWR:              result.TWR,
		MWR:              result.MWR,
		Volatility:       result.Volatility,
		Sharpe:           result.Sharpe,
		Drawdown:         result.MaxDrawdown,
		BenchmarkReturn:  result.BenchmarkReturn,
		TrackingError:    result.TrackingError,
		InformationRatio: result.InformationRatio,
	}
	if err := a.sink.Write(ctx, point); err != nil {
		a.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("sink write failed")
	}
}

func validate(req domain.CalculationRequest) error {
	if req.TenantID == "" {
		return engineerr.ValidationErr("calculation request: tenant_id is required")
	}
	if req.PortfolioID == "" {
		return engineerr.ValidationErr("calculation request: portfolio_id is required")
	}
	if req.EndDate.Before(req.StartDate) {
		return engineerr.ValidationErr("calculation request: end_date must not precede start_date")
	}
	if len(req.Methods) == 0 {
		return engineerr.ValidationErr("calculation request: at least one method is required")
	}
	return nil
}

// auditParams is the canonical, deterministic form of a request for
// audit hashing: the Methods set becomes a sorted slice so the parameter
// hash never depends on map iteration order.
type auditParams struct {
	TenantID       string
	PortfolioID    string
	StartDate      string
	EndDate        string
	BaseCurrency   string
	Methods        []string
	BenchmarkID    string
	IncludeDetails bool
}

func auditParameters(req domain.CalculationRequest) auditParams {
	return auditParams{
		TenantID:       req.TenantID,
		PortfolioID:    req.PortfolioID,
		StartDate:      req.StartDate.UTC().Format("2006-01-02"),
		EndDate:        req.EndDate.UTC().Format("2006-01-02"),
		BaseCurrency:   req.BaseCurrency,
		Methods:        sortedMethods(req.Methods),
		BenchmarkID:    req.BenchmarkID,
		IncludeDetails: req.IncludeDetails,
	}
}

// auditResultView strips provenance fields before the result is hashed:
// ComputedAt is wall-clock and AuditID is assigned after hashing, so
// neither may influence the result hash. Equal inputs must produce equal
// result hashes across cold computations.
func auditResultView(r domain.CalculationResult) domain.CalculationResult {
	r.ComputedAt = time.Time{}
	r.AuditID = ""
	return r
}

func sortedMethods(methods map[domain.Method]struct{}) []string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, string(m))
	}
	sortStrings(out)
	return out
}

// cacheKey hashes the request's semantically significant fields so that
// two requests with the same tenant/portfolio/window/methods/currency
// share a cache entry regardless of field ordering.
func cacheKey(req domain.CalculationRequest) string {
	methods := sortedMethods(req.Methods)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%v|%s|%t", req.TenantID, req.PortfolioID, req.StartDate.UTC().Format(time.RFC3339), req.EndDate.UTC().Format(time.RFC3339), req.BaseCurrency, methods, req.BenchmarkID, req.IncludeDetails)
	return "calc:" + req.TenantID + ":" + req.PortfolioID + ":" + hex.EncodeToString(h.Sum(nil))
}

func sortPoints(points []calc.MarketValuePoint) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Date.Before(points[j-1].Date); j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
