// Package memrepo is a reference, in-process implementation of the
// engine's three external collaborator interfaces (domain.Repository,
// currency.ExchangeRateProvider, sink.Sink): mutex-guarded maps standing
// in for a real durable store. cmd/engine uses it so the binary is
// runnable standalone; a real deployment supplies its own adapters over
// whatever system of record it already has (a portfolio-management
// database, an FX feed, a time-series store) and wires those into
// engine.Wire instead.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/sink"
)

// Repository is an in-memory domain.Repository. Safe for concurrent use.
type Repository struct {
	mu sync.RWMutex

	portfolios   map[string]*domain.Portfolio
	transactions map[string]*domain.Transaction
	accounts     map[string]*domain.Account
	securities   map[string]*domain.Security
	prices       map[string][]domain.Price // key: securityID
	positions    map[string][]domain.Position // key: accountID

	log zerolog.Logger
}

// NewRepository builds an empty Repository.
func NewRepository(log zerolog.Logger) *Repository {
	return &Repository{
		portfolios:   make(map[string]*domain.Portfolio),
		transactions: make(map[string]*domain.Transaction),
		accounts:     make(map[string]*domain.Account),
		securities:   make(map[string]*domain.Security),
		prices:       make(map[string][]domain.Price),
		positions:    make(map[string][]domain.Position),
		log:          log.With().Str("repository", "memrepo").Logger(),
	}
}

func (r *Repository) GetPortfolio(ctx context.Context, tenantID, id string) (*domain.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.portfolios[id]
	if !ok || p.TenantID != tenantID {
		return nil, engineerr.NotFoundErr("portfolio " + id + " not found")
	}
	cp := *p
	return &cp, nil
}

func (r *Repository) ListPortfolios(ctx context.Context, tenantID, clientID string, page domain.Pagination) (domain.Page[domain.Portfolio], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Portfolio
	for _, p := range r.portfolios {
		if p.TenantID != tenantID {
			continue
		}
		if clientID != "" && p.ClientID != clientID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, page), nil
}

func (r *Repository) PutPortfolio(ctx context.Context, tenantID string, p *domain.Portfolio) error {
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	if p.TenantID != tenantID {
		return engineerr.TenantMismatchErr("portfolio " + p.ID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.portfolios[p.ID] = &cp
	return nil
}

func (r *Repository) DeletePortfolio(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.portfolios[id]
	if !ok || p.TenantID != tenantID {
		return engineerr.NotFoundErr("portfolio " + id + " not found")
	}
	delete(r.portfolios, id)
	return nil
}

func (r *Repository) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transactions[id]
	if !ok || t.TenantID != tenantID {
		return nil, engineerr.NotFoundErr("transaction " + id + " not found")
	}
	cp := *t
	return &cp, nil
}

func (r *Repository) ListTransactions(ctx context.Context, tenantID, accountID string, start, end time.Time, page domain.Pagination) (domain.Page[domain.Transaction], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Transaction
	for _, t := range r.transactions {
		if t.TenantID != tenantID {
			continue
		}
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		if !start.IsZero() && t.Date.Before(start) {
			continue
		}
		if !end.IsZero() && t.Date.After(end) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return paginate(out, page), nil
}

func (r *Repository) PutTransaction(ctx context.Context, tenantID string, t *domain.Transaction) error {
	if t.TenantID == "" {
		t.TenantID = tenantID
	}
	if t.TenantID != tenantID {
		return engineerr.TenantMismatchErr("transaction " + t.ID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.transactions[t.ID] = &cp
	return nil
}

func (r *Repository) DeleteTransaction(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.TenantID != tenantID {
		return engineerr.NotFoundErr("transaction " + id + " not found")
	}
	delete(r.transactions, id)
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, tenantID, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, engineerr.NotFoundErr("account " + id + " not found")
	}
	cp := *a
	return &cp, nil
}

func (r *Repository) ListAccounts(ctx context.Context, tenantID, portfolioID string, page domain.Pagination) (domain.Page[domain.Account], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Account
	for _, a := range r.accounts {
		if a.TenantID != tenantID {
			continue
		}
		if portfolioID != "" && a.PortfolioID != portfolioID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, page), nil
}

func (r *Repository) PutAccount(ctx context.Context, tenantID string, a *domain.Account) error {
	if a.TenantID == "" {
		a.TenantID = tenantID
	}
	if a.TenantID != tenantID {
		return engineerr.TenantMismatchErr("account " + a.ID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.accounts[a.ID] = &cp
	return nil
}

func (r *Repository) DeleteAccount(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.TenantID != tenantID {
		return engineerr.NotFoundErr("account " + id + " not found")
	}
	delete(r.accounts, id)
	return nil
}

func (r *Repository) GetSecurity(ctx context.Context, tenantID, id string) (*domain.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.securities[id]
	if !ok || s.TenantID != tenantID {
		return nil, engineerr.NotFoundErr("security " + id + " not found")
	}
	cp := *s
	return &cp, nil
}

func (r *Repository) ListSecurities(ctx context.Context, tenantID string, page domain.Pagination) (domain.Page[domain.Security], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Security
	for _, s := range r.securities {
		if s.TenantID != tenantID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, page), nil
}

func (r *Repository) PutSecurity(ctx context.Context, tenantID string, s *domain.Security) error {
	if s.TenantID == "" {
		s.TenantID = tenantID
	}
	if s.TenantID != tenantID {
		return engineerr.TenantMismatchErr("security " + s.ID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.securities[s.ID] = &cp
	return nil
}

func (r *Repository) DeleteSecurity(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.securities[id]
	if !ok || s.TenantID != tenantID {
		return engineerr.NotFoundErr("security " + id + " not found")
	}
	delete(r.securities, id)
	return nil
}

func (r *Repository) GetPrice(ctx context.Context, tenantID, securityID string, date time.Time) (*domain.Price, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.prices[securityID] {
		if p.TenantID == tenantID && p.Date.Equal(date) {
			cp := p
			return &cp, nil
		}
	}
	return nil, engineerr.NotFoundErr("price for " + securityID + " not found")
}

func (r *Repository) ListPrices(ctx context.Context, tenantID, securityID string, start, end time.Time, page domain.Pagination) (domain.Page[domain.Price], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Price
	for _, p := range r.prices[securityID] {
		if p.TenantID != tenantID {
			continue
		}
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}
		if !end.IsZero() && p.Date.After(end) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return paginate(out, page), nil
}

func (r *Repository) PutPrice(ctx context.Context, tenantID string, p *domain.Price) error {
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	if p.TenantID != tenantID {
		return engineerr.TenantMismatchErr("price for " + p.SecurityID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.prices[p.SecurityID]
	for i, existing := range list {
		if existing.Date.Equal(p.Date) {
			list[i] = *p
			return nil
		}
	}
	r.prices[p.SecurityID] = append(list, *p)
	return nil
}

func (r *Repository) GetPositions(ctx context.Context, tenantID, accountID string, date time.Time) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Position
	for _, p := range r.positions[accountID] {
		if p.TenantID != tenantID {
			continue
		}
		if !date.IsZero() && p.Date.After(date) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repository) PutPosition(ctx context.Context, tenantID string, p *domain.Position) error {
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	if p.TenantID != tenantID {
		return engineerr.TenantMismatchErr("position for " + p.AccountID + " does not belong to tenant " + tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.positions[p.AccountID]
	for i, existing := range list {
		if existing.SecurityID == p.SecurityID && existing.Date.Equal(p.Date) {
			list[i] = *p
			return nil
		}
	}
	r.positions[p.AccountID] = append(list, *p)
	return nil
}

func paginate[T any](items []T, page domain.Pagination) domain.Page[T] {
	if page.Limit <= 0 || page.Limit >= len(items) {
		return domain.Page[T]{Items: items}
	}
	return domain.Page[T]{Items: items[:page.Limit], NextToken: "more"}
}

// RateProvider is a static, process-local currency.ExchangeRateProvider:
// every pair defaults to parity (rate 1.0) unless an explicit rate was
// registered with Set. It exists so a standalone engine can run without a
// real FX feed; production deployments supply their own provider.
type RateProvider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewRateProvider builds a RateProvider that defaults every pair to parity.
func NewRateProvider() *RateProvider {
	return &RateProvider{rates: make(map[string]decimal.Decimal)}
}

// Set registers a fixed rate for base->quote, independent of date.
func (p *RateProvider) Set(base, quote string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[base+"|"+quote] = rate
}

func (p *RateProvider) GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error) {
	if base == quote {
		return &domain.ExchangeRate{Base: base, Quote: quote, Rate: 1, Date: date, Source: "parity"}, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rate, ok := p.rates[base+"|"+quote]; ok {
		f, _ := rate.Float64()
		return &domain.ExchangeRate{Base: base, Quote: quote, Rate: f, Date: date, Source: "static"}, nil
	}
	return nil, engineerr.RateUnavailableErr("no rate registered for " + base + "->" + quote)
}

// Sink is an in-memory sink.Sink: every written point is appended to a
// per-portfolio slice, most recent last.
type Sink struct {
	mu     sync.RWMutex
	points map[string][]sink.PerformanceDataPoint
}

// NewSink builds an empty Sink.
func NewSink() *Sink {
	return &Sink{points: make(map[string][]sink.PerformanceDataPoint)}
}

func (s *Sink) Write(ctx context.Context, point sink.PerformanceDataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[point.PortfolioID] = append(s.points[point.PortfolioID], point)
	return nil
}

func (s *Sink) QueryRange(ctx context.Context, portfolioID string, start, end time.Time, interval time.Duration) ([]sink.PerformanceDataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []sink.PerformanceDataPoint
	for _, p := range s.points[portfolioID] {
		if !start.IsZero() && p.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Sink) Latest(ctx context.Context, portfolioID string) (*sink.PerformanceDataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.points[portfolioID]
	if len(list) == 0 {
		return nil, engineerr.NotFoundErr("no performance points for " + portfolioID)
	}
	p := list[len(list)-1]
	return &p, nil
}

func (s *Sink) Summary(ctx context.Context, portfolioID string, start, end time.Time) (map[string]decimal.Decimal, error) {
	points, err := s.QueryRange(ctx, portfolioID, start, end, 0)
	if err != nil {
		return nil, err
	}
	summary := make(map[string]decimal.Decimal)
	if len(points) == 0 {
		return summary, nil
	}
	last := points[len(points)-1]
	if last.TWR != nil {
		summary["twr"] = *last.TWR
	}
	if last.Volatility != nil {
		summary["volatility"] = *last.Volatility
	}
	if last.Sharpe != nil {
		summary["sharpe"] = *last.Sharpe
	}
	return summary, nil
}
