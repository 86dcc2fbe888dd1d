// Package tenant implements the authoritative tenant view and rate-limit
// gate: a durable backing store behind a cached layer with a short TTL.
// The cached layer is a strict decorator holding the inner store by
// interface value; the store never points back into the cache.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// Store is the durable backing.
type Store interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	ListTenants(ctx context.Context, limit, offset int) ([]domain.Tenant, error)
	PutTenant(ctx context.Context, t *domain.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
	SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error
	CheckAndIncrement(ctx context.Context, tenantID string, metric domain.Metric, limit int64) (bool, error)
	DecrementActiveCalculations(ctx context.Context, tenantID string) error
	ResetAPIRequests(ctx context.Context, tenantID string) error
}

// Result of a rate-limit gate check.
type GateResult int

const (
	Allowed GateResult = iota
	Rejected
)

type localCounter struct {
	mu    sync.Mutex
	value int64
}

// Manager is the tenant manager: get/list/create/update/delete, status
// transitions, and the atomic rate-limit gate.
type Manager struct {
	store Store
	log   zerolog.Logger
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cachedTenant

	// localCounters is the degrade-open fallback mirror used when the
	// durable store is unavailable: availability over strict enforcement
	// when the durable counter cannot be reached. A stricter deployment
	// can flip this to degrade-closed without changing the public surface.
	localCounters sync.Map // map[string]*localCounter
}

type cachedTenant struct {
	tenant    domain.Tenant
	expiresAt time.Time
}

// New builds a Manager with the given cache TTL.
func New(store Store, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "tenant_manager").Logger(),
		ttl:   ttl,
		cache: make(map[string]cachedTenant),
	}
}

// Get returns the tenant, consulting the short-TTL cache first.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	m.mu.Lock()
	if c, ok := m.cache[id]; ok && time.Now().Before(c.expiresAt) {
		m.mu.Unlock()
		t := c.tenant
		return &t, nil
	}
	m.mu.Unlock()

	t, err := m.store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[id] = cachedTenant{tenant: *t, expiresAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()
	return t, nil
}

// List returns a page of tenants directly from the durable store (listing
// is not cached).
func (m *Manager) List(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	return m.store.ListTenants(ctx, limit, offset)
}

// Create persists a new, active tenant.
func (m *Manager) Create(ctx context.Context, t domain.Tenant) error {
	if t.ID == "" {
		return engineerr.ValidationErr("tenant id is required")
	}
	if t.Status == "" {
		t.Status = domain.TenantActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := m.store.PutTenant(ctx, &t); err != nil {
		return err
	}
	m.invalidate(t.ID)
	return nil
}

// Update persists changes to an existing tenant's limits.
func (m *Manager) Update(ctx context.Context, t domain.Tenant) error {
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.PutTenant(ctx, &t); err != nil {
		return err
	}
	m.invalidate(t.ID)
	return nil
}

// Delete removes a tenant record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteTenant(ctx, id); err != nil {
		return err
	}
	m.invalidate(id)
	return nil
}

// legalTransitions enumerates the only legal status transitions:
// active -> suspended, and either direction to/from deactivated. A
// suspended tenant cannot be reactivated directly; it must pass through
// deactivated first.
var legalTransitions = map[domain.TenantStatus]map[domain.TenantStatus]bool{
	domain.TenantActive:      {domain.TenantSuspended: true, domain.TenantDeactivated: true},
	domain.TenantSuspended:   {domain.TenantDeactivated: true},
	domain.TenantDeactivated: {domain.TenantActive: true, domain.TenantSuspended: true},
}

func (m *Manager) transition(ctx context.Context, id string, to domain.TenantStatus) error {
	t, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !legalTransitions[t.Status][to] {
		return engineerr.ValidationErr("illegal tenant status transition")
	}
	if err := m.store.SetTenantStatus(ctx, id, to); err != nil {
		return err
	}
	m.invalidate(id)
	return nil
}

func (m *Manager) Activate(ctx context.Context, id string) error   { return m.transition(ctx, id, domain.TenantActive) }
func (m *Manager) Suspend(ctx context.Context, id string) error    { return m.transition(ctx, id, domain.TenantSuspended) }
func (m *Manager) Deactivate(ctx context.Context, id string) error { return m.transition(ctx, id, domain.TenantDeactivated) }

// CheckAndIncrement atomically increments the named usage counter if the
// tenant is under its limit. Falls back to a best-effort local mirror
// (degrade open) if the durable store errors, logging a warning every
// time the fallback path is taken.
func (m *Manager) CheckAndIncrement(ctx context.Context, tenantID string, metric domain.Metric) (GateResult, error) {
	t, err := m.Get(ctx, tenantID)
	if err != nil {
		return Rejected, err
	}
	if t.Status != domain.TenantActive {
		return Rejected, engineerr.ValidationErr("tenant is not active")
	}

	limit := limitFor(t.ResourceLimits, metric)
	allowed, err := m.store.CheckAndIncrement(ctx, tenantID, metric, limit)
	if err != nil {
		m.log.Warn().Err(err).Str("tenant_id", tenantID).Str("metric", string(metric)).
			Msg("durable rate-limit counter unavailable, degrading open to local mirror")
		return m.degradeOpen(tenantID, metric, limit), nil
	}
	if !allowed {
		return Rejected, nil
	}
	return Allowed, nil
}

// DecrementActiveCalculations undoes the increment made for
// MetricActiveCalculations once a calculation completes.
func (m *Manager) DecrementActiveCalculations(ctx context.Context, tenantID string) error {
	return m.store.DecrementActiveCalculations(ctx, tenantID)
}

// ResetAPIRequests is called by an external scheduler on the rate-limit
// window boundary.
func (m *Manager) ResetAPIRequests(ctx context.Context, tenantID string) error {
	return m.store.ResetAPIRequests(ctx, tenantID)
}

func (m *Manager) degradeOpen(tenantID string, metric domain.Metric, limit int64) GateResult {
	key := tenantID + ":" + string(metric)
	v, _ := m.localCounters.LoadOrStore(key, &localCounter{})
	counter := v.(*localCounter)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.value >= limit {
		return Rejected
	}
	counter.value++
	return Allowed
}

func limitFor(limits domain.ResourceLimits, metric domain.Metric) int64 {
	switch metric {
	case domain.MetricActiveCalculations:
		return int64(limits.MaxConcurrentCalcs)
	default:
		return int64(limits.MaxAPIRequestsPerMinute)
	}
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}
