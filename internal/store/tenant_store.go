package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// GetTenant returns the tenant record, or NotFound.
func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	row := s.queryRowContext(ctx, `SELECT id, status, max_portfolios, max_api_requests_per_minute,
		max_concurrent_calcs, max_cache_bytes, created_at, updated_at FROM tenants WHERE id = ?`, id)

	var t domain.Tenant
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.Status, &t.ResourceLimits.MaxPortfolios, &t.ResourceLimits.MaxAPIRequestsPerMinute,
		&t.ResourceLimits.MaxConcurrentCalcs, &t.ResourceLimits.MaxCacheBytes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engineerr.NotFoundErr("tenant not found: " + id)
	}
	if err != nil {
		return nil, engineerr.DatabaseErr("get tenant", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

// ListTenants returns up to limit tenants after offset.
func (s *Store) ListTenants(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.queryContext(ctx, `SELECT id, status, max_portfolios, max_api_requests_per_minute,
		max_concurrent_calcs, max_cache_bytes, created_at, updated_at FROM tenants ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, engineerr.DatabaseErr("list tenants", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.Status, &t.ResourceLimits.MaxPortfolios, &t.ResourceLimits.MaxAPIRequestsPerMinute,
			&t.ResourceLimits.MaxConcurrentCalcs, &t.ResourceLimits.MaxCacheBytes, &createdAt, &updatedAt); err != nil {
			return nil, engineerr.DatabaseErr("scan tenant", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, t)
	}
	return out, nil
}

// PutTenant inserts or replaces a tenant record.
func (s *Store) PutTenant(ctx context.Context, t *domain.Tenant) error {
	now := unixNow()
	_, err := s.execContext(ctx, `INSERT INTO tenants (id, status, max_portfolios, max_api_requests_per_minute,
		max_concurrent_calcs, max_cache_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, max_portfolios=excluded.max_portfolios,
			max_api_requests_per_minute=excluded.max_api_requests_per_minute,
			max_concurrent_calcs=excluded.max_concurrent_calcs, max_cache_bytes=excluded.max_cache_bytes,
			updated_at=excluded.updated_at`,
		t.ID, t.Status, t.ResourceLimits.MaxPortfolios, t.ResourceLimits.MaxAPIRequestsPerMinute,
		t.ResourceLimits.MaxConcurrentCalcs, t.ResourceLimits.MaxCacheBytes, now, now)
	if err != nil {
		return engineerr.DatabaseErr("put tenant", err)
	}

	_, err = s.execContext(ctx, `INSERT INTO usage_metrics (tenant_id, window_start) VALUES (?, ?)
		ON CONFLICT(tenant_id) DO NOTHING`, t.ID, now)
	if err != nil {
		return engineerr.DatabaseErr("init usage metrics", err)
	}
	return nil
}

// DeleteTenant removes a tenant record.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	if _, err := s.execContext(ctx, `DELETE FROM tenants WHERE id = ?`, id); err != nil {
		return engineerr.DatabaseErr("delete tenant", err)
	}
	return nil
}

// SetTenantStatus performs the status transition; legality is enforced by
// the caller (internal/tenant).
func (s *Store) SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	res, err := s.execContext(ctx, `UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`, status, unixNow(), id)
	if err != nil {
		return engineerr.DatabaseErr("set tenant status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engineerr.NotFoundErr("tenant not found: " + id)
	}
	return nil
}

// CheckAndIncrement atomically increments the named usage counter if it is
// still under limit, returning whether the increment was allowed. The
// guarded UPDATE is the compare-and-increment; there is no read-then-write
// window.
func (s *Store) CheckAndIncrement(ctx context.Context, tenantID string, metric domain.Metric, limit int64) (bool, error) {
	column := metricColumn(metric)
	res, err := s.execContext(ctx, `UPDATE usage_metrics SET `+column+` = `+column+` + 1
		WHERE tenant_id = ? AND `+column+` < ?`, tenantID, limit)
	if err != nil {
		return false, engineerr.DatabaseErr("check and increment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engineerr.DatabaseErr("check and increment rows affected", err)
	}
	return n > 0, nil
}

// DecrementActiveCalculations undoes the increment made by
// CheckAndIncrement(MetricActiveCalculations) once a calculation
// completes.
func (s *Store) DecrementActiveCalculations(ctx context.Context, tenantID string) error {
	_, err := s.execContext(ctx, `UPDATE usage_metrics SET active_calculations = MAX(active_calculations - 1, 0)
		WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return engineerr.DatabaseErr("decrement active calculations", err)
	}
	return nil
}

// ResetAPIRequests zeroes the per-minute counter and advances the window,
// called by internal/maintenance on the rate-limit window boundary.
func (s *Store) ResetAPIRequests(ctx context.Context, tenantID string) error {
	_, err := s.execContext(ctx, `UPDATE usage_metrics SET api_requests = 0, window_start = ? WHERE tenant_id = ?`,
		unixNow(), tenantID)
	if err != nil {
		return engineerr.DatabaseErr("reset api requests", err)
	}
	return nil
}

// ResetAllAPIRequests resets every tenant's per-minute counter in one
// sweep.
func (s *Store) ResetAllAPIRequests(ctx context.Context) (int64, error) {
	res, err := s.execContext(ctx, `UPDATE usage_metrics SET api_requests = 0, window_start = ?`, unixNow())
	if err != nil {
		return 0, engineerr.DatabaseErr("reset all api requests", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func metricColumn(m domain.Metric) string {
	switch m {
	case domain.MetricActiveCalculations:
		return "active_calculations"
	default:
		return "api_requests"
	}
}
