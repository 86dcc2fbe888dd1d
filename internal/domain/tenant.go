package domain

import "time"

// TenantStatus is the lifecycle state of a Tenant.
type TenantStatus string

const (
	TenantActive      TenantStatus = "active"
	TenantSuspended   TenantStatus = "suspended"
	TenantDeactivated TenantStatus = "deactivated"
)

// ResourceLimits bounds a tenant's resource consumption.
type ResourceLimits struct {
	MaxPortfolios            int
	MaxAPIRequestsPerMinute  int
	MaxConcurrentCalcs       int
	MaxCacheBytes            int64
}

// Tenant is the authoritative record of a tenant.
type Tenant struct {
	ID             string
	Status         TenantStatus
	ResourceLimits ResourceLimits
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UsageMetrics tracks a tenant's consumption within the current rate-limit
// window.
type UsageMetrics struct {
	TenantID          string
	APIRequests       int64
	ActiveCalculations int64
	CacheBytes        int64
	WindowStart       time.Time
}

// Metric identifies which counter check_and_increment operates on.
type Metric string

const (
	MetricAPIRequests        Metric = "api_requests"
	MetricActiveCalculations Metric = "active_calculations"
)
