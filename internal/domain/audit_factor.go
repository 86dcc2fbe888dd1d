package domain

import "time"

// AuditRecord is immutable once written; it forms an append-only log of
// every calculation the engine performed.
type AuditRecord struct {
	ID             string
	TenantID       string
	EntityID       string
	Action         string
	ParametersHash string
	ResultHash     string
	Timestamp      time.Time
	Actor          string
}

// AuditFilters scopes an audit.query call.
type AuditFilters struct {
	TenantID   string
	ResultHash string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// CacheEntry is the unit the tiered cache stores; read-only once returned
// to a caller.
type CacheEntry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	SizeBytes int64
}

// ExchangeRate is pinned to the date of the flow being converted.
type ExchangeRate struct {
	Base   string
	Quote  string
	Rate   float64
	Date   time.Time
	Source string
}

// FactorCategory classifies a Factor.
type FactorCategory string

const (
	FactorMarket   FactorCategory = "Market"
	FactorStyle    FactorCategory = "Style"
	FactorIndustry FactorCategory = "Industry"
	FactorCountry  FactorCategory = "Country"
	FactorMacro    FactorCategory = "Macro"
	FactorCustom   FactorCategory = "Custom"
)

type Factor struct {
	ID       string
	Name     string
	Category FactorCategory
}

type FactorExposure struct {
	SecurityID string
	FactorID   string
	Value      float64
	AsOf       time.Time
}

type FactorReturn struct {
	FactorID    string
	Return      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type FactorCovariance struct {
	FactorIDs []string
	Matrix    [][]float64
	AsOf      time.Time
}
