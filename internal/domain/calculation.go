package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Method identifies one of the return/risk calculations a caller can
// request.
type Method string

const (
	MethodTWR         Method = "TWR"
	MethodMWR         Method = "MWR"
	MethodVolatility  Method = "volatility"
	MethodSharpe      Method = "sharpe"
	MethodSortino     Method = "sortino"
	MethodMaxDrawdown Method = "max_drawdown"
	MethodVaR         Method = "value_at_risk"
)

// CalculationRequest is immutable once enqueued.
type CalculationRequest struct {
	PortfolioID     string
	TenantID        string
	StartDate       time.Time
	EndDate         time.Time
	BaseCurrency    string
	Methods         map[Method]struct{}
	BenchmarkID     string
	IncludeDetails  bool
}

// CalculationResult is the engine's output for a single portfolio/date-range
// request.
type CalculationResult struct {
	TWR               *decimal.Decimal
	MWR               *decimal.Decimal
	Volatility        *decimal.Decimal
	Sharpe            *decimal.Decimal
	Sortino           *decimal.Decimal
	MaxDrawdown       *decimal.Decimal
	ValueAtRisk       *decimal.Decimal
	BenchmarkReturn   *decimal.Decimal
	TrackingError     *decimal.Decimal
	InformationRatio  *decimal.Decimal
	Details           map[string]any
	ComputedAt        time.Time
	AuditID           string
}

// ReturnSeries is an ordered, finite sequence of per-period returns.
type ReturnSeries []ReturnPoint

type ReturnPoint struct {
	Date   time.Time
	Return decimal.Decimal
}
