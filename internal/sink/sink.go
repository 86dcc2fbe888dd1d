// Package sink defines the time-series sink the engine writes persisted
// performance points to. The sink itself is an external collaborator;
// only this interface is part of the engine.
package sink

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PerformanceDataPoint is one persisted record of a calculation's results.
type PerformanceDataPoint struct {
	PortfolioID       string
	Timestamp         time.Time
	TWR               *decimal.Decimal
	MWR               *decimal.Decimal
	Volatility        *decimal.Decimal
	Sharpe            *decimal.Decimal
	Drawdown          *decimal.Decimal
	BenchmarkID       string
	BenchmarkReturn   *decimal.Decimal
	TrackingError     *decimal.Decimal
	InformationRatio  *decimal.Decimal
}

// Sink is the abstract time-series sink consumed by the Query API.
type Sink interface {
	Write(ctx context.Context, point PerformanceDataPoint) error
	QueryRange(ctx context.Context, portfolioID string, start, end time.Time, interval time.Duration) ([]PerformanceDataPoint, error)
	Latest(ctx context.Context, portfolioID string) (*PerformanceDataPoint, error)
	Summary(ctx context.Context, portfolioID string, start, end time.Time) (map[string]decimal.Decimal, error)
}
