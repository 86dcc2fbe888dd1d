// Package currency implements date-pinned FX conversion for cash flows,
// backed by a pluggable ExchangeRateProvider and a process-local rate
// cache. Each conversion is logged at debug level, unavailable rates at
// warn. There is exactly one upstream provider; fallback chains across
// multiple rate sources are the embedding process's concern.
package currency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// ExchangeRateProvider is the abstract external collaborator the converter
// consumes. Implementations return the most recent rate dated on or before
// the requested date, never a future rate.
type ExchangeRateProvider interface {
	GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error)
}

type cacheKey struct {
	base, quote string
	date        string
}

// Converter converts amounts between currencies using rates pinned to a
// flow's date, dedup'd within a process.
type Converter struct {
	provider ExchangeRateProvider
	log      zerolog.Logger

	mu    sync.Mutex
	rates map[cacheKey]decimal.Decimal
}

// New builds a Converter backed by provider.
func New(provider ExchangeRateProvider, log zerolog.Logger) *Converter {
	return &Converter{
		provider: provider,
		log:      log.With().Str("component", "currency_converter").Logger(),
		rates:    make(map[cacheKey]decimal.Decimal),
	}
}

// Convert converts amount from one currency to another, pinned to date.
// Idempotent when from == to.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string, date time.Time) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}

	rate, err := c.rateFor(ctx, from, to, date)
	if err != nil {
		return decimal.Zero, err
	}

	converted := amount.Mul(rate)
	c.log.Debug().
		Str("from", from).Str("to", to).
		Str("amount", amount.String()).
		Str("rate", rate.String()).
		Str("converted", converted.String()).
		Msg("converted amount")
	return converted, nil
}

// ConvertSeries converts a batch of cash flows to a single target
// currency, each pinned to its own flow date.
func (c *Converter) ConvertSeries(ctx context.Context, flows []domain.CashFlow, fromCurrencies []string, target string) ([]domain.CashFlow, error) {
	if len(flows) != len(fromCurrencies) {
		return nil, engineerr.ValidationErr("convert series: flows and currencies length mismatch")
	}
	out := make([]domain.CashFlow, len(flows))
	for i, f := range flows {
		amt, err := c.Convert(ctx, decimal.NewFromFloat(f.AmountBase), fromCurrencies[i], target, f.Date)
		if err != nil {
			return nil, err
		}
		converted, _ := amt.Float64()
		out[i] = domain.CashFlow{Date: f.Date, AmountBase: converted, Direction: f.Direction}
	}
	return out, nil
}

func (c *Converter) rateFor(ctx context.Context, base, quote string, date time.Time) (decimal.Decimal, error) {
	key := cacheKey{base: base, quote: quote, date: date.Format("2006-01-02")}

	c.mu.Lock()
	if r, ok := c.rates[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	rate, err := c.provider.GetRate(ctx, base, quote, date)
	if err != nil {
		c.log.Warn().Err(err).Str("base", base).Str("quote", quote).Time("date", date).Msg("rate unavailable")
		// Typed failures (RateUnavailable, CircuitOpen, MaxRetriesExceeded)
		// keep their code; only a raw provider error becomes RateUnavailable.
		var typed *engineerr.Error
		if errors.As(err, &typed) {
			return decimal.Zero, err
		}
		return decimal.Zero, engineerr.RateUnavailableErr(fmt.Sprintf("no rate for %s/%s on or before %s", base, quote, date.Format("2006-01-02")))
	}

	r := decimal.NewFromFloat(rate.Rate)
	c.mu.Lock()
	c.rates[key] = r
	c.mu.Unlock()
	return r, nil
}
