package currency

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
)

type fakeProvider struct {
	calls int
	rate  float64
	err   error
}

func (f *fakeProvider) GetRate(ctx context.Context, base, quote string, date time.Time) (*domain.ExchangeRate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ExchangeRate{Base: base, Quote: quote, Rate: f.rate, Date: date, Source: "fake"}, nil
}

func TestConvert_SameCurrencyIsIdempotent(t *testing.T) {
	provider := &fakeProvider{rate: 1.1}
	conv := New(provider, zerolog.Nop())

	out, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "USD", "USD", time.Now())
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 0, provider.calls)
}

func TestConvert_CachesRateWithinProcess(t *testing.T) {
	provider := &fakeProvider{rate: 0.9}
	conv := New(provider, zerolog.Nop())
	date := time.Now()

	_, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "USD", "EUR", date)
	require.NoError(t, err)
	_, err = conv.Convert(context.Background(), decimal.NewFromInt(50), "USD", "EUR", date)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
}

func TestConvert_SurfacesRateUnavailable(t *testing.T) {
	provider := &fakeProvider{err: assertErr{}}
	conv := New(provider, zerolog.Nop())

	_, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "USD", "EUR", time.Now())
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
