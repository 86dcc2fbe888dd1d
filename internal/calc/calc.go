// Package calc implements the engine's fixed-precision return and risk
// math. Every primitive here is a pure function: no I/O, no locks, no
// cancellation. Monetary and return inputs and results are decimal.Decimal;
// internally, the Modified Dietz day weights, the IRR bisection, and the
// mean/standard deviation behind Volatility, Sharpe, Sortino, ValueAtRisk
// and TrackingError are computed in float64 and converted back to
// decimal.Decimal on return.
package calc

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// Flow is one external cash flow within a Modified Dietz period.
type Flow struct {
	Date   time.Time
	Amount decimal.Decimal
}

// ModifiedDietzTWR computes the Modified Dietz approximation of TWR for a
// period with beginning value B, ending value E, and a set of ordered
// external cash flows within [start, end].
func ModifiedDietzTWR(begin, end decimal.Decimal, flows []Flow, start, endDate time.Time) (decimal.Decimal, error) {
	if !endDate.After(start) {
		return decimal.Zero, engineerr.ValidationErr("modified dietz: end date must be after start date")
	}

	totalDays := endDate.Sub(start).Hours() / 24
	if totalDays <= 0 {
		return decimal.Zero, engineerr.ValidationErr("modified dietz: non-positive period length")
	}

	sumFlows := decimal.Zero
	weightedFlows := decimal.Zero
	for _, f := range flows {
		if f.Date.Before(start) || f.Date.After(endDate) {
			continue
		}
		daysRemaining := endDate.Sub(f.Date).Hours() / 24
		weight := decimal.NewFromFloat(daysRemaining / totalDays)
		sumFlows = sumFlows.Add(f.Amount)
		weightedFlows = weightedFlows.Add(weight.Mul(f.Amount))
	}

	denominator := begin.Add(weightedFlows)
	if denominator.IsZero() {
		return decimal.Zero, engineerr.InsufficientDataErr("modified dietz: denominator is zero")
	}

	numerator := end.Sub(begin).Sub(sumFlows)
	return numerator.Div(denominator), nil
}

// MarketValuePoint is one day's observed market value, with the net
// external flow (if any) that occurred on that date. Convention: external
// deposits subtract from the day's return numerator.
type MarketValuePoint struct {
	Date  time.Time
	Value decimal.Decimal
	Flow  decimal.Decimal
}

// DailyLinkedTWR computes the daily-linked time-weighted return over an
// ordered sequence of market values, compounding each day's sub-period
// return. Returns the full per-day ReturnSeries; callers that only need
// the cumulative figure can use TotalReturn on the result.
func DailyLinkedTWR(points []MarketValuePoint) (domain.ReturnSeries, error) {
	if len(points) < 2 {
		return nil, engineerr.InsufficientDataErr("daily-linked TWR: need at least 2 observations")
	}
	for i := 1; i < len(points); i++ {
		if !points[i].Date.After(points[i-1].Date) {
			return nil, engineerr.ValidationErr("daily-linked TWR: dates must be strictly increasing")
		}
	}

	series := make(domain.ReturnSeries, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Value
		if prev.IsZero() {
			return nil, engineerr.InsufficientDataErr("daily-linked TWR: zero prior-day value")
		}
		numerator := points[i].Value.Sub(points[i].Flow)
		r := numerator.Div(prev).Sub(decimal.NewFromInt(1))
		series = append(series, domain.ReturnPoint{Date: points[i].Date, Return: r})
	}
	return series, nil
}

// TotalReturn compounds a ReturnSeries: Π(1+r_t) − 1.
func TotalReturn(series domain.ReturnSeries) decimal.Decimal {
	acc := decimal.NewFromInt(1)
	for _, p := range series {
		acc = acc.Mul(decimal.NewFromInt(1).Add(p.Return))
	}
	return acc.Sub(decimal.NewFromInt(1))
}

const (
	irrLowerBound    = -0.999
	irrUpperBound    = 10.0
	irrTolerance     = 1e-10
	irrMaxIterations = 200
)

// IRR solves for r such that Σ f_i·(1+r)^(−t_i) + finalValue·(1+r)^(−T) = 0, with
// t_i in years from the period start, via bisection over
// [-0.999, 10.0] with tolerance 1e-10 and at most 200 iterations.
func IRR(flows []Flow, periodStart time.Time, finalValue decimal.Decimal, finalDate time.Time) (decimal.Decimal, error) {
	if len(flows) == 0 {
		return decimal.Zero, engineerr.InsufficientDataErr("IRR: no cash flows supplied")
	}

	npv := func(r float64) float64 {
		total := 0.0
		for _, f := range flows {
			years := f.Date.Sub(periodStart).Hours() / 24 / 365.25
			amt, _ := f.Amount.Float64()
			total += amt * math.Pow(1+r, -years)
		}
		fv, _ := finalValue.Float64()
		totalYears := finalDate.Sub(periodStart).Hours() / 24 / 365.25
		total += fv * math.Pow(1+r, -totalYears)
		return total
	}

	lo, hi := irrLowerBound, irrUpperBound
	fLo, fHi := npv(lo), npv(hi)
	if (fLo > 0 && fHi > 0) || (fLo < 0 && fHi < 0) {
		return decimal.Zero, engineerr.IrrNoConvergenceErr("IRR: no sign change across bisection bounds")
	}

	var mid float64
	for i := 0; i < irrMaxIterations; i++ {
		mid = (lo + hi) / 2
		fMid := npv(mid)
		if math.Abs(fMid) < irrTolerance || (hi-lo)/2 < irrTolerance {
			return decimal.NewFromFloat(mid), nil
		}
		if (fMid > 0) == (fLo > 0) {
			lo, fLo = mid, fMid
		} else {
			hi, fHi = mid, fMid
		}
	}
	return decimal.NewFromFloat(mid), nil
}

// mean and sampleStdDev operate on the float64 projection of a return
// series; their callers convert the float64 results back to decimal.
func floatValues(series domain.ReturnSeries) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		f, _ := p.Return.Float64()
		out[i] = f
	}
	return out
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStdDev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// Volatility is the sample standard deviation of a ReturnSeries, optionally
// annualized by sqrt(periodsPerYear).
func Volatility(series domain.ReturnSeries, periodsPerYear int) (decimal.Decimal, error) {
	if len(series) < 2 {
		return decimal.Zero, engineerr.InsufficientDataErr("volatility: need at least 2 observations")
	}
	values := floatValues(series)
	sd := sampleStdDev(values, mean(values))
	if periodsPerYear > 0 {
		sd *= math.Sqrt(float64(periodsPerYear))
	}
	return decimal.NewFromFloat(sd), nil
}

// Sharpe computes (mean_return − risk_free_rate) / volatility. Fails with
// InsufficientData if volatility is zero or fewer than 2 observations are
// supplied.
func Sharpe(series domain.ReturnSeries, riskFreeRate decimal.Decimal) (decimal.Decimal, error) {
	if len(series) < 2 {
		return decimal.Zero, engineerr.InsufficientDataErr("sharpe: need at least 2 observations")
	}
	values := floatValues(series)
	m := mean(values)
	sd := sampleStdDev(values, m)
	if sd == 0 {
		return decimal.Zero, engineerr.InsufficientDataErr("sharpe: zero volatility")
	}
	rf, _ := riskFreeRate.Float64()
	return decimal.NewFromFloat((m - rf) / sd), nil
}

// Sortino uses the same numerator as Sharpe; the denominator is the
// downside semi-deviation measured against target (default zero).
func Sortino(series domain.ReturnSeries, riskFreeRate, target decimal.Decimal) (decimal.Decimal, error) {
	if len(series) < 2 {
		return decimal.Zero, engineerr.InsufficientDataErr("sortino: need at least 2 observations")
	}
	values := floatValues(series)
	m := mean(values)
	tgt, _ := target.Float64()

	sumSq := 0.0
	count := 0
	for _, v := range values {
		if v < tgt {
			d := v - tgt
			sumSq += d * d
			count++
		}
	}
	if count == 0 {
		return decimal.Zero, engineerr.InsufficientDataErr("sortino: no downside observations")
	}
	downside := math.Sqrt(sumSq / float64(count))
	if downside == 0 {
		return decimal.Zero, engineerr.InsufficientDataErr("sortino: zero downside deviation")
	}
	rf, _ := riskFreeRate.Float64()
	return decimal.NewFromFloat((m - rf) / downside), nil
}

// MaxDrawdown walks the cumulative return path and returns the largest
// (peak − trough) / peak observed.
func MaxDrawdown(series domain.ReturnSeries) (decimal.Decimal, error) {
	if len(series) == 0 {
		return decimal.Zero, engineerr.InsufficientDataErr("max drawdown: empty series")
	}

	cumulative := decimal.NewFromInt(1)
	peak := cumulative
	maxDD := decimal.Zero

	for _, p := range series {
		cumulative = cumulative.Mul(decimal.NewFromInt(1).Add(p.Return))
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(cumulative).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD, nil
}

// ValueAtRisk computes a parametric (normal-approximation) VaR at the
// given confidence level from a ReturnSeries, reported as a positive loss
// magnitude per period.
func ValueAtRisk(series domain.ReturnSeries, confidence decimal.Decimal) (decimal.Decimal, error) {
	if len(series) < 2 {
		return decimal.Zero, engineerr.InsufficientDataErr("value at risk: need at least 2 observations")
	}
	conf, _ := confidence.Float64()
	if conf <= 0 || conf >= 1 {
		return decimal.Zero, engineerr.ValidationErr("value at risk: confidence must be in (0,1)")
	}

	values := floatValues(series)
	m := mean(values)
	sd := sampleStdDev(values, m)
	z := inverseNormalCDF(conf)
	// VaR is reported as a positive loss magnitude.
	varValue := -(m - z*sd)
	if varValue < 0 {
		varValue = 0
	}
	return decimal.NewFromFloat(varValue), nil
}

// AlignReturnSeries intersects two ReturnSeries on date, returning each
// series' values restricted to dates present in both, in date order. Used
// to compare a portfolio's return series against a benchmark's, which may
// not share the same observation calendar (price feed gaps, market
// holidays).
func AlignReturnSeries(a, b domain.ReturnSeries) (domain.ReturnSeries, domain.ReturnSeries) {
	byDate := make(map[time.Time]decimal.Decimal, len(b))
	for _, p := range b {
		byDate[p.Date] = p.Return
	}

	alignedA := make(domain.ReturnSeries, 0, len(a))
	alignedB := make(domain.ReturnSeries, 0, len(a))
	for _, p := range a {
		if r, ok := byDate[p.Date]; ok {
			alignedA = append(alignedA, p)
			alignedB = append(alignedB, domain.ReturnPoint{Date: p.Date, Return: r})
		}
	}
	return alignedA, alignedB
}

// TrackingError is the sample standard deviation of the per-period excess
// return (portfolio − benchmark), optionally annualized by
// sqrt(periodsPerYear), mirroring Volatility's annualization convention.
func TrackingError(portfolio, benchmark domain.ReturnSeries, periodsPerYear int) (decimal.Decimal, error) {
	if len(portfolio) != len(benchmark) {
		return decimal.Zero, engineerr.ValidationErr("tracking error: portfolio and benchmark series must be aligned")
	}
	if len(portfolio) < 2 {
		return decimal.Zero, engineerr.InsufficientDataErr("tracking error: need at least 2 observations")
	}

	excess := make([]float64, len(portfolio))
	for i := range portfolio {
		p, _ := portfolio[i].Return.Float64()
		b, _ := benchmark[i].Return.Float64()
		excess[i] = p - b
	}
	sd := sampleStdDev(excess, mean(excess))
	if periodsPerYear > 0 {
		sd *= math.Sqrt(float64(periodsPerYear))
	}
	return decimal.NewFromFloat(sd), nil
}

// InformationRatio is the portfolio's excess return over the benchmark
// divided by the tracking error between them.
func InformationRatio(portfolioReturn, benchmarkReturn, trackingError decimal.Decimal) (decimal.Decimal, error) {
	if trackingError.IsZero() {
		return decimal.Zero, engineerr.InsufficientDataErr("information ratio: zero tracking error")
	}
	return portfolioReturn.Sub(benchmarkReturn).Div(trackingError), nil
}

// inverseNormalCDF approximates the standard normal quantile function using
// the Acklam rational approximation, accurate to ~1e-9 across (0,1).
func inverseNormalCDF(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	a := []float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := []float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := []float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := []float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	pLow := 0.02425
	pHigh := 1 - pLow

	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p <= pHigh:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
}
