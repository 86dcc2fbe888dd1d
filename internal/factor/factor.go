// Package factor implements the factor risk model: exposure lookups,
// sample covariance estimation, Ledoit-Wolf shrinkage, and risk
// decomposition. Covariance lookups are cache-first against the durable
// store, keyed by the sorted factor id set and as-of date; the shrinkage
// intensity is the closed-form Ledoit-Wolf (2004) constant-correlation
// estimator, not a heuristic.
package factor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// Store is the subset of internal/store.Store the factor engine needs.
type Store interface {
	ListFactorReturns(ctx context.Context, factorID string, start, end time.Time) ([]domain.FactorReturn, error)
	ListFactorExposures(ctx context.Context, securityID string, asOf time.Time) ([]domain.FactorExposure, error)
	GetFactorCovariance(ctx context.Context, asOf time.Time) (*domain.FactorCovariance, error)
	PutFactorCovariance(ctx context.Context, cov domain.FactorCovariance) error
}

// Engine computes and caches factor covariance matrices and risk
// decompositions.
type Engine struct {
	store Store
	log   zerolog.Logger
}

// New builds an Engine.
func New(store Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "factor").Logger()}
}

// Exposures returns securityID's exposure to each of factorIDs as of date,
// in the same order as factorIDs; a factor with no recorded exposure is
// returned as 0.
func (e *Engine) Exposures(ctx context.Context, securityID string, factorIDs []string, asOf time.Time) ([]float64, error) {
	recorded, err := e.store.ListFactorExposures(ctx, securityID, asOf)
	if err != nil {
		return nil, err
	}
	byFactor := make(map[string]float64, len(recorded))
	for _, r := range recorded {
		byFactor[r.FactorID] = r.Value
	}
	out := make([]float64, len(factorIDs))
	for i, id := range factorIDs {
		out[i] = byFactor[id]
	}
	return out, nil
}

// PortfolioExposures aggregates security-level exposures into a
// portfolio-level exposure vector: Σ w_i · exposures(security_i) over the
// portfolio's current weights, in factorIDs order.
func (e *Engine) PortfolioExposures(ctx context.Context, weights map[string]float64, factorIDs []string, asOf time.Time) ([]float64, error) {
	if len(weights) == 0 {
		return nil, engineerr.ValidationErr("portfolio exposures: at least one weighted security required")
	}
	out := make([]float64, len(factorIDs))
	for securityID, w := range weights {
		exposures, err := e.Exposures(ctx, securityID, factorIDs, asOf)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] += w * exposures[i]
		}
	}
	return out, nil
}

// ActiveExposure is a portfolio's exposure to a factor minus its
// benchmark's, per factor.
func ActiveExposure(portfolioExposure, benchmarkExposure []float64) ([]float64, error) {
	if len(portfolioExposure) != len(benchmarkExposure) {
		return nil, engineerr.ValidationErr("active exposure: portfolio and benchmark exposure vectors must be the same length")
	}
	out := make([]float64, len(portfolioExposure))
	for i := range out {
		out[i] = portfolioExposure[i] - benchmarkExposure[i]
	}
	return out, nil
}

// Covariance returns the shrunk factor covariance matrix for factorIDs as
// of date, serving from the durable store if an entry with the exact
// factor-id set and date already exists, and persisting a freshly computed
// one otherwise.
func (e *Engine) Covariance(ctx context.Context, factorIDs []string, periodStart, periodEnd, asOf time.Time) (*domain.FactorCovariance, error) {
	key := hashFactorKey(factorIDs, asOf)

	cached, err := e.store.GetFactorCovariance(ctx, asOf)
	if err == nil && cached != nil && sameFactorSet(cached.FactorIDs, factorIDs) {
		e.log.Debug().Str("cache_key", key).Msg("factor covariance cache hit")
		return cached, nil
	}

	series := make([][]float64, len(factorIDs))
	for i, id := range factorIDs {
		returns, rErr := e.store.ListFactorReturns(ctx, id, periodStart, periodEnd)
		if rErr != nil {
			return nil, rErr
		}
		if len(returns) < 2 {
			return nil, engineerr.InsufficientDataErr("factor " + id + ": at least 2 return observations required")
		}
		vals := make([]float64, len(returns))
		for j, r := range returns {
			vals[j] = r.Return
		}
		series[i] = vals
	}

	sample, err := sampleCovariance(series)
	if err != nil {
		return nil, err
	}
	shrunk := ledoitWolfShrink(sample, series)

	cov := domain.FactorCovariance{FactorIDs: append([]string(nil), factorIDs...), Matrix: shrunk, AsOf: asOf}
	if err := e.store.PutFactorCovariance(ctx, cov); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist computed factor covariance")
	}
	return &cov, nil
}

// sampleCovariance builds the n x n sample covariance matrix over n
// equal-length return series using gonum/stat.Covariance per pair.
func sampleCovariance(series [][]float64) ([][]float64, error) {
	n := len(series)
	if n == 0 {
		return nil, engineerr.ValidationErr("sample covariance: at least one factor series required")
	}
	length := len(series[0])
	for _, s := range series {
		if len(s) != length {
			return nil, engineerr.ValidationErr("sample covariance: all factor series must share the same length")
		}
	}

	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(series[i], series[j], nil)
			out[i][j] = c
			out[j][i] = c
		}
	}
	return out, nil
}

// ledoitWolfShrink computes the Ledoit-Wolf (2004) constant-correlation
// shrinkage estimator: shrink the sample covariance S toward a target F
// whose off-diagonal entries use the average sample correlation, with
// shrinkage intensity delta* derived from the asymptotic variance of S's
// entries relative to the squared distance between S and F. Delta is
// clamped to [0,1]; the result stays defined even when S is singular.
func ledoitWolfShrink(sample [][]float64, series [][]float64) [][]float64 {
	n := len(sample)
	if n <= 1 {
		return symmetrize(sample)
	}

	sigma := make([]float64, n)
	for i := 0; i < n; i++ {
		sigma[i] = sqrtNonNeg(sample[i][i])
	}

	avgCorr := 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sigma[i] > 0 && sigma[j] > 0 {
				avgCorr += sample[i][j] / (sigma[i] * sigma[j])
				pairs++
			}
		}
	}
	if pairs > 0 {
		avgCorr /= float64(pairs)
	}

	target := make([][]float64, n)
	for i := range target {
		target[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		target[i][i] = sample[i][i]
		for j := i + 1; j < n; j++ {
			f := avgCorr * sigma[i] * sigma[j]
			target[i][j] = f
			target[j][i] = f
		}
	}

	length := len(series[0])
	means := make([]float64, n)
	for i := 0; i < n; i++ {
		means[i] = stat.Mean(series[i], nil)
	}

	var sumVarS, sumCovSF, sumSqDiff float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var varS, covSF float64
			for t := 0; t < length; t++ {
				wi := (series[i][t] - means[i]) * (series[j][t] - means[j])
				d := wi - sample[i][j]
				varS += d * d
				covSF += d * (wi - target[i][j])
			}
			if length > 0 {
				varS /= float64(length)
				covSF /= float64(length)
			}
			sumVarS += varS
			sumCovSF += covSF
			diff := target[i][j] - sample[i][j]
			sumSqDiff += diff * diff
		}
	}

	delta := 0.0
	if sumSqDiff > 0 {
		delta = (sumVarS - sumCovSF) / sumSqDiff
	}
	delta = clamp01(delta)

	shrunk := make([][]float64, n)
	for i := range shrunk {
		shrunk[i] = make([]float64, n)
		for j := range shrunk[i] {
			shrunk[i][j] = delta*target[i][j] + (1-delta)*sample[i][j]
		}
	}
	return symmetrize(shrunk)
}

// symmetrize forces exact (Σ+Σ')/2 symmetry, guarding against
// floating-point drift from the pairwise accumulation above. Built on a
// gonum/mat.Dense intermediate rather than raw slices so the result stays
// consistent with the Dense matrices the rest of the risk model operates
// on.
func symmetrize(m [][]float64) [][]float64 {
	n := len(m)
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d.Set(i, j, m[i][j])
		}
	}

	var sym mat.Dense
	sym.Add(d, d.T())
	sym.Scale(0.5, &sym)

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = sym.At(i, j)
		}
	}
	return out
}

func sqrtNonNeg(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sameFactorSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func hashFactorKey(factorIDs []string, asOf time.Time) string {
	sorted := append([]string(nil), factorIDs...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, ",") + "|" + asOf.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h[:])
}
