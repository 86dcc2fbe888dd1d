package factor

import "github.com/aristath/perfengine/internal/engineerr"

// Decomposition is a portfolio's factor risk broken down by
// contribution: total variance explained by the factor model, each
// factor's component contribution e_i·(Σe)_i to that variance, and its
// marginal contribution e_i·(Σe)_i / σ², the component as a fraction of
// total variance. Components sum to TotalVariance; marginals sum to 1
// whenever TotalVariance is non-zero.
type Decomposition struct {
	TotalVariance float64
	Marginal      []float64
	Component     []float64
}

// Decompose computes portfolio variance σ² = eᵀΣe for an exposure vector
// e against a factor covariance matrix Σ, with the per-factor component
// and marginal contributions described on Decomposition.
func Decompose(exposure []float64, covariance [][]float64) (Decomposition, error) {
	n := len(exposure)
	if n == 0 {
		return Decomposition{}, engineerr.ValidationErr("risk decomposition: exposure vector cannot be empty")
	}
	if len(covariance) != n {
		return Decomposition{}, engineerr.ValidationErr("risk decomposition: covariance matrix dimension must match exposure vector")
	}
	for _, row := range covariance {
		if len(row) != n {
			return Decomposition{}, engineerr.ValidationErr("risk decomposition: covariance matrix must be square")
		}
	}

	sigmaW := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			sum += covariance[i][j] * exposure[j]
		}
		sigmaW[i] = sum
	}

	var total float64
	component := make([]float64, n)
	for i := 0; i < n; i++ {
		component[i] = exposure[i] * sigmaW[i]
		total += component[i]
	}

	marginal := make([]float64, n)
	if total != 0 {
		for i := 0; i < n; i++ {
			marginal[i] = component[i] / total
		}
	}

	return Decomposition{TotalVariance: total, Marginal: marginal, Component: component}, nil
}
