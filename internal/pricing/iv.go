package pricing

import (
	"fmt"
	"math"

	"optionsflow/internal/vendorerr"
)

const (
	ivInitialGuess  = 0.30
	ivMaxIterations = 100
	ivTolerance     = 1e-4
	ivVegaFloor     = 1e-4
	ivMinSigma      = 0.01
	ivMaxSigma      = 5.0
)

// ImpliedVolatility inverts the Black-Scholes price via Newton-Raphson,
// starting from a 30% guess. It stops on convergence, when vega falls
// below ivVegaFloor, or after ivMaxIterations, and returns the sigma it
// reached if that is finite and in (0, 5); otherwise it returns
// vendorerr.ErrNotAvailable. A sigma reached without converging is still
// returned when it lies in that range.
func ImpliedVolatility(isCall bool, marketPrice, spot, strike, years float64) (float64, error) {
	sigma := ivInitialGuess

	for i := 0; i < ivMaxIterations; i++ {
		price := Price(isCall, spot, strike, years, sigma)
		diff := marketPrice - price
		if math.Abs(diff) < ivTolerance {
			return clampAccept(sigma)
		}

		vega := Vega(spot, strike, years, sigma)
		if vega < ivVegaFloor {
			return clampAccept(sigma)
		}

		sigma += diff / vega
		if sigma < ivMinSigma {
			sigma = ivMinSigma
		}
		if sigma > ivMaxSigma {
			sigma = ivMaxSigma
		}
	}

	return clampAccept(sigma)
}

func clampAccept(sigma float64) (float64, error) {
	if !math.IsInf(sigma, 0) && !math.IsNaN(sigma) && sigma > 0 && sigma < ivMaxSigma {
		return sigma, nil
	}
	return 0, fmt.Errorf("implied volatility: %w", vendorerr.ErrNotAvailable)
}

// FormatIVPercent renders a decimal sigma (e.g. 0.30) as the conventional
// "30.00%" display string. Values already above 1 are treated as already
// expressed in percent and divided down defensively before formatting.
func FormatIVPercent(sigma float64) string {
	if sigma > 1 {
		sigma = sigma / 100
	}
	return fmt.Sprintf("%.2f%%", sigma*100)
}
