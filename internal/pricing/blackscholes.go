// Package pricing implements the Black-Scholes European option pricing
// kernel and the Newton-Raphson implied-volatility inversion used to
// backfill IV when a vendor doesn't supply it.
package pricing

import "math"

// RiskFreeRate is the constant risk-free rate assumed across the book.
// Non-dividend underlying, European exercise.
const RiskFreeRate = 0.045

// YearFraction is the day-count convention used to convert DTE to years.
const YearFraction = 365.25

// stdNormCDF approximates the standard normal CDF with the 5-term
// Abramowitz & Stegun polynomial (formula 26.2.17).
func stdNormCDF(x float64) float64 {
	const (
		a1 = 0.319381530
		a2 = -0.356563782
		a3 = 1.781477937
		a4 = -1.821255978
		a5 = 1.330274429
		p  = 0.2316419
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}

	k := 1.0 / (1.0 + p*x)
	poly := k * (a1 + k*(a2+k*(a3+k*(a4+k*a5))))
	cdf := 1.0 - stdNormPDF(x)*poly
	return 0.5 + sign*(cdf-0.5)
}

// stdNormPDF is the standard normal probability density function.
func stdNormPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// d1d2 computes the Black-Scholes d1 and d2 terms.
func d1d2(spot, strike, years, vol float64) (d1, d2 float64) {
	d1 = (math.Log(spot/strike) + (RiskFreeRate+vol*vol/2)*years) / (vol * math.Sqrt(years))
	d2 = d1 - vol*math.Sqrt(years)
	return
}

// CallPrice returns the Black-Scholes price of a European call.
func CallPrice(spot, strike, years, vol float64) float64 {
	d1, d2 := d1d2(spot, strike, years, vol)
	return spot*stdNormCDF(d1) - strike*math.Exp(-RiskFreeRate*years)*stdNormCDF(d2)
}

// PutPrice returns the Black-Scholes price of a European put.
func PutPrice(spot, strike, years, vol float64) float64 {
	d1, d2 := d1d2(spot, strike, years, vol)
	return strike*math.Exp(-RiskFreeRate*years)*stdNormCDF(-d2) - spot*stdNormCDF(-d1)
}

// Price dispatches to CallPrice or PutPrice by isCall.
func Price(isCall bool, spot, strike, years, vol float64) float64 {
	if isCall {
		return CallPrice(spot, strike, years, vol)
	}
	return PutPrice(spot, strike, years, vol)
}

// Delta returns the option's delta.
func Delta(isCall bool, spot, strike, years, vol float64) float64 {
	d1, _ := d1d2(spot, strike, years, vol)
	if isCall {
		return stdNormCDF(d1)
	}
	return stdNormCDF(d1) - 1
}

// Gamma returns the option's gamma (same for calls and puts).
func Gamma(spot, strike, years, vol float64) float64 {
	d1, _ := d1d2(spot, strike, years, vol)
	return stdNormPDF(d1) / (spot * vol * math.Sqrt(years))
}

// Vega returns the option's vega (same for calls and puts), expressed per
// unit change in volatility (not per percentage point).
func Vega(spot, strike, years, vol float64) float64 {
	d1, _ := d1d2(spot, strike, years, vol)
	return spot * stdNormPDF(d1) * math.Sqrt(years)
}

// YearsFromDTE converts a day count to a Black-Scholes year fraction.
func YearsFromDTE(dte int) float64 {
	return float64(dte) / YearFraction
}
