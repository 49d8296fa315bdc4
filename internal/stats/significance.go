// Package stats implements the two-sample significance test used to compare
// experiment arms.
//
// The normal CDF is the Abramowitz–Stegun 7.1.26 rational approximation of
// erf rather than math.Erf. Stored p-values were produced with this
// approximation, and keeping it makes recomputed verdicts match them exactly.
package stats

import "math"

const (
	// MinSampleSize is the smallest per-arm sample the test will evaluate.
	MinSampleSize = 30
	// Alpha is the two-tailed significance level.
	Alpha = 0.05
)

type Winner string

const (
	WinnerControl Winner = "control"
	WinnerVariant Winner = "variant"
	WinnerTie     Winner = "tie"
)

// Result is the verdict of a two-sample comparison.
type Result struct {
	IsSignificant bool
	PValue        float64
	Winner        Winner
}

var noDifference = Result{IsSignificant: false, PValue: 1, Winner: WinnerTie}

// TwoSample compares control and variant ratings with a z-test on the
// difference of means. Samples smaller than MinSampleSize, or a zero
// standard error, yield a non-significant tie with p = 1.
func TwoSample(control, variant []float64) Result {
	if len(control) < MinSampleSize || len(variant) < MinSampleSize {
		return noDifference
	}

	meanControl := Mean(control)
	meanVariant := Mean(variant)
	stdControl := PopulationStdDev(control)
	stdVariant := PopulationStdDev(variant)

	se := math.Sqrt(stdControl*stdControl/float64(len(control)) + stdVariant*stdVariant/float64(len(variant)))
	if se == 0 {
		return noDifference
	}

	t := (meanVariant - meanControl) / se
	p := 2 * (1 - NormalCDF(math.Abs(t)))

	res := Result{IsSignificant: p < Alpha, PValue: p, Winner: WinnerTie}
	if res.IsSignificant {
		if meanVariant > meanControl {
			res.Winner = WinnerVariant
		} else {
			res.Winner = WinnerControl
		}
	}
	return res
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// PopulationStdDev divides by n, not n-1.
func PopulationStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Abramowitz–Stegun 7.1.26 coefficients.
const (
	asA1 = 0.254829592
	asA2 = -0.284496736
	asA3 = 1.421413741
	asA4 = -1.453152027
	asA5 = 1.061405429
	asP  = 0.3275911
)

// NormalCDF approximates the standard normal CDF Φ(x).
func NormalCDF(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + asP*x)
	y := 1.0 - (((((asA5*t+asA4)*t)+asA3)*t+asA2)*t+asA1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
