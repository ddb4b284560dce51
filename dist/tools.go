// Package dist implements the distribution functions used for tests
// and intervals: normal and chi-squared tails and empirical quantiles.
package dist

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Chi2Survival returns Prob{x>q} for x Chi2 distributed with v
// degrees of freedom.
func Chi2Survival(q, v float64) float64 {
	if q <= 0 {
		return 1
	}
	if math.IsInf(q, +1) {
		return 0
	}
	return mathext.GammaIncRegComp(v/2, q/2)
}

// BoundaryLRTPValue returns the p-value of a likelihood ratio
// statistic for a single variance parameter tested on the boundary of
// its space: an equal mixture of a point mass at zero and Chi2(1).
func BoundaryLRTPValue(lr float64) float64 {
	if lr <= 0 {
		return 1
	}
	return 0.5 * Chi2Survival(lr, 1)
}

// WaldPValue returns the two sided normal p-value of z = est/se.
func WaldPValue(z float64) float64 {
	if math.IsNaN(z) {
		return math.NaN()
	}
	return 2 * distuv.UnitNormal.Survival(math.Abs(z))
}

// EmpiricalQuantiles returns the empirical quantiles of x at probs.
// NaN values are ignored; NaN is returned for an empty sample. x is
// not modified.
func EmpiricalQuantiles(x []float64, probs []float64) []float64 {
	sorted := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	res := make([]float64, len(probs))
	if len(sorted) == 0 {
		for i := range res {
			res[i] = math.NaN()
		}
		return res
	}
	sort.Float64s(sorted)
	for i, p := range probs {
		res[i] = stat.Quantile(p, stat.LinInterp, sorted, nil)
	}
	return res
}

// MeanSD returns the sample mean and standard deviation (n-1
// denominator).
func MeanSD(x []float64) (mean, sd float64) {
	return stat.MeanStdDev(x, nil)
}
