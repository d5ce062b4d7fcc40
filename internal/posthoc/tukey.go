package posthoc

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// TukeyP returns the Tukey-adjusted p-value for a pairwise z statistic in a
// family of k means: the probability that the studentized range of k
// standard normals exceeds |z|*sqrt(2). Residual degrees of freedom are
// taken as infinite, which is the usual large-sample treatment for GLM
// contrasts.
func TukeyP(z float64, k int) float64 {
	if k < 2 {
		return math.NaN()
	}
	q := math.Abs(z) * math.Sqrt2
	p := 1 - studentizedRangeCDF(q, k)
	return math.Min(math.Max(p, 0), 1)
}

// studentizedRangeCDF evaluates P(range of k iid standard normals <= q) by
// quadrature:
//
//	F(q, k) = k * Integral phi(z) * (Phi(z) - Phi(z-q))^(k-1) dz
//
// The integrand is negligible outside roughly [-8, 8+q], and Simpson's rule
// on a fine grid is accurate to far beyond reporting precision.
func studentizedRangeCDF(q float64, k int) float64 {
	if q <= 0 {
		return 0
	}
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	lo, hi := -8.0, 8.0+q
	const steps = 4000 // even
	h := (hi - lo) / steps

	f := func(z float64) float64 {
		inner := norm.CDF(z) - norm.CDF(z-q)
		if inner <= 0 {
			return 0
		}
		return norm.Prob(z) * math.Pow(inner, float64(k-1))
	}

	sum := f(lo) + f(hi)
	for i := 1; i < steps; i++ {
		z := lo + float64(i)*h
		if i%2 == 1 {
			sum += 4 * f(z)
		} else {
			sum += 2 * f(z)
		}
	}
	return float64(k) * sum * h / 3
}
