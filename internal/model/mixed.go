package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dgray-lab/pollcount/internal/table"
	"github.com/dgray-lab/pollcount/pkg/types"
)

// Mixed-model control parameters.
const (
	maxPIRLSIter = 50
	pirlsTol     = 1e-8
	// Search bounds for log(sigma^2) in the outer profile optimization.
	logSigma2Lo = -12
	logSigma2Hi = 6
	goldenTol   = 1e-6
	// An optimum this close to a search bound means the variance component
	// ran away (to zero or infinity) and the fit is reported as
	// non-converged.
	boundaryMargin = 1e-3
)

// MixedFit holds a Poisson model with a random intercept per group, fit by
// Laplace approximation: the random effects are profiled out by penalized
// IRLS and the variance component by a one-dimensional search.
type MixedFit struct {
	Design *Design
	Group  table.Factor

	Coefs  []Coefficient
	Sigma2 float64            // variance of the random intercepts
	BLUPs  map[string]float64 // conditional modes per group level

	Eta, Mu  []float64
	LogLik   float64 // Laplace-approximated marginal log-likelihood
	Deviance float64 // conditional deviance at the conditional modes
	AIC      float64
	BIC      float64

	Converged  bool
	Iterations int
	Message    string

	cov    *mat.SymDense // covariance of the fixed effects
	estIdx []int
}

// FitPoissonMixed fits the design's response on its fixed effects plus a
// random intercept per level of group, with a log link. group must name a
// column of data. On non-convergence the returned fit still carries
// estimates but Converged is false and the caller is expected to fall back
// to the fixed-effects model.
func FitPoissonMixed(data table.Table, d *Design, group table.Factor) (*MixedFit, error) {
	n := len(d.Y)
	if n == 0 {
		return nil, fmt.Errorf("fit mixed poisson: %w", types.ErrNoObservations)
	}

	// Random-effects incidence matrix: one indicator column per group level.
	groupIdx := make([]int, n)
	cells, err := data.Column(group.Name)
	if err != nil {
		return nil, fmt.Errorf("fit mixed poisson: %w", err)
	}
	for i, v := range cells {
		k := group.Index(v)
		if k < 0 {
			return nil, fmt.Errorf("fit mixed poisson: %w: %q", types.ErrLevelUnknown, v)
		}
		groupIdx[i] = k
	}

	aliased := aliasedColumns(d.X)
	var estIdx []int
	for j := 0; j < d.NumColumns(); j++ {
		if !aliased[j] {
			estIdx = append(estIdx, j)
		}
	}
	xe := subColumns(d.X, estIdx)
	q := group.NumLevels()

	// Profile the Laplace log-likelihood over log(sigma^2) with a
	// golden-section search.
	profile := func(logS2 float64) (float64, *pirlsState) {
		st, ok := pirls(xe, d.Y, groupIdx, q, math.Exp(logS2))
		if !ok {
			return math.Inf(-1), st
		}
		return laplaceLogLik(st, d.Y, math.Exp(logS2)), st
	}

	bestLog, bestLL, bestState := goldenSection(profile, logSigma2Lo, logSigma2Hi)
	sigma2 := math.Exp(bestLog)

	fit := &MixedFit{
		Design: d,
		Group:  group,
		Sigma2: sigma2,
		estIdx: estIdx,
	}
	if bestState == nil {
		fit.Message = "penalized IRLS failed at every variance candidate"
		return fit, nil
	}

	fit.Eta = bestState.eta
	fit.Mu = bestState.mu
	fit.Iterations = bestState.iter
	fit.Deviance = poissonDeviance(d.Y, bestState.mu)
	fit.LogLik = bestLL

	nParam := len(estIdx) + 1 // fixed effects + variance component
	fit.AIC = -2*bestLL + 2*float64(nParam)
	fit.BIC = -2*bestLL + float64(nParam)*math.Log(float64(n))

	fit.BLUPs = make(map[string]float64, q)
	for k, lv := range group.Levels {
		fit.BLUPs[lv] = bestState.b[k]
	}

	// Fixed-effect covariance: Schur complement of the random block in the
	// joint penalized Hessian.
	cov, covErr := fixedCovariance(xe, bestState.mu, groupIdx, q, sigma2)
	if covErr != nil {
		fit.Message = fmt.Sprintf("fixed-effect covariance: %v", covErr)
		return fit, nil
	}
	fit.cov = cov

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	p := d.NumColumns()
	fit.Coefs = make([]Coefficient, p)
	for j := 0; j < p; j++ {
		fit.Coefs[j] = Coefficient{Name: d.ColNames[j], Aliased: true,
			Estimate: math.NaN(), StdErr: math.NaN(), Z: math.NaN(), P: math.NaN()}
	}
	for k, j := range estIdx {
		se := math.Sqrt(cov.At(k, k))
		z := bestState.beta[k] / se
		fit.Coefs[j] = Coefficient{
			Name:     d.ColNames[j],
			Estimate: bestState.beta[k],
			StdErr:   se,
			Z:        z,
			P:        2 * norm.Survival(math.Abs(z)),
		}
	}

	switch {
	case !bestState.converged:
		fit.Message = "penalized IRLS did not converge at the selected variance"
	case bestLog-logSigma2Lo < boundaryMargin:
		fit.Message = "variance component collapsed to zero"
	case logSigma2Hi-bestLog < boundaryMargin:
		fit.Message = "variance component diverged"
	default:
		fit.Converged = true
	}
	return fit, nil
}

// pirlsState is the inner-loop result at a fixed variance.
type pirlsState struct {
	beta      []float64
	b         []float64
	eta, mu   []float64
	groupIdx  []int
	iter      int
	converged bool
}

// pirls maximizes the joint penalized log-likelihood over (beta, b) at fixed
// sigma2 by iteratively reweighted least squares on the augmented system
// [X Z] with ridge penalty 1/sigma2 on the b block.
func pirls(x *mat.Dense, y []float64, groupIdx []int, q int, sigma2 float64) (*pirlsState, bool) {
	n, p := x.Dims()
	dim := p + q

	st := &pirlsState{
		beta:     make([]float64, p),
		b:        make([]float64, q),
		eta:      make([]float64, n),
		mu:       make([]float64, n),
		groupIdx: groupIdx,
	}
	for i := range y {
		st.mu[i] = y[i] + 0.5
		st.eta[i] = math.Log(st.mu[i])
	}
	pen := penalizedObjective(y, st.mu, st.b, sigma2)

	w := make([]float64, n)
	z := make([]float64, n)
	for st.iter = 1; st.iter <= maxPIRLSIter; st.iter++ {
		for i := range y {
			w[i] = st.mu[i]
			z[i] = st.eta[i] + (y[i]-st.mu[i])/st.mu[i]
		}

		// Normal equations for the augmented system, b block penalized.
		a := mat.NewSymDense(dim, nil)
		rhs := make([]float64, dim)
		for i := 0; i < n; i++ {
			g := p + groupIdx[i]
			for j := 0; j < p; j++ {
				rhs[j] += x.At(i, j) * w[i] * z[i]
				for k := j; k < p; k++ {
					a.SetSym(j, k, a.At(j, k)+x.At(i, j)*w[i]*x.At(i, k))
				}
				a.SetSym(j, g, a.At(j, g)+x.At(i, j)*w[i])
			}
			a.SetSym(g, g, a.At(g, g)+w[i])
			rhs[g] += w[i] * z[i]
		}
		for k := 0; k < q; k++ {
			g := p + k
			a.SetSym(g, g, a.At(g, g)+1/sigma2)
		}

		var chol mat.Cholesky
		if !chol.Factorize(a) {
			return st, false
		}
		var sol mat.VecDense
		if err := chol.SolveVecTo(&sol, mat.NewVecDense(dim, rhs)); err != nil {
			return st, false
		}
		for j := 0; j < p; j++ {
			st.beta[j] = sol.AtVec(j)
		}
		for k := 0; k < q; k++ {
			st.b[k] = sol.AtVec(p + k)
		}

		for i := 0; i < n; i++ {
			e := st.b[groupIdx[i]]
			for j := 0; j < p; j++ {
				e += x.At(i, j) * st.beta[j]
			}
			st.eta[i] = clamp(e, -etaCap, etaCap)
			st.mu[i] = math.Exp(st.eta[i])
		}

		penNew := penalizedObjective(y, st.mu, st.b, sigma2)
		if math.Abs(penNew-pen)/(math.Abs(penNew)+0.1) < pirlsTol {
			st.converged = true
			return st, true
		}
		pen = penNew
	}
	return st, true
}

// penalizedObjective is the joint log-likelihood minus the ridge penalty.
func penalizedObjective(y, mu, b []float64, sigma2 float64) float64 {
	obj := poissonLogLik(y, mu)
	for _, v := range b {
		obj -= v * v / (2 * sigma2)
	}
	return obj
}

// laplaceLogLik evaluates the Laplace approximation to the marginal
// log-likelihood at the conditional modes: joint log density minus half the
// log determinant of the b-block Hessian, with the Gaussian normalizing
// constants folded in.
func laplaceLogLik(st *pirlsState, y []float64, sigma2 float64) float64 {
	q := len(st.b)

	joint := poissonLogLik(y, st.mu)
	for _, v := range st.b {
		joint -= v*v/(2*sigma2) + 0.5*math.Log(2*math.Pi*sigma2)
	}

	// b-block Hessian is diagonal here: sum of mu within each group plus
	// the prior precision.
	hdiag := make([]float64, q)
	for k := range hdiag {
		hdiag[k] = 1 / sigma2
	}
	for i := range st.mu {
		hdiag[st.groupIdx[i]] += st.mu[i]
	}
	logDet := 0.0
	for _, h := range hdiag {
		logDet += math.Log(h)
	}
	return joint + 0.5*float64(q)*math.Log(2*math.Pi) - 0.5*logDet
}

// goldenSection maximizes f over [lo, hi] and returns the argmax, the value,
// and the inner state at the optimum.
func goldenSection(f func(float64) (float64, *pirlsState), lo, hi float64) (float64, float64, *pirlsState) {
	const phi = 0.6180339887498949

	a, b := lo, hi
	x1 := b - phi*(b-a)
	x2 := a + phi*(b-a)
	f1, s1 := f(x1)
	f2, s2 := f(x2)

	for b-a > goldenTol {
		if f1 < f2 {
			a, x1, f1, s1 = x1, x2, f2, s2
			x2 = a + phi*(b-a)
			f2, s2 = f(x2)
		} else {
			b, x2, f2, s2 = x2, x1, f1, s1
			x1 = b - phi*(b-a)
			f1, s1 = f(x1)
		}
	}
	if f1 >= f2 {
		return x1, f1, s1
	}
	return x2, f2, s2
}

// fixedCovariance inverts the fixed-effect block of the joint penalized
// Hessian via its Schur complement.
func fixedCovariance(x *mat.Dense, mu []float64, groupIdx []int, q int, sigma2 float64) (*mat.SymDense, error) {
	n, p := x.Dims()

	xtwx := weightedCross(x, mu)

	// X'WZ is n-free: accumulate per group.
	xtwz := mat.NewDense(p, q, nil)
	zdiag := make([]float64, q)
	for k := range zdiag {
		zdiag[k] = 1 / sigma2
	}
	for i := 0; i < n; i++ {
		g := groupIdx[i]
		zdiag[g] += mu[i]
		for j := 0; j < p; j++ {
			xtwz.Set(j, g, xtwz.At(j, g)+x.At(i, j)*mu[i])
		}
	}

	// Schur complement: X'WX - X'WZ (Z'WZ + I/sigma2)^-1 Z'WX.
	schur := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			s := xtwx.At(a, b)
			for k := 0; k < q; k++ {
				s -= xtwz.At(a, k) * xtwz.At(b, k) / zdiag[k]
			}
			schur.SetSym(a, b, s)
		}
	}

	var cov mat.SymDense
	if err := invertSym(schur, &cov); err != nil {
		return nil, err
	}
	return &cov, nil
}

// CoefVector mirrors Fit.CoefVector for the shared prediction path.
func (f *MixedFit) CoefVector() []float64 {
	out := make([]float64, len(f.Coefs))
	for j, c := range f.Coefs {
		if !c.Aliased {
			out[j] = c.Estimate
		}
	}
	return out
}

// PredictSE returns the marginal linear prediction (random intercept at its
// mean of zero) and its standard error for a coded design row.
func (f *MixedFit) PredictSE(row []float64) (est, se float64) {
	for _, j := range f.estIdx {
		est += row[j] * f.Coefs[j].Estimate
	}
	v := 0.0
	for a, ja := range f.estIdx {
		for b, jb := range f.estIdx {
			v += row[ja] * f.cov.At(a, b) * row[jb]
		}
	}
	return est, math.Sqrt(v)
}

// DesignInfo returns the fixed-effects design the model was fit to.
func (f *MixedFit) DesignInfo() *Design { return f.Design }
