package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// IRLS control parameters, matching the usual GLM defaults.
const (
	maxIRLSIter = 25
	irlsTol     = 1e-8
	// etaCap keeps exp(eta) finite while the working model overshoots.
	etaCap = 30
	// aliasTol is the relative column-norm threshold below which a model
	// column is treated as linearly dependent on its predecessors.
	aliasTol = 1e-8
)

// Coefficient is one row of a model summary. Aliased coefficients come from
// rank-deficient designs (empty factor cells) and carry NaN estimates.
type Coefficient struct {
	Name     string
	Estimate float64
	StdErr   float64
	Z        float64
	P        float64
	Aliased  bool
}

// Fit holds a fitted Poisson GLM.
type Fit struct {
	Design *Design
	Coefs  []Coefficient

	Eta, Mu []float64

	NullDeviance float64
	Deviance     float64
	DFNull       int
	DFResidual   int
	LogLik       float64
	AIC          float64
	BIC          float64
	Rank         int

	PearsonResiduals  []float64
	DevianceResiduals []float64
	Hat               []float64

	Converged  bool
	Iterations int

	// cov is the covariance of the estimable coefficients, indexed by
	// position among non-aliased columns.
	cov     *mat.SymDense
	aliased []bool
	estIdx  []int // non-aliased column indices into the design
}

// FitPoisson fits a log-link Poisson regression by iteratively reweighted
// least squares. Aliased columns are detected up front and excluded from the
// solve; their coefficients are reported as not estimable rather than
// failing the fit.
func FitPoisson(d *Design) (*Fit, error) {
	n, p := len(d.Y), d.NumColumns()
	if n == 0 {
		return nil, fmt.Errorf("fit poisson: %w", types.ErrNoObservations)
	}
	for i, y := range d.Y {
		if y < 0 {
			return nil, fmt.Errorf("fit poisson: %w: negative count at row %d", types.ErrParse, i+1)
		}
	}

	aliased := aliasedColumns(d.X)
	var estIdx []int
	for j := 0; j < p; j++ {
		if !aliased[j] {
			estIdx = append(estIdx, j)
		}
	}
	if len(estIdx) == 0 {
		return nil, fmt.Errorf("fit poisson: %w", types.ErrSingularFit)
	}
	xe := subColumns(d.X, estIdx)

	beta, eta, mu, dev, iter, converged, err := irlsPoisson(xe, d.Y)
	if err != nil {
		return nil, err
	}

	// Covariance at convergence: inverse of X'WX with W = diag(mu).
	xtwx := weightedCross(xe, mu)
	var cov mat.SymDense
	if err := invertSym(xtwx, &cov); err != nil {
		return nil, fmt.Errorf("fit poisson: %w: %v", types.ErrSingularFit, err)
	}

	fit := &Fit{
		Design:     d,
		Eta:        eta,
		Mu:         mu,
		Deviance:   dev,
		DFNull:     n - 1,
		DFResidual: n - len(estIdx),
		Rank:       len(estIdx),
		Converged:  converged,
		Iterations: iter,
		cov:        &cov,
		aliased:    aliased,
		estIdx:     estIdx,
	}

	fit.NullDeviance = nullDeviance(d.Y)
	fit.LogLik = poissonLogLik(d.Y, mu)
	fit.AIC = -2*fit.LogLik + 2*float64(fit.Rank)
	fit.BIC = -2*fit.LogLik + float64(fit.Rank)*math.Log(float64(n))

	fit.PearsonResiduals = make([]float64, n)
	fit.DevianceResiduals = make([]float64, n)
	for i := range d.Y {
		fit.PearsonResiduals[i] = (d.Y[i] - mu[i]) / math.Sqrt(mu[i])
		fit.DevianceResiduals[i] = devianceResidual(d.Y[i], mu[i])
	}
	fit.Hat = hatValues(xe, mu, &cov)

	// Assemble the full coefficient table, NaN for aliased columns.
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	fit.Coefs = make([]Coefficient, p)
	for j := 0; j < p; j++ {
		fit.Coefs[j] = Coefficient{Name: d.ColNames[j], Aliased: true,
			Estimate: math.NaN(), StdErr: math.NaN(), Z: math.NaN(), P: math.NaN()}
	}
	for k, j := range estIdx {
		se := math.Sqrt(cov.At(k, k))
		z := beta[k] / se
		fit.Coefs[j] = Coefficient{
			Name:     d.ColNames[j],
			Estimate: beta[k],
			StdErr:   se,
			Z:        z,
			P:        2 * norm.Survival(math.Abs(z)),
			Aliased:  false,
		}
	}
	return fit, nil
}

// irlsPoisson runs the IRLS loop on a full-rank model matrix.
func irlsPoisson(x *mat.Dense, y []float64) (beta, eta, mu []float64, dev float64, iter int, converged bool, err error) {
	n, p := x.Dims()
	eta = make([]float64, n)
	mu = make([]float64, n)
	for i := range y {
		// Standard starting value: shrink y away from zero.
		mu[i] = y[i] + 0.5
		eta[i] = math.Log(mu[i])
	}
	dev = poissonDeviance(y, mu)

	beta = make([]float64, p)
	w := make([]float64, n)
	z := make([]float64, n)

	for iter = 1; iter <= maxIRLSIter; iter++ {
		for i := range y {
			w[i] = mu[i]
			z[i] = eta[i] + (y[i]-mu[i])/mu[i]
		}
		b, solveErr := solveWeightedLS(x, w, z)
		if solveErr != nil {
			return nil, nil, nil, 0, iter, false,
				fmt.Errorf("irls iteration %d: %w: %v", iter, types.ErrSingularFit, solveErr)
		}
		beta = b

		for i := 0; i < n; i++ {
			e := 0.0
			for j := 0; j < p; j++ {
				e += x.At(i, j) * beta[j]
			}
			eta[i] = clamp(e, -etaCap, etaCap)
			mu[i] = math.Exp(eta[i])
		}

		devNew := poissonDeviance(y, mu)
		if math.Abs(devNew-dev)/(math.Abs(devNew)+0.1) < irlsTol {
			return beta, eta, mu, devNew, iter, true, nil
		}
		dev = devNew
	}
	return beta, eta, mu, dev, maxIRLSIter, false, nil
}

// Dispersion returns the Pearson chi-square statistic divided by the
// residual degrees of freedom. Values materially above 1 signal
// overdispersion relative to the Poisson assumption.
func Dispersion(f *Fit) float64 {
	if f.DFResidual <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, r := range f.PearsonResiduals {
		sum += r * r
	}
	return sum / float64(f.DFResidual)
}

// CoefVector returns the coefficient estimates over all design columns with
// aliased entries as zero, suitable for forming linear predictions.
func (f *Fit) CoefVector() []float64 {
	out := make([]float64, len(f.Coefs))
	for j, c := range f.Coefs {
		if !c.Aliased {
			out[j] = c.Estimate
		}
	}
	return out
}

// PredictSE returns the linear prediction x'beta and its standard error for
// a coded design row. Aliased columns contribute nothing to either.
func (f *Fit) PredictSE(row []float64) (est, se float64) {
	for _, j := range f.estIdx {
		est += row[j] * f.Coefs[j].Estimate
	}
	// se^2 = x_e' V x_e over estimable columns.
	v := 0.0
	for a, ja := range f.estIdx {
		for b, jb := range f.estIdx {
			v += row[ja] * f.cov.At(a, b) * row[jb]
		}
	}
	return est, math.Sqrt(v)
}

// DesignInfo returns the design the model was fit to.
func (f *Fit) DesignInfo() *Design { return f.Design }

// AliasedCount reports how many coefficients were not estimable.
func (f *Fit) AliasedCount() int {
	n := 0
	for _, c := range f.Coefs {
		if c.Aliased {
			n++
		}
	}
	return n
}

// poissonDeviance is 2*sum(y*log(y/mu) - (y - mu)), with the y=0 limit.
func poissonDeviance(y, mu []float64) float64 {
	d := 0.0
	for i := range y {
		if y[i] > 0 {
			d += y[i]*math.Log(y[i]/mu[i]) - (y[i] - mu[i])
		} else {
			d += mu[i]
		}
	}
	return 2 * d
}

// nullDeviance is the deviance of the intercept-only model, whose MLE is the
// sample mean.
func nullDeviance(y []float64) float64 {
	sum := 0.0
	for _, v := range y {
		sum += v
	}
	mean := sum / float64(len(y))
	mu := make([]float64, len(y))
	for i := range mu {
		mu[i] = mean
	}
	return poissonDeviance(y, mu)
}

func poissonLogLik(y, mu []float64) float64 {
	ll := 0.0
	for i := range y {
		lg, _ := math.Lgamma(y[i] + 1)
		ll += y[i]*math.Log(mu[i]) - mu[i] - lg
	}
	return ll
}

func devianceResidual(y, mu float64) float64 {
	var d float64
	if y > 0 {
		d = y*math.Log(y/mu) - (y - mu)
	} else {
		d = mu
	}
	r := math.Sqrt(2 * math.Max(d, 0))
	if y < mu {
		return -r
	}
	return r
}

// aliasedColumns flags columns of x that are (numerically) linear
// combinations of earlier columns, by Gram-Schmidt against an orthogonal
// basis of the columns kept so far.
func aliasedColumns(x *mat.Dense) []bool {
	n, p := x.Dims()
	aliased := make([]bool, p)
	var basis [][]float64

	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		orig := math.Sqrt(dot(col, col))
		if orig == 0 {
			aliased[j] = true
			continue
		}
		v := append([]float64(nil), col...)
		for _, b := range basis {
			proj := dot(v, b)
			for i := range v {
				v[i] -= proj * b[i]
			}
		}
		norm := math.Sqrt(dot(v, v))
		if norm < aliasTol*orig {
			aliased[j] = true
			continue
		}
		for i := range v {
			v[i] /= norm
		}
		basis = append(basis, v)
	}
	return aliased
}

// subColumns extracts the given columns of x into a new matrix.
func subColumns(x *mat.Dense, cols []int) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, len(cols), nil)
	for i := 0; i < n; i++ {
		for k, j := range cols {
			out.Set(i, k, x.At(i, j))
		}
	}
	return out
}

// solveWeightedLS solves min_b sum_i w_i (z_i - x_i'b)^2 via the normal
// equations with a Cholesky factorization.
func solveWeightedLS(x *mat.Dense, w, z []float64) ([]float64, error) {
	_, p := x.Dims()
	xtwx := weightedCross(x, w)

	b := make([]float64, p)
	for j := 0; j < p; j++ {
		s := 0.0
		for i := range z {
			s += x.At(i, j) * w[i] * z[i]
		}
		b[j] = s
	}

	var chol mat.Cholesky
	if !chol.Factorize(xtwx) {
		return nil, fmt.Errorf("normal equations not positive definite")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, mat.NewVecDense(p, b)); err != nil {
		return nil, err
	}
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = sol.AtVec(j)
	}
	return out, nil
}

// weightedCross computes X'WX for diagonal weights w.
func weightedCross(x *mat.Dense, w []float64) *mat.SymDense {
	n, p := x.Dims()
	out := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			s := 0.0
			for i := 0; i < n; i++ {
				s += x.At(i, a) * w[i] * x.At(i, b)
			}
			out.SetSym(a, b, s)
		}
	}
	return out
}

// invertSym inverts a symmetric positive definite matrix via Cholesky.
func invertSym(s *mat.SymDense, dst *mat.SymDense) error {
	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return fmt.Errorf("matrix not positive definite")
	}
	return chol.InverseTo(dst)
}

// hatValues returns the diagonal of W^1/2 X (X'WX)^-1 X' W^1/2.
func hatValues(x *mat.Dense, w []float64, cov *mat.SymDense) []float64 {
	n, p := x.Dims()
	h := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				s += x.At(i, a) * cov.At(a, b) * x.At(i, b)
			}
		}
		h[i] = w[i] * s
	}
	return h
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
