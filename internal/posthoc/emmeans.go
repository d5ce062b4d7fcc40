// Package posthoc computes the comparisons and predictions that follow model
// selection: estimated marginal means per treatment, Tukey-adjusted pairwise
// contrasts on the link scale, and a response-scale prediction grid over
// treatment, date, and species.
package posthoc

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dgray-lab/pollcount/internal/model"
	"github.com/dgray-lab/pollcount/internal/table"
)

// z95 is the two-sided 95% normal quantile used for Wald intervals.
const z95 = 1.959963984540054

// EMM is one factor level's estimated marginal mean.
type EMM struct {
	Level    string
	Link     float64 // marginal mean on the link (log) scale
	LinkSE   float64
	Response float64 // back-transformed mean count
	Lower    float64 // response-scale 95% CI
	Upper    float64

	row []float64 // averaged design row, kept for contrasts
}

// EMMResult holds the marginal means of one factor.
type EMMResult struct {
	Factor string
	Means  []EMM
}

// EMMeans computes the marginal mean for every level of f: the linear
// predictor is evaluated with the covariates in at held fixed and, when
// averageOver is non-nil, averaged over that factor's levels with equal
// weight. For the log link the back-transform is exp.
func EMMeans(p model.Predictor, f table.Factor, at map[string]string, averageOver *table.Factor) (*EMMResult, error) {
	d := p.DesignInfo()
	res := &EMMResult{Factor: f.Name}

	overLevels := []string{""}
	if averageOver != nil {
		overLevels = averageOver.Levels
	}

	for _, lv := range f.Levels {
		avg := make([]float64, d.NumColumns())
		for _, ov := range overLevels {
			cells := make(map[string]string, len(at)+2)
			for k, v := range at {
				cells[k] = v
			}
			cells[f.Name] = lv
			if averageOver != nil {
				cells[averageOver.Name] = ov
			}
			row, err := d.EncodeRow(cells)
			if err != nil {
				return nil, fmt.Errorf("emmeans level %q: %w", lv, err)
			}
			for j := range row {
				avg[j] += row[j] / float64(len(overLevels))
			}
		}

		est, se := p.PredictSE(avg)
		res.Means = append(res.Means, EMM{
			Level:    lv,
			Link:     est,
			LinkSE:   se,
			Response: math.Exp(est),
			Lower:    math.Exp(est - z95*se),
			Upper:    math.Exp(est + z95*se),
			row:      avg,
		})
	}
	return res, nil
}

// Contrast is one pairwise difference between factor levels, reported on
// both the link scale (difference) and the response scale (rate ratio), with
// a Tukey-adjusted p-value for the family of all pairs.
type Contrast struct {
	A, B     string
	Estimate float64 // link-scale difference A - B
	StdErr   float64
	Z        float64
	Ratio    float64 // exp(Estimate): multiplicative effect on counts
	RatioLo  float64
	RatioHi  float64
	P        float64 // Tukey-adjusted
	PRaw     float64 // unadjusted two-sided normal p
}

// Pairwise computes all level pairs of the marginal means with Tukey
// multiplicity adjustment over the family.
func Pairwise(p model.Predictor, emm *EMMResult) []Contrast {
	k := len(emm.Means)
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	var out []Contrast
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			a, b := emm.Means[i], emm.Means[j]
			diff := make([]float64, len(a.row))
			for c := range diff {
				diff[c] = a.row[c] - b.row[c]
			}
			est, se := p.PredictSE(diff)
			z := est / se
			out = append(out, Contrast{
				A:        a.Level,
				B:        b.Level,
				Estimate: est,
				StdErr:   se,
				Z:        z,
				Ratio:    math.Exp(est),
				RatioLo:  math.Exp(est - z95*se),
				RatioHi:  math.Exp(est + z95*se),
				P:        TukeyP(z, k),
				PRaw:     2 * norm.Survival(math.Abs(z)),
			})
		}
	}
	return out
}
