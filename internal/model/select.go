package model

import (
	"fmt"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// Predictor is the contract the post-hoc and prediction stages need from a
// fitted model: a coefficient vector over the design columns and a linear
// prediction with standard error for a coded row.
type Predictor interface {
	CoefVector() []float64
	PredictSE(row []float64) (est, se float64)
	DesignInfo() *Design
}

// Candidates are the models the pipeline fits, in preference order.
type Candidates struct {
	Mixed            *MixedFit // Treatment*Date + (1 | Block)
	FixedBlock       *Fit      // Treatment*Date + Block
	BlockInteraction *Fit      // Treatment*Date + Treatment:Block
}

// Selection is the explicit outcome of model selection. Exactly one model is
// designated final; the post-hoc stages consume it through the Predictor
// interface and never reach for an ambient binding.
type Selection struct {
	Name     string
	Reason   string
	Model    Predictor
	FellBack bool // mixed model was fit but rejected for non-convergence

	// Advisory overdispersion check on the fixed-block fit.
	Dispersion    float64
	Overdispersed bool
}

// Select designates the final model: the mixed model when it converged,
// otherwise the fixed-block GLM, recording that the fallback occurred.
// Returns ErrNoFinalModel when no usable candidate exists. The dispersion of
// the fixed-block fit is carried along as an advisory signal; a ratio above
// threshold suggests a negative-binomial alternative but never changes the
// selection automatically.
func Select(c Candidates, threshold float64) (*Selection, error) {
	sel := &Selection{}
	if c.FixedBlock != nil {
		sel.Dispersion = Dispersion(c.FixedBlock)
		sel.Overdispersed = sel.Dispersion > threshold
	}

	switch {
	case c.Mixed != nil && c.Mixed.Converged:
		sel.Name = "poisson-mixed"
		sel.Reason = "mixed-effects fit converged; block modeled as a random intercept"
		sel.Model = c.Mixed
	case c.FixedBlock != nil && c.FixedBlock.Converged:
		sel.Name = "poisson-fixed-block"
		sel.Model = c.FixedBlock
		if c.Mixed != nil {
			sel.FellBack = true
			sel.Reason = fmt.Sprintf("mixed-effects fit did not converge (%s); fell back to fixed block effects", c.Mixed.Message)
		} else {
			sel.Reason = "fixed block effects; no mixed model was fit"
		}
	default:
		return nil, fmt.Errorf("select model: %w", types.ErrNoFinalModel)
	}
	return sel, nil
}
