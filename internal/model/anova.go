package model

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// AnovaRow is one term's contribution in a deviance decomposition.
type AnovaRow struct {
	Term   string
	ChiSq  float64 // likelihood-ratio chi-square (deviance difference)
	DF     int     // rank difference between the compared fits
	P      float64
}

// AnovaTable is a complete decomposition for one model.
type AnovaTable struct {
	Kind string // "Type III" or "Sequential"
	Rows []AnovaRow
	// ResidualDeviance and NullDeviance come from the full model and anchor
	// the reconciliation property of the sequential decomposition.
	ResidualDeviance float64
	NullDeviance     float64
}

// TypeIII computes a Type III analysis of deviance: each term's chi-square
// is the deviance increase from refitting the model with that term's columns
// removed while every other term stays in. The design must use sum-to-zero
// contrasts; reference coding makes the removed subspace depend on the
// baseline choice and yields misleading attributions.
func TypeIII(full *Fit) (*AnovaTable, error) {
	tbl := &AnovaTable{
		Kind:             "Type III",
		ResidualDeviance: full.Deviance,
		NullDeviance:     full.NullDeviance,
	}
	chisq := func(df int) distuv.ChiSquared {
		return distuv.ChiSquared{K: float64(df)}
	}

	for _, t := range full.Design.Spec.Terms {
		reduced, err := full.Design.WithoutTerm(t.Name)
		if err != nil {
			return nil, fmt.Errorf("type III: %w", err)
		}
		rfit, err := FitPoisson(reduced)
		if err != nil {
			return nil, fmt.Errorf("type III refit without %q: %w", t.Name, err)
		}
		df := full.Rank - rfit.Rank
		row := AnovaRow{Term: t.Name, ChiSq: rfit.Deviance - full.Deviance, DF: df}
		if df > 0 {
			row.P = chisq(df).Survival(row.ChiSq)
		} else {
			// Term fully aliased in this data: nothing to test.
			row.P = 1
		}
		tbl.Rows = append(tbl.Rows, row)
	}
	return tbl, nil
}

// Sequential computes the Type I analysis of deviance: terms are added in
// specification order and each row is the deviance drop relative to the
// previous fit. By construction the chi-squares telescope, so their sum
// equals null deviance minus residual deviance exactly.
func Sequential(full *Fit) (*AnovaTable, error) {
	tbl := &AnovaTable{
		Kind:             "Sequential",
		ResidualDeviance: full.Deviance,
		NullDeviance:     full.NullDeviance,
	}

	spec := full.Design.Spec
	prevDev := full.NullDeviance
	prevRank := 1
	chisq := func(df int) distuv.ChiSquared {
		return distuv.ChiSquared{K: float64(df)}
	}

	for i := range spec.Terms {
		// Refit with the first i+1 terms. The final step reuses the full fit
		// so the telescoped sum lands on its residual deviance.
		var dev float64
		var rank int
		if i == len(spec.Terms)-1 {
			dev, rank = full.Deviance, full.Rank
		} else {
			d := *full.Design
			// Drop trailing terms one at a time to keep column bookkeeping.
			sub := &d
			var err error
			for j := len(spec.Terms) - 1; j > i; j-- {
				sub, err = sub.WithoutTerm(spec.Terms[j].Name)
				if err != nil {
					return nil, fmt.Errorf("sequential: %w", err)
				}
			}
			fit, err := FitPoisson(sub)
			if err != nil {
				return nil, fmt.Errorf("sequential refit through %q: %w", spec.Terms[i].Name, err)
			}
			dev, rank = fit.Deviance, fit.Rank
		}

		df := rank - prevRank
		row := AnovaRow{Term: spec.Terms[i].Name, ChiSq: prevDev - dev, DF: df}
		if df > 0 {
			row.P = chisq(df).Survival(row.ChiSq)
		} else {
			row.P = 1
		}
		tbl.Rows = append(tbl.Rows, row)
		prevDev, prevRank = dev, rank
	}
	return tbl, nil
}

// ExplainedDeviance sums the per-term chi-squares of the table.
func (t *AnovaTable) ExplainedDeviance() float64 {
	s := 0.0
	for _, r := range t.Rows {
		s += r.ChiSq
	}
	return s
}
