// Package model fits Poisson regression models to cleaned count tables:
// fixed-effects GLMs by iteratively reweighted least squares, a
// random-intercept mixed model by Laplace approximation, likelihood-ratio
// ANOVA decompositions, and the explicit model-selection step the post-hoc
// stages consume.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/dgray-lab/pollcount/internal/table"
	"github.com/dgray-lab/pollcount/pkg/types"
)

// Contrasts selects the coding used for categorical terms.
//
// Treatment coding drops the reference level and reads each coefficient as a
// difference from it; sum-to-zero coding constrains level effects to sum to
// zero, which is the coding Type III decompositions require.
type Contrasts int

const (
	TreatmentContrasts Contrasts = iota
	SumContrasts
)

// Component is one piece of a model term: either a categorical factor or a
// numeric covariate column.
type Component struct {
	Factor  *table.Factor // nil for a numeric component
	Numeric string        // column name when Factor is nil
}

// Term is a named main effect or interaction in the linear predictor.
type Term struct {
	Name       string
	Components []Component
}

// FactorTerm builds a main-effect term for a categorical factor.
func FactorTerm(f table.Factor) Term {
	return Term{Name: f.Name, Components: []Component{{Factor: &f}}}
}

// NumericTerm builds a main-effect term for a numeric covariate.
func NumericTerm(col string) Term {
	return Term{Name: col, Components: []Component{{Numeric: col}}}
}

// Interaction builds the product term of the given components.
func Interaction(name string, comps ...Component) Term {
	return Term{Name: name, Components: comps}
}

// Spec names the response column and the ordered terms of a model.
type Spec struct {
	Response  string
	Terms     []Term
	Contrasts Contrasts
}

// Design is a realized model matrix: the response vector, the coded columns,
// and enough term metadata to encode new rows for prediction and to drop
// whole terms for ANOVA refits.
type Design struct {
	Spec     Spec
	Y        []float64
	X        *mat.Dense
	ColNames []string
	// TermCols maps a term name to the indices of its columns in X.
	// Column 0 is always the intercept and belongs to no term.
	TermCols map[string][]int
}

// NewDesign encodes data into a model matrix for spec. The response column
// must parse as numbers; categorical cells must match a factor level.
func NewDesign(data table.Table, spec Spec) (*Design, error) {
	if data.NumRows() == 0 {
		return nil, fmt.Errorf("build design: %w", types.ErrNoObservations)
	}
	y, err := data.Floats(spec.Response)
	if err != nil {
		return nil, fmt.Errorf("response %q: %w", spec.Response, err)
	}

	d := &Design{
		Spec:     spec,
		Y:        y,
		TermCols: make(map[string][]int),
		ColNames: []string{"(Intercept)"},
	}
	for _, t := range spec.Terms {
		names := termColumnNames(t, spec.Contrasts)
		start := len(d.ColNames)
		for i := range names {
			d.TermCols[t.Name] = append(d.TermCols[t.Name], start+i)
		}
		d.ColNames = append(d.ColNames, names...)
	}

	n, p := data.NumRows(), len(d.ColNames)
	x := mat.NewDense(n, p, nil)
	for r := 0; r < n; r++ {
		row, err := d.encodeRow(func(col string) (string, error) {
			return data.Cell(r, col)
		})
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r+1, err)
		}
		x.SetRow(r, row)
	}
	d.X = x
	return d, nil
}

// EncodeRow codes a single hypothetical observation (for prediction) using
// the design's terms and contrasts. cells maps column name to value; numeric
// covariates are given as formatted numbers or via the same map.
func (d *Design) EncodeRow(cells map[string]string) ([]float64, error) {
	return d.encodeRow(func(col string) (string, error) {
		v, ok := cells[col]
		if !ok {
			return "", fmt.Errorf("%w: %q", types.ErrColumnUnknown, col)
		}
		return v, nil
	})
}

func (d *Design) encodeRow(cell func(col string) (string, error)) ([]float64, error) {
	row := make([]float64, len(d.ColNames))
	row[0] = 1 // intercept
	pos := 1
	for _, t := range d.Spec.Terms {
		codes, err := termCodes(t, d.Spec.Contrasts, cell)
		if err != nil {
			return nil, fmt.Errorf("term %q: %w", t.Name, err)
		}
		copy(row[pos:], codes)
		pos += len(codes)
	}
	return row, nil
}

// NumColumns returns the number of model-matrix columns including intercept.
func (d *Design) NumColumns() int {
	return len(d.ColNames)
}

// WithoutTerm returns a copy of the design with the named term's columns
// removed, for likelihood-ratio refits. The response is shared, not copied.
func (d *Design) WithoutTerm(name string) (*Design, error) {
	drop, ok := d.TermCols[name]
	if !ok {
		return nil, fmt.Errorf("%w: term %q", types.ErrColumnUnknown, name)
	}
	dropSet := make(map[int]bool, len(drop))
	for _, c := range drop {
		dropSet[c] = true
	}

	var terms []Term
	for _, t := range d.Spec.Terms {
		if t.Name != name {
			terms = append(terms, t)
		}
	}
	out := &Design{
		Spec:     Spec{Response: d.Spec.Response, Terms: terms, Contrasts: d.Spec.Contrasts},
		Y:        d.Y,
		TermCols: make(map[string][]int),
	}

	keep := make([]int, 0, len(d.ColNames)-len(drop))
	for c := range d.ColNames {
		if !dropSet[c] {
			keep = append(keep, c)
		}
	}
	remap := make(map[int]int, len(keep))
	for newIdx, oldIdx := range keep {
		remap[oldIdx] = newIdx
		out.ColNames = append(out.ColNames, d.ColNames[oldIdx])
	}
	for _, t := range terms {
		for _, c := range d.TermCols[t.Name] {
			out.TermCols[t.Name] = append(out.TermCols[t.Name], remap[c])
		}
	}

	n := len(d.Y)
	x := mat.NewDense(n, len(keep), nil)
	for r := 0; r < n; r++ {
		for newIdx, oldIdx := range keep {
			x.Set(r, newIdx, d.X.At(r, oldIdx))
		}
	}
	out.X = x
	return out, nil
}

// termColumnNames names the coded columns of a term, matching the coding
// produced by termCodes.
func termColumnNames(t Term, c Contrasts) []string {
	names := []string{""}
	for _, comp := range t.Components {
		var part []string
		if comp.Factor == nil {
			part = []string{comp.Numeric}
		} else {
			for _, lv := range contrastLevels(*comp.Factor, c) {
				part = append(part, comp.Factor.Name+lv)
			}
		}
		var combined []string
		for _, p := range part {
			for _, n := range names {
				if n == "" {
					combined = append(combined, p)
				} else {
					combined = append(combined, n+":"+p)
				}
			}
		}
		names = combined
	}
	return names
}

// contrastLevels returns the levels that receive their own column under the
// given coding. Treatment coding drops the reference (first) level; sum
// coding drops the last level, whose rows get -1 across all columns.
func contrastLevels(f table.Factor, c Contrasts) []string {
	switch c {
	case SumContrasts:
		return f.Levels[:f.NumLevels()-1]
	default:
		return f.Levels[1:]
	}
}

// termCodes computes the coded values of one term for a single row.
func termCodes(t Term, c Contrasts, cell func(col string) (string, error)) ([]float64, error) {
	codes := []float64{1}
	for _, comp := range t.Components {
		var part []float64
		if comp.Factor == nil {
			v, err := cell(comp.Numeric)
			if err != nil {
				return nil, err
			}
			f, err := parseNumeric(v)
			if err != nil {
				return nil, fmt.Errorf("covariate %q: %w", comp.Numeric, err)
			}
			part = []float64{f}
		} else {
			v, err := cell(comp.Factor.Name)
			if err != nil {
				return nil, err
			}
			part, err = factorCodes(*comp.Factor, c, v)
			if err != nil {
				return nil, err
			}
		}
		combined := make([]float64, 0, len(part)*len(codes))
		for _, p := range part {
			for _, cv := range codes {
				combined = append(combined, cv*p)
			}
		}
		codes = combined
	}
	return codes, nil
}

// factorCodes codes one factor value under the chosen contrasts.
func factorCodes(f table.Factor, c Contrasts, value string) ([]float64, error) {
	idx := f.Index(value)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q not a level of %q", types.ErrLevelUnknown, value, f.Name)
	}
	cols := contrastLevels(f, c)
	codes := make([]float64, len(cols))
	switch c {
	case SumContrasts:
		if idx == f.NumLevels()-1 {
			for i := range codes {
				codes[i] = -1
			}
			return codes, nil
		}
		codes[idx] = 1
	default:
		if idx > 0 {
			codes[idx-1] = 1
		}
	}
	return codes, nil
}

func parseNumeric(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", types.ErrParse, v)
	}
	return f, nil
}
