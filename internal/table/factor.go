package table

import (
	"fmt"
	"slices"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// Factor is a categorical column: its distinct levels in a fixed order with
// the reference level first. Coefficients of a fitted model are interpreted
// against the reference, so the order is part of the modeling contract and
// is chosen explicitly rather than inherited from whatever order labels
// happen to sort into.
type Factor struct {
	Name   string
	Levels []string // reference level first, remainder in sorted order
}

// FactorOf builds a Factor from the distinct non-missing values of the named
// column. ref selects the reference level; an empty ref picks the first
// level in sorted label order. Returns ErrLevelUnknown if ref names a level
// the column does not contain.
func FactorOf(t Table, col, ref string) (Factor, error) {
	cells, err := t.Column(col)
	if err != nil {
		return Factor{}, err
	}
	seen := make(map[string]bool)
	var levels []string
	for _, v := range cells {
		if IsNA(v) || seen[v] {
			continue
		}
		seen[v] = true
		levels = append(levels, v)
	}
	if len(levels) == 0 {
		return Factor{}, fmt.Errorf("%w: column %q has no levels", types.ErrEmptyTable, col)
	}
	slices.Sort(levels)

	if ref == "" {
		ref = levels[0]
	}
	i := slices.Index(levels, ref)
	if i < 0 {
		return Factor{}, fmt.Errorf("%w: %q not in column %q", types.ErrLevelUnknown, ref, col)
	}
	// Move the reference to the front, keeping the rest sorted.
	levels = append([]string{ref}, append(slices.Clone(levels[:i]), levels[i+1:]...)...)
	return Factor{Name: col, Levels: levels}, nil
}

// Reference returns the reference level.
func (f Factor) Reference() string {
	return f.Levels[0]
}

// Index returns the position of level within the factor, or -1.
func (f Factor) Index(level string) int {
	return slices.Index(f.Levels, level)
}

// NumLevels returns the number of distinct levels.
func (f Factor) NumLevels() int {
	return len(f.Levels)
}
