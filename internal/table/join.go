package table

import (
	"fmt"
	"slices"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// rightSuffix disambiguates right-hand columns whose names collide with a
// left-hand column after a join.
const rightSuffix = ".y"

// LeftJoin joins right onto left by exact string equality of leftKey and
// rightKey values. Every left row appears in the output: zero matches yield
// one row with NA-filled right columns, k matches yield k rows. Right rows
// with no left match are dropped. The right key column itself is not
// repeated in the output; other overlapping right column names get a ".y"
// suffix.
func LeftJoin(left, right Table, leftKey, rightKey string) (Table, error) {
	if !left.HasColumn(leftKey) {
		return Table{}, fmt.Errorf("%w: left key %q", types.ErrKeyNotFound, leftKey)
	}
	rKeyIdx, ok := right.idx[rightKey]
	if !ok {
		return Table{}, fmt.Errorf("%w: right key %q", types.ErrKeyNotFound, rightKey)
	}

	// Right columns carried into the output, with collision suffixes.
	var rCols []string
	var rColIdx []int
	for i, c := range right.cols {
		if i == rKeyIdx {
			continue
		}
		name := c
		if left.HasColumn(name) {
			name += rightSuffix
		}
		rCols = append(rCols, name)
		rColIdx = append(rColIdx, i)
	}

	// Index right rows by key. Order of insertion preserves file order for
	// duplicate keys.
	byKey := make(map[string][]int, right.NumRows())
	for r, row := range right.rows {
		k := row[rKeyIdx]
		byKey[k] = append(byKey[k], r)
	}

	outCols := append(left.Columns(), rCols...)
	lKeyIdx := left.idx[leftKey]

	var outRows [][]string
	for _, lrow := range left.rows {
		matches := byKey[lrow[lKeyIdx]]
		if len(matches) == 0 {
			row := slices.Clone(lrow)
			for range rCols {
				row = append(row, NA)
			}
			outRows = append(outRows, row)
			continue
		}
		for _, m := range matches {
			row := slices.Clone(lrow)
			for _, j := range rColIdx {
				row = append(row, right.rows[m][j])
			}
			outRows = append(outRows, row)
		}
	}
	return New(outCols, outRows)
}
