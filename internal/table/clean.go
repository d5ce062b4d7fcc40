package table

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// DropMissing returns the rows whose value in col is present (not NA and not
// empty).
func DropMissing(t Table, col string) (Table, error) {
	if !t.HasColumn(col) {
		return Table{}, fmt.Errorf("%w: %q", types.ErrColumnUnknown, col)
	}
	i := t.idx[col]
	return t.Filter(func(t Table, r int) bool {
		return !IsNA(t.rows[r][i])
	}), nil
}

// DropEqual returns the rows whose value in col differs from value. The
// comparison is exact after whitespace trimming; NA cells are kept.
func DropEqual(t Table, col, value string) (Table, error) {
	if !t.HasColumn(col) {
		return Table{}, fmt.Errorf("%w: %q", types.ErrColumnUnknown, col)
	}
	i := t.idx[col]
	return t.Filter(func(t Table, r int) bool {
		return strings.TrimSpace(t.rows[r][i]) != value
	}), nil
}

// ParseDates validates the named column against the ddMMMyyyy layout and
// rewrites each cell in canonical form. Behavior on a malformed value
// follows policy: DatePolicyFail aborts with ErrBadDate naming the row and
// value; DatePolicyDrop removes the row and counts it in dropped.
func ParseDates(t Table, col, policy string) (out Table, dropped int, err error) {
	cells, err := t.Column(col)
	if err != nil {
		return Table{}, 0, err
	}

	bad := make(map[int]bool)
	canonical := make([]string, len(cells))
	for r, v := range cells {
		d, perr := time.Parse(types.DateLayout, strings.TrimSpace(v))
		if perr != nil {
			if policy == types.DatePolicyFail {
				return Table{}, 0, fmt.Errorf("%w: row %d value %q", types.ErrBadDate, r+1, v)
			}
			bad[r] = true
			continue
		}
		canonical[r] = d.Format(types.DateLayout)
	}

	i := t.idx[col]
	rows := make([][]string, 0, len(t.rows))
	for r, row := range t.rows {
		if bad[r] {
			dropped++
			continue
		}
		clone := make([]string, len(row))
		copy(clone, row)
		clone[i] = canonical[r]
		rows = append(rows, clone)
	}
	out, err = New(t.cols, rows)
	return out, dropped, err
}
