// Package table implements the in-memory tabular values the pipeline flows
// through: loading from CSV and XLSX, left joins on composite keys, column
// projection, row filtering, date parsing, and factor casting. Every
// transform returns a new Table; a Table is never mutated after creation.
package table

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// NA is the canonical missing-value marker. Empty cells and literal "NA"
// cells both read as missing.
const NA = "NA"

// Table is an immutable column-named grid of string cells. Numeric and date
// interpretation happens at the point of use, not at load time, so a join
// never coerces key values.
type Table struct {
	cols []string
	idx  map[string]int
	rows [][]string
}

// New builds a Table from column names and rows. Every row must have
// exactly len(cols) cells.
func New(cols []string, rows [][]string) (Table, error) {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := idx[c]; dup {
			return Table{}, fmt.Errorf("%w: duplicate column %q", types.ErrParse, c)
		}
		idx[c] = i
	}
	for i, r := range rows {
		if len(r) != len(cols) {
			return Table{}, fmt.Errorf("%w: row %d has %d cells, want %d",
				types.ErrParse, i+1, len(r), len(cols))
		}
	}
	return Table{cols: slices.Clone(cols), idx: idx, rows: rows}, nil
}

// Columns returns the column names in order.
func (t Table) Columns() []string {
	return slices.Clone(t.cols)
}

// NumRows returns the number of data rows.
func (t Table) NumRows() int {
	return len(t.rows)
}

// HasColumn reports whether the named column exists.
func (t Table) HasColumn(name string) bool {
	_, ok := t.idx[name]
	return ok
}

// Cell returns the cell at (row, column name).
func (t Table) Cell(row int, col string) (string, error) {
	i, ok := t.idx[col]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrColumnUnknown, col)
	}
	return t.rows[row][i], nil
}

// Column returns a copy of the named column's cells.
func (t Table) Column(name string) ([]string, error) {
	i, ok := t.idx[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrColumnUnknown, name)
	}
	out := make([]string, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out, nil
}

// IsNA reports whether a cell value counts as missing.
func IsNA(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == NA
}

// Select projects the table onto the named columns, in the given order.
// Returns ErrColumnUnknown if any name is absent.
func (t Table) Select(names ...string) (Table, error) {
	srcIdx := make([]int, len(names))
	for i, n := range names {
		j, ok := t.idx[n]
		if !ok {
			return Table{}, fmt.Errorf("%w: %q", types.ErrColumnUnknown, n)
		}
		srcIdx[i] = j
	}
	rows := make([][]string, len(t.rows))
	for r, row := range t.rows {
		out := make([]string, len(names))
		for i, j := range srcIdx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	return New(names, rows)
}

// Filter returns the rows for which keep returns true. The predicate sees
// the table and a row index so it can read any column.
func (t Table) Filter(keep func(t Table, row int) bool) Table {
	var rows [][]string
	for r := range t.rows {
		if keep(t, r) {
			rows = append(rows, t.rows[r])
		}
	}
	out, _ := New(t.cols, rows) // cols already validated
	return out
}

// WithColumn returns a new table with an extra column appended. values must
// have one entry per row.
func (t Table) WithColumn(name string, values []string) (Table, error) {
	if len(values) != len(t.rows) {
		return Table{}, fmt.Errorf("%w: column %q has %d values, table has %d rows",
			types.ErrParse, name, len(values), len(t.rows))
	}
	cols := append(slices.Clone(t.cols), name)
	rows := make([][]string, len(t.rows))
	for r, row := range t.rows {
		rows[r] = append(slices.Clone(row), values[r])
	}
	return New(cols, rows)
}

// Floats parses the named column as float64. Missing cells are an error;
// callers drop NA rows first.
func (t Table) Floats(name string) ([]float64, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(col))
	for r, v := range col {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q row %d: %q is not numeric",
				types.ErrParse, name, r+1, v)
		}
		out[r] = f
	}
	return out, nil
}

// Dates parses the named column with the fixed ddMMMyyyy layout.
func (t Table) Dates(name string) ([]time.Time, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(col))
	for r, v := range col {
		d, err := time.Parse(types.DateLayout, strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d value %q", types.ErrBadDate, r+1, v)
		}
		out[r] = d
	}
	return out, nil
}
