package table

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// ReadCSV loads a delimited file. The first record becomes the column names;
// all cells are kept as strings. A missing file maps to ErrFileNotFound and
// a ragged or empty file to ErrParse; the run aborts either way.
func ReadCSV(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Table{}, fmt.Errorf("%w: %s", types.ErrFileNotFound, path)
		}
		return Table{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("%w: %s: %v", types.ErrParse, path, err)
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("%w: %s has no header row", types.ErrParse, path)
	}
	return New(records[0], records[1:])
}

// WriteCSV writes the table to path, header row first.
func WriteCSV(t Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.cols); err != nil {
		return fmt.Errorf("write header to %s: %w", path, err)
	}
	for _, row := range t.rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row to %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}
