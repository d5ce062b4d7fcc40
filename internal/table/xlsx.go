package table

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// ReadXLSX loads one sheet of a spreadsheet. An empty sheet name selects the
// workbook's first sheet. Rows are padded to the header width because
// excelize trims trailing empty cells; a row wider than the header is
// malformed and rejected.
func ReadXLSX(path, sheet string) (Table, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Table{}, fmt.Errorf("%w: %s", types.ErrFileNotFound, path)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %s: %v", types.ErrParse, path, err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %s sheet %q: %v", types.ErrParse, path, sheet, err)
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("%w: %s sheet %q", types.ErrEmptySheet, path, sheet)
	}

	header := records[0]
	rows := make([][]string, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) > len(header) {
			return Table{}, fmt.Errorf("%w: %s sheet %q row %d has %d cells, want %d",
				types.ErrParse, path, sheet, i+2, len(rec), len(header))
		}
		row := make([]string, len(header))
		copy(row, rec)
		rows = append(rows, row)
	}
	return New(header, rows)
}
