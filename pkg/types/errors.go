package types

import "errors"

// Pipeline errors. Callers wrap these with fmt.Errorf("context: %w", err)
// and match with errors.Is.
var (
	// Loader errors.
	ErrFileNotFound = errors.New("input file not found")
	ErrParse        = errors.New("malformed input file")
	ErrSchema       = errors.New("missing expected column")
	ErrEmptySheet   = errors.New("spreadsheet sheet is empty")

	// Join and selection errors.
	ErrKeyNotFound   = errors.New("join key column not found")
	ErrColumnUnknown = errors.New("unknown column")
	ErrEmptyTable    = errors.New("table has no rows")

	// Cleaning errors.
	ErrBadDate = errors.New("date value does not match ddMMMyyyy")

	// Modeling errors.
	ErrNotConverged   = errors.New("model fit did not converge")
	ErrNoFinalModel   = errors.New("no final model selected")
	ErrLevelUnknown   = errors.New("reference level not present in factor")
	ErrSingularFit    = errors.New("model matrix is singular beyond aliasing")
	ErrNoObservations = errors.New("no observations remain after cleaning")
)
