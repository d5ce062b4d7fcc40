package report

import (
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dgray-lab/pollcount/internal/model"
	"github.com/dgray-lab/pollcount/internal/posthoc"
	"github.com/dgray-lab/pollcount/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Archive persists run metadata, the cleaning log, coefficient tables, ANOVA
// rows, and pairwise contrasts to a sqlite database so runs can be compared
// after the fact.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if needed) the archive database at path and
// ensures the schema exists.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordRun inserts the run header row.
func (a *Archive) RecordRun(runID string, startedAt time.Time, cfg types.Config, sel *model.Selection) error {
	_, err := a.db.Exec(
		`INSERT INTO runs (run_id, started_at, insects_path, flowers_path, specimens_path,
		                   final_model, selection_reason, dispersion, fell_back)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, startedAt.UTC().Format(time.RFC3339),
		cfg.InsectsPath, cfg.FlowersPath, cfg.SpecimensPath,
		sel.Name, sel.Reason, sel.Dispersion, boolInt(sel.FellBack))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordCleaningLog inserts one row per cleaning step.
func (a *Archive) RecordCleaningLog(runID string, log []types.CleaningStep) error {
	for _, s := range log {
		_, err := a.db.Exec(
			`INSERT INTO cleaning_log (run_id, step, detail, rows_in, rows_out, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, s.Step, s.Detail, s.RowsIn, s.RowsOut, s.AppliedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("record cleaning step %q: %w", s.Step, err)
		}
	}
	return nil
}

// RecordCoefficients inserts a model's coefficient table. NaN estimates
// (aliased terms) are stored as NULL.
func (a *Archive) RecordCoefficients(runID, modelName string, coefs []model.Coefficient) error {
	for _, c := range coefs {
		_, err := a.db.Exec(
			`INSERT INTO coefficients (run_id, model, term, estimate, std_err, z, p, aliased)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, modelName, c.Name,
			nullIfNaN(c.Estimate), nullIfNaN(c.StdErr), nullIfNaN(c.Z), nullIfNaN(c.P),
			boolInt(c.Aliased))
		if err != nil {
			return fmt.Errorf("record coefficient %q: %w", c.Name, err)
		}
	}
	return nil
}

// RecordAnova inserts an analysis-of-deviance table.
func (a *Archive) RecordAnova(runID, modelName string, tbl *model.AnovaTable) error {
	for _, r := range tbl.Rows {
		_, err := a.db.Exec(
			`INSERT INTO anova (run_id, model, kind, term, chisq, df, p)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, modelName, tbl.Kind, r.Term, r.ChiSq, r.DF, r.P)
		if err != nil {
			return fmt.Errorf("record anova term %q: %w", r.Term, err)
		}
	}
	return nil
}

// RecordContrasts inserts the pairwise comparisons.
func (a *Archive) RecordContrasts(runID string, contrasts []posthoc.Contrast) error {
	for _, c := range contrasts {
		_, err := a.db.Exec(
			`INSERT INTO contrasts (run_id, a, b, estimate, ratio, p_adj)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, c.A, c.B, c.Estimate, c.Ratio, c.P)
		if err != nil {
			return fmt.Errorf("record contrast %s/%s: %w", c.A, c.B, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfNaN(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}
