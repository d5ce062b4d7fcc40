// Package pipeline wires the analysis stages together: load the three input
// tables, join them, clean the modeling table with an audited log, fit the
// candidate models, run the deviance decompositions, select the final model,
// and compute the post-hoc comparisons and prediction grid. All file output
// happens afterwards in Write.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dgray-lab/pollcount/internal/model"
	"github.com/dgray-lab/pollcount/internal/posthoc"
	"github.com/dgray-lab/pollcount/internal/report"
	"github.com/dgray-lab/pollcount/internal/table"
	"github.com/dgray-lab/pollcount/pkg/types"
)

// Column names shared by the input files.
const (
	colJoinKey     = "DateBlkTrtmnt"
	colSpecimenRef = "Concat_DBT_sp_num"
	colSpecimenID  = "DG_Spec_ID_code"
	colDate        = "Date"
	colBlock       = "Block"
	colTreatment   = "Treatment"
	colCountType   = "CountType"
	colInsectType  = "Insect.type"
	colGenus       = "Genus"
	colSpecies     = "Species"
	colSex         = "Sex"
	colCount       = "Count"

	// colDateNum is derived during cleaning: days since the earliest
	// observed date, the numeric covariate the models use.
	colDateNum = "DateNum"
)

// countTypeExcluded is dropped from the modeling table: snapshot counts use
// a different observation protocol than timed counts.
const countTypeExcluded = "snapshot"

// modelingColumns is the fixed projection applied before cleaning.
var modelingColumns = []string{
	colDate, colBlock, colTreatment, colCountType,
	colInsectType, colGenus, colSpecies, colSex, colCount,
}

// Result carries everything a run produced, in memory, for reporting.
type Result struct {
	RunID     string
	StartedAt time.Time

	InsectFlower   table.Table
	InsectSpecimen table.Table
	AllJoined      table.Table
	Cleaned        table.Table
	CleaningLog    []types.CleaningStep

	Treatment table.Factor
	Block     table.Factor
	Species   []string

	Origin         time.Time
	MinDay, MaxDay float64

	FixedBlock       *model.Fit
	BlockInteraction *model.Fit
	Mixed            *model.MixedFit

	AnovaFixedBlock  *model.AnovaTable
	AnovaInteraction *model.AnovaTable
	AnovaSequential  *model.AnovaTable

	Selection *model.Selection
	EMMeans   *posthoc.EMMResult
	Contrasts []posthoc.Contrast
	Grid      []posthoc.GridPoint
}

// Run executes the whole analysis for cfg, writing progress lines to w.
func Run(cfg types.Config, w io.Writer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	res := &Result{RunID: id.String(), StartedAt: time.Now()}
	fmt.Fprintf(w, "run %s\n", res.RunID)

	if err := res.load(cfg, w); err != nil {
		return nil, err
	}
	if err := res.clean(cfg, w); err != nil {
		return nil, err
	}
	if err := res.fit(cfg, w); err != nil {
		return nil, err
	}
	if err := res.postHoc(w); err != nil {
		return nil, err
	}
	return res, nil
}

// load reads the three inputs and performs the three left joins.
func (r *Result) load(cfg types.Config, w io.Writer) error {
	insects, err := table.ReadCSV(cfg.InsectsPath)
	if err != nil {
		return fmt.Errorf("load insects: %w", err)
	}
	flowers, err := table.ReadXLSX(cfg.FlowersPath, "")
	if err != nil {
		return fmt.Errorf("load flowers: %w", err)
	}
	specimens, err := table.ReadXLSX(cfg.SpecimensPath, "")
	if err != nil {
		return fmt.Errorf("load specimens: %w", err)
	}
	fmt.Fprintf(w, "loaded insects=%d flowers=%d specimens=%d rows\n",
		insects.NumRows(), flowers.NumRows(), specimens.NumRows())

	for _, col := range []string{colJoinKey, colSpecimenRef, colCount} {
		if !insects.HasColumn(col) {
			return fmt.Errorf("insects table: %w: %q", types.ErrSchema, col)
		}
	}
	if !flowers.HasColumn(colJoinKey) {
		return fmt.Errorf("flowers table: %w: %q", types.ErrSchema, colJoinKey)
	}
	if !specimens.HasColumn(colSpecimenID) {
		return fmt.Errorf("specimens table: %w: %q", types.ErrSchema, colSpecimenID)
	}

	r.InsectFlower, err = table.LeftJoin(insects, flowers, colJoinKey, colJoinKey)
	if err != nil {
		return fmt.Errorf("join insects+flowers: %w", err)
	}
	r.InsectSpecimen, err = table.LeftJoin(insects, specimens, colSpecimenRef, colSpecimenID)
	if err != nil {
		return fmt.Errorf("join insects+specimens: %w", err)
	}
	r.AllJoined, err = table.LeftJoin(r.InsectFlower, specimens, colSpecimenRef, colSpecimenID)
	if err != nil {
		return fmt.Errorf("join all: %w", err)
	}
	fmt.Fprintf(w, "joined: insect+flower=%d insect+specimen=%d all=%d rows\n",
		r.InsectFlower.NumRows(), r.InsectSpecimen.NumRows(), r.AllJoined.NumRows())
	return nil
}

// clean runs the fixed-order cleaning pipeline on the insect+specimen join
// and records a log entry per step. The order is part of the contract:
// reordering changes which rows survive.
func (r *Result) clean(cfg types.Config, w io.Writer) error {
	log := func(step, detail string, in, out table.Table) {
		r.CleaningLog = append(r.CleaningLog, types.CleaningStep{
			Step:      step,
			Detail:    detail,
			RowsIn:    in.NumRows(),
			RowsOut:   out.NumRows(),
			AppliedAt: time.Now(),
		})
	}

	cur, err := r.InsectSpecimen.Select(modelingColumns...)
	if err != nil {
		return fmt.Errorf("select modeling columns: %w", err)
	}
	log("select_columns", "projection never drops rows", r.InsectSpecimen, cur)

	next, err := table.DropMissing(cur, colCount)
	if err != nil {
		return fmt.Errorf("drop missing counts: %w", err)
	}
	log("drop_missing_count", "response is missing", cur, next)
	cur = next

	next, err = table.DropEqual(cur, colCountType, countTypeExcluded)
	if err != nil {
		return fmt.Errorf("drop snapshot counts: %w", err)
	}
	log("drop_snapshot", "snapshot counts excluded from timed-count models", cur, next)
	cur = next

	next, dropped, err := table.ParseDates(cur, colDate, cfg.EffectiveDatePolicy())
	if err != nil {
		return fmt.Errorf("parse dates: %w", err)
	}
	log("parse_dates", fmt.Sprintf("%d unparseable date(s) under policy %q", dropped, cfg.EffectiveDatePolicy()), cur, next)
	cur = next

	if cur.NumRows() == 0 {
		return fmt.Errorf("after cleaning: %w", types.ErrNoObservations)
	}

	// Factor casting with explicit reference levels.
	r.Block, err = table.FactorOf(cur, colBlock, cfg.ReferenceBlock)
	if err != nil {
		return fmt.Errorf("block factor: %w", err)
	}
	r.Treatment, err = table.FactorOf(cur, colTreatment, cfg.ReferenceTreatment)
	if err != nil {
		return fmt.Errorf("treatment factor: %w", err)
	}
	fmt.Fprintf(w, "factors: %s reference=%q, %s reference=%q\n",
		colTreatment, r.Treatment.Reference(), colBlock, r.Block.Reference())

	// Derive the numeric date covariate.
	dates, err := cur.Dates(colDate)
	if err != nil {
		return fmt.Errorf("date covariate: %w", err)
	}
	r.Origin = dates[0]
	for _, d := range dates {
		if d.Before(r.Origin) {
			r.Origin = d
		}
	}
	nums := make([]string, len(dates))
	r.MaxDay = 0
	for i, d := range dates {
		day := d.Sub(r.Origin).Hours() / 24
		nums[i] = strconv.FormatFloat(day, 'g', -1, 64)
		if day > r.MaxDay {
			r.MaxDay = day
		}
	}
	r.MinDay = 0
	cur, err = cur.WithColumn(colDateNum, nums)
	if err != nil {
		return fmt.Errorf("date covariate: %w", err)
	}

	// Species levels for the prediction grid, from the specimen
	// identifications that matched.
	if sp, err := table.FactorOf(cur, colSpecies, ""); err == nil {
		r.Species = sp.Levels
	}

	r.Cleaned = cur
	return nil
}

// fit builds the candidate models and their deviance decompositions.
func (r *Result) fit(cfg types.Config, w io.Writer) error {
	trt, blk := r.Treatment, r.Block

	fixedTerms := []model.Term{
		model.FactorTerm(trt),
		model.NumericTerm(colDateNum),
		model.Interaction("Treatment:DateNum",
			model.Component{Factor: &trt}, model.Component{Numeric: colDateNum}),
		model.FactorTerm(blk),
	}
	interactionTerms := []model.Term{
		model.FactorTerm(trt),
		model.NumericTerm(colDateNum),
		model.Interaction("Treatment:DateNum",
			model.Component{Factor: &trt}, model.Component{Numeric: colDateNum}),
		model.Interaction("Treatment:Block",
			model.Component{Factor: &trt}, model.Component{Factor: &blk}),
	}
	mixedTerms := fixedTerms[:3]

	// Reference-coded fits for reporting.
	dFixed, err := model.NewDesign(r.Cleaned, model.Spec{
		Response: colCount, Terms: fixedTerms, Contrasts: model.TreatmentContrasts})
	if err != nil {
		return fmt.Errorf("fixed-block design: %w", err)
	}
	r.FixedBlock, err = model.FitPoisson(dFixed)
	if err != nil {
		return fmt.Errorf("fixed-block fit: %w", err)
	}

	dInter, err := model.NewDesign(r.Cleaned, model.Spec{
		Response: colCount, Terms: interactionTerms, Contrasts: model.TreatmentContrasts})
	if err != nil {
		return fmt.Errorf("block-interaction design: %w", err)
	}
	r.BlockInteraction, err = model.FitPoisson(dInter)
	if err != nil {
		return fmt.Errorf("block-interaction fit: %w", err)
	}
	if n := r.BlockInteraction.AliasedCount(); n > 0 {
		fmt.Fprintf(w, "block-interaction model: %d aliased coefficient(s) from empty cells\n", n)
	}

	// Sum-coded refits drive the Type III decompositions.
	dFixedSum, err := model.NewDesign(r.Cleaned, model.Spec{
		Response: colCount, Terms: fixedTerms, Contrasts: model.SumContrasts})
	if err != nil {
		return fmt.Errorf("fixed-block sum design: %w", err)
	}
	fixedSum, err := model.FitPoisson(dFixedSum)
	if err != nil {
		return fmt.Errorf("fixed-block sum fit: %w", err)
	}
	r.AnovaFixedBlock, err = model.TypeIII(fixedSum)
	if err != nil {
		return fmt.Errorf("fixed-block anova: %w", err)
	}
	r.AnovaSequential, err = model.Sequential(fixedSum)
	if err != nil {
		return fmt.Errorf("sequential anova: %w", err)
	}

	dInterSum, err := model.NewDesign(r.Cleaned, model.Spec{
		Response: colCount, Terms: interactionTerms, Contrasts: model.SumContrasts})
	if err != nil {
		return fmt.Errorf("block-interaction sum design: %w", err)
	}
	interSum, err := model.FitPoisson(dInterSum)
	if err != nil {
		return fmt.Errorf("block-interaction sum fit: %w", err)
	}
	r.AnovaInteraction, err = model.TypeIII(interSum)
	if err != nil {
		return fmt.Errorf("block-interaction anova: %w", err)
	}

	// Mixed model: failure to fit at all is treated like non-convergence
	// and routes to the deterministic fallback.
	dMixed, err := model.NewDesign(r.Cleaned, model.Spec{
		Response: colCount, Terms: mixedTerms, Contrasts: model.TreatmentContrasts})
	if err != nil {
		return fmt.Errorf("mixed design: %w", err)
	}
	mixed, err := model.FitPoissonMixed(r.Cleaned, dMixed, blk)
	if err != nil {
		fmt.Fprintf(w, "mixed model could not be fit (%v); falling back to fixed block effects\n", err)
	} else {
		r.Mixed = mixed
		if !mixed.Converged {
			fmt.Fprintf(w, "mixed model did not converge (%s)\n", mixed.Message)
		}
	}

	sel, err := model.Select(model.Candidates{
		Mixed:            r.Mixed,
		FixedBlock:       r.FixedBlock,
		BlockInteraction: r.BlockInteraction,
	}, cfg.EffectiveDispersionThreshold())
	if err != nil {
		return err
	}
	r.Selection = sel
	fmt.Fprintf(w, "selected model: %s\n", sel.Name)
	return nil
}

// postHoc computes marginal means, pairwise contrasts, and the prediction
// grid from the selected model.
func (r *Result) postHoc(w io.Writer) error {
	sel := r.Selection
	if sel == nil || sel.Model == nil {
		return fmt.Errorf("post-hoc: %w", types.ErrNoFinalModel)
	}

	meanDay := (r.MinDay + r.MaxDay) / 2
	at := map[string]string{
		colDateNum: strconv.FormatFloat(meanDay, 'g', -1, 64),
		colBlock:   r.Block.Reference(),
	}

	// Average over blocks only when the model carries block as a fixed
	// effect; the mixed model's random intercept is marginalized at zero.
	var over *table.Factor
	if _, ok := sel.Model.DesignInfo().TermCols[colBlock]; ok {
		b := r.Block
		over = &b
	}

	emm, err := posthoc.EMMeans(sel.Model, r.Treatment, at, over)
	if err != nil {
		return fmt.Errorf("emmeans: %w", err)
	}
	r.EMMeans = emm
	r.Contrasts = posthoc.Pairwise(sel.Model, emm)

	grid, err := posthoc.PredictionGrid(sel.Model, r.Treatment, r.Origin,
		r.MinDay, r.MaxDay, posthoc.GridPoints, r.Species,
		map[string]string{colBlock: r.Block.Reference()})
	if err != nil {
		return fmt.Errorf("prediction grid: %w", err)
	}
	r.Grid = grid

	if math.IsNaN(sel.Dispersion) {
		fmt.Fprintln(w, "dispersion unavailable: no residual degrees of freedom")
	}
	return nil
}

// Write renders every file output of the run: joined CSVs, plots, the
// printed report, and the sqlite archive.
func Write(res *Result, cfg types.Config, w io.Writer) error {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if err := report.ExportJoined(cfg.OutDir, res.InsectFlower, res.InsectSpecimen, res.AllJoined); err != nil {
		return err
	}
	if err := writeRunConfig(res, cfg); err != nil {
		return err
	}

	report.PrintCleaningLog(w, res.CleaningLog)
	report.PrintFit(w, "poisson-fixed-block", res.FixedBlock)
	report.PrintAnova(w, "poisson-fixed-block", res.AnovaFixedBlock)
	report.PrintAnova(w, "poisson-fixed-block", res.AnovaSequential)
	report.PrintFit(w, "poisson-block-interaction", res.BlockInteraction)
	report.PrintAnova(w, "poisson-block-interaction", res.AnovaInteraction)
	if res.Mixed != nil {
		report.PrintMixed(w, res.Mixed)
	}
	report.PrintSelection(w, res.Selection)
	report.PrintContrasts(w, res.EMMeans, res.Contrasts)

	if cfg.Plots {
		if _, err := report.SaveDiagnostics(res.FixedBlock, cfg.OutDir, "fixed_block"); err != nil {
			return err
		}
		if _, err := report.SaveDiagnostics(res.BlockInteraction, cfg.OutDir, "block_interaction"); err != nil {
			return err
		}
		if err := report.SaveTimeSeries(res.Cleaned, res.Treatment, colDateNum, colCount,
			filepath.Join(cfg.OutDir, "counts_timeseries.png")); err != nil {
			return err
		}
		if err := report.SavePredictionCurves(res.Grid,
			filepath.Join(cfg.OutDir, "prediction_curves.png")); err != nil {
			return err
		}
	}

	if cfg.Archive {
		if err := writeArchive(res, cfg); err != nil {
			return err
		}
	}
	return nil
}

// writeRunConfig records the effective configuration of the run next to its
// outputs, so any result directory can be reproduced without the original
// command line.
func writeRunConfig(res *Result, cfg types.Config) error {
	snapshot := struct {
		RunID     string       `yaml:"run_id"`
		StartedAt string       `yaml:"started_at"`
		Config    types.Config `yaml:"config"`
	}{
		RunID:     res.RunID,
		StartedAt: res.StartedAt.Format(time.RFC3339),
		Config:    cfg,
	}
	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	return os.WriteFile(filepath.Join(cfg.OutDir, "run_config.yaml"), data, 0o644)
}

func writeArchive(res *Result, cfg types.Config) error {
	arch, err := report.OpenArchive(filepath.Join(cfg.OutDir, "pollcount.db"))
	if err != nil {
		return err
	}
	defer arch.Close()

	if err := arch.RecordRun(res.RunID, res.StartedAt, cfg, res.Selection); err != nil {
		return err
	}
	if err := arch.RecordCleaningLog(res.RunID, res.CleaningLog); err != nil {
		return err
	}
	if err := arch.RecordCoefficients(res.RunID, "poisson-fixed-block", res.FixedBlock.Coefs); err != nil {
		return err
	}
	if err := arch.RecordCoefficients(res.RunID, "poisson-block-interaction", res.BlockInteraction.Coefs); err != nil {
		return err
	}
	if res.Mixed != nil {
		if err := arch.RecordCoefficients(res.RunID, "poisson-mixed", res.Mixed.Coefs); err != nil {
			return err
		}
	}
	for name, tbl := range map[string]*model.AnovaTable{
		"poisson-fixed-block":       res.AnovaFixedBlock,
		"poisson-fixed-block-seq":   res.AnovaSequential,
		"poisson-block-interaction": res.AnovaInteraction,
	} {
		if err := arch.RecordAnova(res.RunID, name, tbl); err != nil {
			return err
		}
	}
	return arch.RecordContrasts(res.RunID, res.Contrasts)
}

// IsSchemaError reports whether err came from a malformed or incomplete
// input file, as opposed to a modeling failure.
func IsSchemaError(err error) bool {
	return errors.Is(err, types.ErrSchema) ||
		errors.Is(err, types.ErrParse) ||
		errors.Is(err, types.ErrBadDate) ||
		errors.Is(err, types.ErrFileNotFound)
}
