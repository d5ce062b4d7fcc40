package pipeline

import (
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"

	"github.com/dgray-lab/pollcount/internal/posthoc"
	"github.com/dgray-lab/pollcount/pkg/types"
)

// writeFixtures builds a self-consistent trio of input files in dir and
// returns a config pointing at them. Counts are Poisson draws around a model
// with a real treatment effect and mild block offsets, so the candidate fits
// have something to find.
func writeFixtures(t *testing.T, dir string) types.Config {
	t.Helper()

	src := rand.New(rand.NewPCG(11, 17))
	pois := func(lambda float64) int {
		return int(distuv.Poisson{Lambda: lambda, Src: src}.Rand())
	}

	treatments := []string{"control", "herbicide"}
	trtEffect := map[string]float64{"control": 0, "herbicide": -0.7}
	blocks := []string{"B1", "B2", "B3", "B4"}
	blockEffect := map[string]float64{"B1": -0.3, "B2": -0.1, "B3": 0.1, "B4": 0.3}
	origin := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	var insects bytes.Buffer
	insects.WriteString("DateBlkTrtmnt,Concat_DBT_sp_num,Date,Block,Treatment,CountType,Insect.type,Count\n")
	specimenIDs := []string{}
	rowNum := 0
	for day := 0; day < 30; day += 5 {
		date := origin.AddDate(0, 0, day).Format(types.DateLayout)
		for _, blk := range blocks {
			for _, trt := range treatments {
				key := fmt.Sprintf("%s-%s-%s", date, blk, trt)
				for _, insect := range []string{"bee", "fly"} {
					rowNum++
					spec := fmt.Sprintf("%s-%d", key, rowNum)
					lambda := 4 * math.Exp(trtEffect[trt]+blockEffect[blk]+0.01*float64(day))
					fmt.Fprintf(&insects, "%s,%s,%s,%s,%s,timed,%s,%d\n",
						key, spec, date, blk, trt, insect, pois(lambda))
					if rowNum%3 != 0 { // leave some rows without a specimen match
						specimenIDs = append(specimenIDs, spec)
					}
				}
			}
		}
	}
	// Rows the cleaning steps must remove.
	insects.WriteString("01Jun2024-B1-control,x1,01Jun2024,B1,control,timed,bee,\n")
	insects.WriteString("01Jun2024-B1-control,x2,01Jun2024,B1,control,snapshot,bee,9\n")

	insectsPath := filepath.Join(dir, "insects.csv")
	require.NoError(t, os.WriteFile(insectsPath, insects.Bytes(), 0o644))

	flowers := [][]any{{"DateBlkTrtmnt", "FlowerCount"}}
	for day := 0; day < 30; day += 5 {
		date := origin.AddDate(0, 0, day).Format(types.DateLayout)
		for _, blk := range blocks {
			for _, trt := range treatments {
				flowers = append(flowers, []any{
					fmt.Sprintf("%s-%s-%s", date, blk, trt), 50 + pois(20)})
			}
		}
	}
	flowersPath := filepath.Join(dir, "flowers.xlsx")
	writeXLSX(t, flowersPath, flowers)

	species := []string{"Bombus terrestris", "Apis mellifera"}
	specimens := [][]any{{"DG_Spec_ID_code", "Genus", "Species", "Sex"}}
	for i, id := range specimenIDs {
		sp := species[i%len(species)]
		specimens = append(specimens, []any{id, "genus", sp, []string{"F", "M"}[i%2]})
	}
	specimensPath := filepath.Join(dir, "specimens.xlsx")
	writeXLSX(t, specimensPath, specimens)

	return types.Config{
		InsectsPath:   insectsPath,
		FlowersPath:   flowersPath,
		SpecimensPath: specimensPath,
		OutDir:        filepath.Join(dir, "out"),
	}
}

func writeXLSX(t *testing.T, path string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

func TestRunEndToEnd(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	var out bytes.Buffer

	res, err := Run(cfg, &out)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.StartedAt.IsZero())

	// The joins never drop left rows.
	assert.GreaterOrEqual(t, res.InsectFlower.NumRows(), res.InsectSpecimen.NumRows())

	// The cleaning log records every step in its fixed order, and rows only
	// ever decrease.
	steps := make([]string, len(res.CleaningLog))
	for i, s := range res.CleaningLog {
		steps[i] = s.Step
		assert.GreaterOrEqual(t, s.RowsIn, s.RowsOut, "step %s grew the table", s.Step)
	}
	assert.Equal(t, []string{"select_columns", "drop_missing_count", "drop_snapshot", "parse_dates"}, steps)
	assert.Equal(t, 1, res.CleaningLog[1].Dropped(), "one row has a missing count")
	assert.Equal(t, 1, res.CleaningLog[2].Dropped(), "one row is a snapshot count")

	// Derived covariate starts at zero on the earliest date.
	assert.Equal(t, 0.0, res.MinDay)
	assert.Equal(t, 25.0, res.MaxDay)
	assert.Equal(t, "01Jun2024", res.Origin.Format(types.DateLayout))

	// All three candidate fits exist and a final model was designated.
	require.NotNil(t, res.FixedBlock)
	require.NotNil(t, res.BlockInteraction)
	require.NotNil(t, res.Selection)
	assert.NotNil(t, res.Selection.Model)
	assert.NotEmpty(t, res.Selection.Reason)

	require.NotNil(t, res.AnovaFixedBlock)
	require.NotNil(t, res.AnovaInteraction)
	require.NotNil(t, res.AnovaSequential)
	assert.InDelta(t,
		res.AnovaSequential.NullDeviance-res.AnovaSequential.ResidualDeviance,
		res.AnovaSequential.ExplainedDeviance(), 1e-6,
		"sequential decomposition reconciles with the deviance drop")

	// Post-hoc artifacts follow the treatment factor.
	k := res.Treatment.NumLevels()
	require.NotNil(t, res.EMMeans)
	assert.Len(t, res.EMMeans.Means, k)
	assert.Len(t, res.Contrasts, k*(k-1)/2)
	for _, c := range res.Contrasts {
		assert.GreaterOrEqual(t, c.P, c.PRaw, "Tukey adjustment never shrinks a p-value")
	}

	assert.Len(t, res.Species, 2)
	assert.Len(t, res.Grid, posthoc.GridPoints*k*len(res.Species))
}

func TestRunDetectsTreatmentEffect(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())

	res, err := Run(cfg, &bytes.Buffer{})
	require.NoError(t, err)

	// The simulated herbicide effect is exp(-0.7) ~ 0.5; the estimated rate
	// ratio herbicide/control should land well below one.
	require.Len(t, res.Contrasts, 1)
	c := res.Contrasts[0]
	ratio := c.Ratio
	if c.A == "control" {
		ratio = 1 / ratio
	}
	assert.Less(t, ratio, 0.75)
	assert.Less(t, c.P, 0.01)
}

// writeNullFixtures builds inputs where counts are Poisson(10) regardless of
// treatment, block, or date.
func writeNullFixtures(t *testing.T, dir string, seed uint64) types.Config {
	t.Helper()

	src := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
	pois := distuv.Poisson{Lambda: 10, Src: src}
	origin := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	var insects bytes.Buffer
	insects.WriteString("DateBlkTrtmnt,Concat_DBT_sp_num,Date,Block,Treatment,CountType,Insect.type,Count\n")
	var specimens [][]any
	specimens = append(specimens, []any{"DG_Spec_ID_code", "Genus", "Species", "Sex"})
	var flowers [][]any
	flowers = append(flowers, []any{"DateBlkTrtmnt", "FlowerCount"})

	n := 0
	for day := 0; day < 25; day += 5 {
		date := origin.AddDate(0, 0, day).Format(types.DateLayout)
		for _, blk := range []string{"B1", "B2"} {
			for _, trt := range []string{"control", "herbicide"} {
				key := fmt.Sprintf("%s-%s-%s", date, blk, trt)
				flowers = append(flowers, []any{key, 40})
				for rep := 0; rep < 6; rep++ {
					n++
					spec := fmt.Sprintf("%s-%d", key, n)
					fmt.Fprintf(&insects, "%s,%s,%s,%s,%s,timed,bee,%d\n",
						key, spec, date, blk, trt, int(pois.Rand()))
					specimens = append(specimens, []any{spec, "genus", "Apis mellifera", "F"})
				}
			}
		}
	}

	insectsPath := filepath.Join(dir, "insects.csv")
	require.NoError(t, os.WriteFile(insectsPath, insects.Bytes(), 0o644))
	flowersPath := filepath.Join(dir, "flowers.xlsx")
	writeXLSX(t, flowersPath, flowers)
	specimensPath := filepath.Join(dir, "specimens.xlsx")
	writeXLSX(t, specimensPath, specimens)

	return types.Config{
		InsectsPath:   insectsPath,
		FlowersPath:   flowersPath,
		SpecimensPath: specimensPath,
		OutDir:        filepath.Join(dir, "out"),
	}
}

func TestRunNullEffectCoverage(t *testing.T) {
	// With no true treatment effect, the 95% Wald interval of the treatment
	// main effect covers zero in about 95% of replicates. Requiring 10 of 12
	// keeps the assertion far out in the tail of chance failure.
	const replicates = 12
	covered := 0
	for seed := uint64(1); seed <= replicates; seed++ {
		cfg := writeNullFixtures(t, t.TempDir(), seed)
		res, err := Run(cfg, &bytes.Buffer{})
		require.NoError(t, err)

		for _, c := range res.FixedBlock.Coefs {
			if c.Name != "Treatmentherbicide" {
				continue
			}
			if math.Abs(c.Estimate) <= 1.959963984540054*c.StdErr {
				covered++
			}
		}
	}
	assert.GreaterOrEqual(t, covered, 10,
		"treatment CI should cover zero in most null replicates")
}

func TestRunReferenceLevels(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	cfg.ReferenceBlock = "B3"
	cfg.ReferenceTreatment = "herbicide"

	res, err := Run(cfg, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "B3", res.Block.Reference())
	assert.Equal(t, "herbicide", res.Treatment.Reference())
}

func TestRunUnknownReferenceLevel(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	cfg.ReferenceTreatment = "fungicide"

	_, err := Run(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrLevelUnknown)
}

func TestRunDatePolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFixtures(t, dir)

	// Append a row with a garbled date.
	f, err := os.OpenFile(cfg.InsectsPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("xx,x3,31Jnu2024,B1,control,timed,bee,2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Run(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrBadDate, "default policy fails on bad dates")
	assert.True(t, IsSchemaError(err), "a bad date in an input file is an input error")

	cfg.DatePolicy = types.DatePolicyDrop
	res, err := Run(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	last := res.CleaningLog[len(res.CleaningLog)-1]
	assert.Equal(t, "parse_dates", last.Step)
	assert.Equal(t, 1, last.Dropped())
}

func TestRunMissingInput(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	cfg.InsectsPath = filepath.Join(t.TempDir(), "nope.csv")

	_, err := Run(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrFileNotFound)
	assert.True(t, IsSchemaError(err))
}

func TestRunMissingJoinColumn(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFixtures(t, dir)

	// Rewrite the flowers file without the join key.
	writeXLSX(t, cfg.FlowersPath, [][]any{{"FlowerCount"}, {12}})

	_, err := Run(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrSchema)
}

func TestWriteOutputs(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	cfg.Plots = true
	cfg.Archive = true

	var out bytes.Buffer
	res, err := Run(cfg, &out)
	require.NoError(t, err)
	require.NoError(t, Write(res, cfg, &out))

	for _, name := range []string{
		"insect_flower_joined.csv",
		"insect_specimen_joined.csv",
		"all_data_joined.csv",
		"run_config.yaml",
		"fixed_block_resid_fitted.png",
		"fixed_block_qq.png",
		"counts_timeseries.png",
		"prediction_curves.png",
		"pollcount.db",
	} {
		_, err := os.Stat(filepath.Join(cfg.OutDir, name))
		assert.NoError(t, err, "expected output %s", name)
	}

	text := out.String()
	assert.Contains(t, text, "Cleaning log")
	assert.Contains(t, text, "selected model")

	// The recorded config snapshot round-trips.
	data, err := os.ReadFile(filepath.Join(cfg.OutDir, "run_config.yaml"))
	require.NoError(t, err)
	var snapshot struct {
		RunID  string       `yaml:"run_id"`
		Config types.Config `yaml:"config"`
	}
	require.NoError(t, yaml.Unmarshal(data, &snapshot))
	assert.Equal(t, res.RunID, snapshot.RunID)
	assert.Equal(t, cfg.InsectsPath, snapshot.Config.InsectsPath)
}

func TestWriteSkipsPlotsAndArchive(t *testing.T) {
	cfg := writeFixtures(t, t.TempDir())
	cfg.Plots = false
	cfg.Archive = false

	res, err := Run(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, Write(res, cfg, &bytes.Buffer{}))

	for _, name := range []string{"counts_timeseries.png", "pollcount.db"} {
		_, err := os.Stat(filepath.Join(cfg.OutDir, name))
		assert.True(t, os.IsNotExist(err), "%s should not be written", name)
	}
}
