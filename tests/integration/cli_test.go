// End-to-end CLI tests: build the pollcount binary once, then run the whole
// analysis against generated survey fixtures.
package integration

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dgray-lab/pollcount/pkg/types"
)

// TestMain builds the pollcount binary once before running tests.
func TestMain(m *testing.M) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		SetBuildErr(err)
		os.Exit(m.Run())
	}

	tmpDir, err := os.MkdirTemp("", "pollcount-test-*")
	if err != nil {
		SetBuildErr(err)
		os.Exit(m.Run())
	}
	binPath := filepath.Join(tmpDir, "pollcount")
	SetPollcountBin(binPath)

	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/pollcount")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		SetBuildErr(&BuildError{Err: err, Output: string(output)})
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// writeSurveyFixtures generates a consistent trio of input files in dir.
func writeSurveyFixtures(t *testing.T, dir string) (insects, flowers, specimens string) {
	t.Helper()

	src := rand.New(rand.NewPCG(5, 23))
	pois := func(lambda float64) int {
		return int(distuv.Poisson{Lambda: lambda, Src: src}.Rand())
	}

	origin := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	treatments := map[string]float64{"control": 0, "herbicide": -0.6}
	blocks := map[string]float64{"B1": -0.2, "B2": 0, "B3": 0.2}

	var sb strings.Builder
	sb.WriteString("DateBlkTrtmnt,Concat_DBT_sp_num,Date,Block,Treatment,CountType,Insect.type,Count\n")
	var specimenRows [][]any
	specimenRows = append(specimenRows, []any{"DG_Spec_ID_code", "Genus", "Species", "Sex"})
	var flowerRows [][]any
	flowerRows = append(flowerRows, []any{"DateBlkTrtmnt", "FlowerCount"})

	n := 0
	for day := 0; day < 25; day += 5 {
		date := origin.AddDate(0, 0, day).Format(types.DateLayout)
		for blk, be := range blocks {
			for trt, te := range treatments {
				key := fmt.Sprintf("%s-%s-%s", date, blk, trt)
				flowerRows = append(flowerRows, []any{key, 40 + pois(15)})
				for _, insect := range []string{"bee", "hoverfly"} {
					n++
					spec := fmt.Sprintf("%s-%d", key, n)
					lambda := 5 * math.Exp(te+be+0.015*float64(day))
					fmt.Fprintf(&sb, "%s,%s,%s,%s,%s,timed,%s,%d\n",
						key, spec, date, blk, trt, insect, pois(lambda))
					specimenRows = append(specimenRows, []any{
						spec, "genus", []string{"Apis mellifera", "Eristalis tenax"}[n%2], []string{"F", "M"}[n%2]})
				}
			}
		}
	}

	insects = filepath.Join(dir, "insects.csv")
	require.NoError(t, os.WriteFile(insects, []byte(sb.String()), 0o644))

	flowers = filepath.Join(dir, "flowers.xlsx")
	writeXLSX(t, flowers, flowerRows)
	specimens = filepath.Join(dir, "specimens.xlsx")
	writeXLSX(t, specimens, specimenRows)
	return insects, flowers, specimens
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

func TestVersionCommand(t *testing.T) {
	env := NewTestEnv(t)

	res := env.MustRunPollcount("version")
	assert.Contains(t, res.Stdout, "pollcount")
}

func TestRunFullAnalysis(t *testing.T) {
	env := NewTestEnv(t)
	insects, flowers, specimens := writeSurveyFixtures(t, env.WorkDir)
	outDir := filepath.Join(env.WorkDir, "out")

	res := env.MustRunPollcount("run",
		"--insects", insects,
		"--flowers", flowers,
		"--specimens", specimens,
		"--out", outDir)

	// The printed report carries the full story of the run.
	for _, want := range []string{
		"Cleaning log",
		"analysis of deviance",
		"Estimated marginal means",
		"Pairwise comparisons",
		"Final model:",
	} {
		assert.Contains(t, res.Stdout, want)
	}

	// Every file artifact lands in the output directory.
	for _, name := range []string{
		"insect_flower_joined.csv",
		"insect_specimen_joined.csv",
		"all_data_joined.csv",
		"fixed_block_resid_fitted.png",
		"fixed_block_qq.png",
		"fixed_block_scale_location.png",
		"fixed_block_leverage.png",
		"counts_timeseries.png",
		"prediction_curves.png",
		"pollcount.db",
	} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, "expected output %s", name)
	}

	// A default config file is written on first run.
	_, err := os.Stat(filepath.Join(env.ConfigDir, "pollcount.yaml"))
	assert.NoError(t, err)
}

func TestRunNoPlotsNoArchive(t *testing.T) {
	env := NewTestEnv(t)
	insects, flowers, specimens := writeSurveyFixtures(t, env.WorkDir)
	outDir := filepath.Join(env.WorkDir, "out")

	env.MustRunPollcount("run",
		"--insects", insects,
		"--flowers", flowers,
		"--specimens", specimens,
		"--out", outDir,
		"--no-plots", "--no-archive")

	for _, name := range []string{"counts_timeseries.png", "pollcount.db"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.True(t, os.IsNotExist(err), "%s should not exist", name)
	}
	// The CSV exports always happen.
	_, err := os.Stat(filepath.Join(outDir, "all_data_joined.csv"))
	assert.NoError(t, err)
}

func TestRunMissingInputIsUserError(t *testing.T) {
	env := NewTestEnv(t)
	_, flowers, specimens := writeSurveyFixtures(t, env.WorkDir)

	res := env.RunPollcount("run",
		"--insects", filepath.Join(env.WorkDir, "missing.csv"),
		"--flowers", flowers,
		"--specimens", specimens)

	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "missing.csv")
}

func TestRunMissingFlagsIsUserError(t *testing.T) {
	env := NewTestEnv(t)

	res := env.RunPollcount("run")
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunConfigFileSuppliesInputs(t *testing.T) {
	env := NewTestEnv(t)
	insects, flowers, specimens := writeSurveyFixtures(t, env.WorkDir)
	outDir := filepath.Join(env.WorkDir, "out")

	cfg := fmt.Sprintf("insects: %s\nflowers: %s\nspecimens: %s\nout_dir: %s\nplots: false\narchive: false\n",
		insects, flowers, specimens, outDir)
	require.NoError(t, os.WriteFile(filepath.Join(env.ConfigDir, "pollcount.yaml"), []byte(cfg), 0o644))

	res := env.MustRunPollcount("run")
	assert.Contains(t, res.Stdout, "Final model:")

	_, err := os.Stat(filepath.Join(outDir, "all_data_joined.csv"))
	assert.NoError(t, err)
}

func TestRunDatePolicyFlag(t *testing.T) {
	env := NewTestEnv(t)
	insects, flowers, specimens := writeSurveyFixtures(t, env.WorkDir)

	// Corrupt one date.
	data, err := os.ReadFile(insects)
	require.NoError(t, err)
	corrupted := strings.Replace(string(data), "01Jun2024,B1", "01Jnu2024,B1", 1)
	require.NoError(t, os.WriteFile(insects, []byte(corrupted), 0o644))

	args := []string{"run",
		"--insects", insects,
		"--flowers", flowers,
		"--specimens", specimens,
		"--out", filepath.Join(env.WorkDir, "out"),
		"--no-plots", "--no-archive"}

	res := env.RunPollcount(args...)
	assert.Equal(t, 1, res.ExitCode, "a bad date under the fail policy is a user error")

	res = env.MustRunPollcount(append(args, "--date-policy", "drop")...)
	assert.Contains(t, res.Stdout, "parse_dates")
}
