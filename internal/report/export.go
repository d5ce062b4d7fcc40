package report

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dgray-lab/pollcount/internal/model"
	"github.com/dgray-lab/pollcount/internal/posthoc"
	"github.com/dgray-lab/pollcount/internal/table"
	"github.com/dgray-lab/pollcount/pkg/types"
)

// Fixed export file names.
const (
	InsectFlowerCSV   = "insect_flower_joined.csv"
	InsectSpecimenCSV = "insect_specimen_joined.csv"
	AllJoinedCSV      = "all_data_joined.csv"
)

// ExportJoined writes the three joined tables to dir under their fixed names.
func ExportJoined(dir string, insectFlower, insectSpecimen, all table.Table) error {
	exports := []struct {
		name string
		t    table.Table
	}{
		{InsectFlowerCSV, insectFlower},
		{InsectSpecimenCSV, insectSpecimen},
		{AllJoinedCSV, all},
	}
	for _, e := range exports {
		if err := table.WriteCSV(e.t, filepath.Join(dir, e.name)); err != nil {
			return fmt.Errorf("export %s: %w", e.name, err)
		}
	}
	return nil
}

// PrintFit writes a model summary in the familiar coefficient-table shape.
func PrintFit(w io.Writer, name string, fit *model.Fit) {
	fmt.Fprintf(w, "\nModel: %s\n", name)
	fmt.Fprintf(w, "%-34s %10s %9s %8s %10s\n", "term", "estimate", "std.err", "z", "p")
	for _, c := range fit.Coefs {
		if c.Aliased {
			fmt.Fprintf(w, "%-34s %10s %9s %8s %10s\n", c.Name, "NA", "NA", "NA", "not estimable")
			continue
		}
		fmt.Fprintf(w, "%-34s %10.4f %9.4f %8.3f %10.4g\n", c.Name, c.Estimate, c.StdErr, c.Z, c.P)
	}
	fmt.Fprintf(w, "null deviance %.2f on %d df; residual deviance %.2f on %d df; AIC %.1f\n",
		fit.NullDeviance, fit.DFNull, fit.Deviance, fit.DFResidual, fit.AIC)
	if n := fit.AliasedCount(); n > 0 {
		fmt.Fprintf(w, "note: %d coefficient(s) not estimable (empty design cells)\n", n)
	}
}

// PrintMixed writes the mixed-model summary.
func PrintMixed(w io.Writer, fit *model.MixedFit) {
	fmt.Fprintf(w, "\nModel: poisson-mixed (random intercept per %s)\n", fit.Group.Name)
	fmt.Fprintf(w, "block variance %.4f; logLik %.2f; AIC %.1f\n", fit.Sigma2, fit.LogLik, fit.AIC)
	if !fit.Converged {
		fmt.Fprintf(w, "WARNING: did not converge: %s\n", fit.Message)
	}
	fmt.Fprintf(w, "%-34s %10s %9s %8s %10s\n", "term", "estimate", "std.err", "z", "p")
	for _, c := range fit.Coefs {
		if c.Aliased {
			fmt.Fprintf(w, "%-34s %10s %9s %8s %10s\n", c.Name, "NA", "NA", "NA", "not estimable")
			continue
		}
		fmt.Fprintf(w, "%-34s %10.4f %9.4f %8.3f %10.4g\n", c.Name, c.Estimate, c.StdErr, c.Z, c.P)
	}
}

// PrintAnova writes an analysis-of-deviance table.
func PrintAnova(w io.Writer, name string, a *model.AnovaTable) {
	fmt.Fprintf(w, "\n%s analysis of deviance: %s\n", a.Kind, name)
	fmt.Fprintf(w, "%-24s %10s %4s %10s\n", "term", "chisq", "df", "p")
	for _, r := range a.Rows {
		fmt.Fprintf(w, "%-24s %10.3f %4d %10.4g\n", r.Term, r.ChiSq, r.DF, r.P)
	}
}

// PrintContrasts writes the pairwise treatment comparisons.
func PrintContrasts(w io.Writer, emm *posthoc.EMMResult, contrasts []posthoc.Contrast) {
	fmt.Fprintf(w, "\nEstimated marginal means (%s)\n", emm.Factor)
	fmt.Fprintf(w, "%-16s %10s %10s %10s\n", "level", "mean", "lower", "upper")
	for _, m := range emm.Means {
		fmt.Fprintf(w, "%-16s %10.3f %10.3f %10.3f\n", m.Level, m.Response, m.Lower, m.Upper)
	}

	fmt.Fprintf(w, "\nPairwise comparisons (Tukey-adjusted)\n")
	fmt.Fprintf(w, "%-28s %8s %18s %10s\n", "contrast", "ratio", "95% CI", "p.adj")
	for _, c := range contrasts {
		ci := fmt.Sprintf("[%.3f, %.3f]", c.RatioLo, c.RatioHi)
		fmt.Fprintf(w, "%-28s %8.3f %18s %10.4g\n",
			c.A+" / "+c.B, c.Ratio, ci, c.P)
	}
}

// PrintCleaningLog writes the per-step row accounting.
func PrintCleaningLog(w io.Writer, log []types.CleaningStep) {
	fmt.Fprintln(w, "\nCleaning log")
	for _, s := range log {
		line := fmt.Sprintf("  %-24s %5d -> %5d rows", s.Step, s.RowsIn, s.RowsOut)
		if s.Dropped() > 0 {
			line += fmt.Sprintf("  (-%d: %s)", s.Dropped(), s.Detail)
		}
		fmt.Fprintln(w, line)
	}
}

// PrintSelection writes the model-selection outcome.
func PrintSelection(w io.Writer, sel *model.Selection) {
	fmt.Fprintf(w, "\nFinal model: %s\n", sel.Name)
	fmt.Fprintf(w, "  %s\n", sel.Reason)
	fmt.Fprintf(w, "  dispersion (fixed-block fit): %.3f", sel.Dispersion)
	if sel.Overdispersed {
		fmt.Fprint(w, "  -- exceeds threshold; consider a negative-binomial model")
	}
	fmt.Fprintln(w)
	if sel.FellBack {
		fmt.Fprintln(w, "  note: mixed-model fallback occurred")
	}
}
