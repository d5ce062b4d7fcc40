// Package report renders the run's outputs: diagnostic and prediction plots,
// the exported joined tables, printed model summaries, and the sqlite run
// archive.
package report

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/dgray-lab/pollcount/internal/model"
	"github.com/dgray-lab/pollcount/internal/posthoc"
	"github.com/dgray-lab/pollcount/internal/table"
)

const plotSize = 5 * vg.Inch

// SaveDiagnostics renders the four standard GLM diagnostic plots for a fit
// and returns the paths written.
func SaveDiagnostics(fit *model.Fit, dir, prefix string) ([]string, error) {
	var written []string

	save := func(p *plot.Plot, name string) error {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", prefix, name))
		if err := p.Save(plotSize, plotSize, path); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	// Residuals vs fitted.
	p := plot.New()
	p.Title.Text = "Residuals vs Fitted"
	p.X.Label.Text = "fitted mean count"
	p.Y.Label.Text = "deviance residual"
	xys := make(plotter.XYs, len(fit.Mu))
	for i := range fit.Mu {
		xys[i] = plotter.XY{X: fit.Mu[i], Y: fit.DevianceResiduals[i]}
	}
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("residuals vs fitted: %w", err)
	}
	p.Add(s, plotter.NewGrid())
	if err := save(p, "resid_fitted"); err != nil {
		return nil, err
	}

	// Normal Q-Q of deviance residuals.
	p = plot.New()
	p.Title.Text = "Normal Q-Q"
	p.X.Label.Text = "theoretical quantile"
	p.Y.Label.Text = "deviance residual"
	sorted := append([]float64(nil), fit.DevianceResiduals...)
	sort.Float64s(sorted)
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	n := len(sorted)
	qq := make(plotter.XYs, n)
	for i, r := range sorted {
		qq[i] = plotter.XY{X: norm.Quantile((float64(i) + 0.5) / float64(n)), Y: r}
	}
	s, err = plotter.NewScatter(qq)
	if err != nil {
		return nil, fmt.Errorf("qq: %w", err)
	}
	p.Add(s, plotter.NewGrid())
	if err := save(p, "qq"); err != nil {
		return nil, err
	}

	// Scale-location.
	p = plot.New()
	p.Title.Text = "Scale-Location"
	p.X.Label.Text = "fitted mean count"
	p.Y.Label.Text = "sqrt |std deviance residual|"
	sl := make(plotter.XYs, len(fit.Mu))
	for i := range fit.Mu {
		std := fit.DevianceResiduals[i] / math.Sqrt(1-math.Min(fit.Hat[i], 0.999))
		sl[i] = plotter.XY{X: fit.Mu[i], Y: math.Sqrt(math.Abs(std))}
	}
	s, err = plotter.NewScatter(sl)
	if err != nil {
		return nil, fmt.Errorf("scale-location: %w", err)
	}
	p.Add(s, plotter.NewGrid())
	if err := save(p, "scale_location"); err != nil {
		return nil, err
	}

	// Residuals vs leverage.
	p = plot.New()
	p.Title.Text = "Residuals vs Leverage"
	p.X.Label.Text = "leverage"
	p.Y.Label.Text = "pearson residual"
	lev := make(plotter.XYs, len(fit.Hat))
	for i := range fit.Hat {
		lev[i] = plotter.XY{X: fit.Hat[i], Y: fit.PearsonResiduals[i]}
	}
	s, err = plotter.NewScatter(lev)
	if err != nil {
		return nil, fmt.Errorf("leverage: %w", err)
	}
	p.Add(s, plotter.NewGrid())
	if err := save(p, "leverage"); err != nil {
		return nil, err
	}

	return written, nil
}

// SaveTimeSeries renders raw counts against days since the first survey,
// one series per treatment.
func SaveTimeSeries(data table.Table, trt table.Factor, dayCol, countCol, path string) error {
	p := plot.New()
	p.Title.Text = "Observed counts over time"
	p.X.Label.Text = "days since first survey"
	p.Y.Label.Text = "count"

	days, err := data.Floats(dayCol)
	if err != nil {
		return fmt.Errorf("time series: %w", err)
	}
	counts, err := data.Floats(countCol)
	if err != nil {
		return fmt.Errorf("time series: %w", err)
	}
	labels, err := data.Column(trt.Name)
	if err != nil {
		return fmt.Errorf("time series: %w", err)
	}

	var series []interface{}
	for _, lv := range trt.Levels {
		var xys plotter.XYs
		for i := range days {
			if labels[i] == lv {
				xys = append(xys, plotter.XY{X: days[i], Y: counts[i]})
			}
		}
		series = append(series, lv, xys)
	}
	if err := plotutil.AddScatters(p, series...); err != nil {
		return fmt.Errorf("time series: %w", err)
	}
	if err := p.Save(plotSize, plotSize, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// SavePredictionCurves renders the response-scale prediction grid, one line
// per treatment. Species repeat the same curve under this model family, so
// only the first species' points are drawn.
func SavePredictionCurves(grid []posthoc.GridPoint, path string) error {
	if len(grid) == 0 {
		return nil
	}
	firstSpecies := grid[0].Species

	p := plot.New()
	p.Title.Text = "Predicted counts"
	p.X.Label.Text = "days since first survey"
	p.Y.Label.Text = "predicted count"

	byTrt := make(map[string]plotter.XYs)
	var order []string
	for _, g := range grid {
		if g.Species != firstSpecies {
			continue
		}
		if _, ok := byTrt[g.Treatment]; !ok {
			order = append(order, g.Treatment)
		}
		byTrt[g.Treatment] = append(byTrt[g.Treatment], plotter.XY{X: g.DateNum, Y: g.Predicted})
	}

	var series []interface{}
	for _, trt := range order {
		series = append(series, trt, byTrt[trt])
	}
	if err := plotutil.AddLines(p, series...); err != nil {
		return fmt.Errorf("prediction curves: %w", err)
	}
	if err := p.Save(plotSize, plotSize, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
