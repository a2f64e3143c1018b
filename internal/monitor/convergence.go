// Package monitor renders registration diagnostics. ConvergencePlot
// turns a fine-registration iteration history into a PNG line plot of
// error against iteration.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/cloudalign/internal/register"
)

// palette cycles through distinguishable line colors.
var palette = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}

func plotutilColor(i int) color.RGBA {
	return palette[i%len(palette)]
}

// ConvergencePlot writes a PNG of per-iteration error for one or more
// labelled histories (typically one per estimator). Histories must be
// non-empty.
func ConvergencePlot(path string, series map[string][]register.IterationStats) error {
	if len(series) == 0 {
		return fmt.Errorf("no history series to plot")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating plot dir: %w", err)
		}
	}

	p := plot.New()
	p.Title.Text = "Registration convergence"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "mean error"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	labels := make([]string, 0, len(series))
	for label := range series {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	idx := 0
	for _, label := range labels {
		history := series[label]
		if len(history) == 0 {
			return fmt.Errorf("history %q is empty", label)
		}
		pts := make(plotter.XYs, 0, len(history))
		for _, stat := range history {
			if stat.Error <= 0 {
				continue // log scale cannot show exact zeros
			}
			pts = append(pts, plotter.XY{X: float64(stat.Iteration), Y: stat.Error})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("building line for %q: %w", label, err)
		}
		line.Color = plotutilColor(idx)
		p.Add(line)
		p.Legend.Add(label, line)
		idx++
	}
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}
