package training

import (
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotRenderer turns the logged metric history into an image file. The
// trainer re-renders after every epoch, so implementations overwrite path.
type PlotRenderer interface {
	Render(logger *RunLogger, path string) error
}

// PlotGroup is one chart in the metrics figure: the named series drawn
// together on shared axes. YMax > 0 pins the vertical axis, which keeps
// bounded metrics like Dice on a fixed [0, YMax] scale across runs.
type PlotGroup struct {
	Title string
	Names []string
	YMax  float64
}

// DefaultPlotGroups builds the standard figure layout: one loss chart
// combining training and per-dataset validation losses, then one chart per
// performance metric with a series per validation dataset.
func DefaultPlotGroups(datasetNames []string) []PlotGroup {
	lossNames := []string{TrainLossColumn}
	for _, ds := range datasetNames {
		lossNames = append(lossNames, ValLossColumn(ds))
	}
	groups := []PlotGroup{{Title: "Loss", Names: lossNames}}

	for _, metric := range PerformanceMetrics {
		names := make([]string, 0, len(datasetNames))
		for _, ds := range datasetNames {
			names = append(names, MetricColumn(metric, ds))
		}
		groups = append(groups, PlotGroup{Title: metric.String(), Names: names, YMax: 1.0})
	}
	return groups
}

// MetricPlotter renders logged metric history as a single PNG with one
// chart per group, stacked vertically.
type MetricPlotter struct {
	Groups []PlotGroup
}

// NewMetricPlotter creates a plotter for the given groups.
func NewMetricPlotter(groups []PlotGroup) *MetricPlotter {
	return &MetricPlotter{Groups: groups}
}

// Render draws all groups from the logger history and writes the PNG to
// path. Series with no recorded values are skipped; an entirely empty
// group still occupies its tile so the layout stays stable.
func (mp *MetricPlotter) Render(logger *RunLogger, path string) error {
	if len(mp.Groups) == 0 {
		return fmt.Errorf("no plot groups configured")
	}

	rows := len(mp.Groups)
	plots := make([][]*plot.Plot, rows)
	for i, group := range mp.Groups {
		p := plot.New()
		p.Title.Text = group.Title
		p.X.Label.Text = "epoch"
		p.Legend.Top = true

		series := 0
		for _, name := range group.Names {
			epochs, values := logger.History(name)
			if len(values) == 0 {
				continue
			}
			xys := make(plotter.XYs, len(values))
			for j := range values {
				xys[j].X = float64(epochs[j])
				xys[j].Y = values[j]
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("failed to build line for %s: %v", name, err)
			}
			line.Color = plotutil.Color(series)
			p.Add(line)
			p.Legend.Add(name, line)
			series++
		}

		if group.YMax > 0 {
			p.Y.Min = 0
			p.Y.Max = group.YMax
		}
		plots[i] = []*plot.Plot{p}
	}

	img := vgimg.New(6*vg.Inch, vg.Length(rows)*3*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: rows,
		Cols: 1,
		PadX: vg.Millimeter,
		PadY: vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot file: %v", err)
	}
	defer f.Close()

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write plot image: %v", err)
	}
	return nil
}
