package main

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/signal.control/internal/db"
)

// pairSummary describes the greens one pair received.
type pairSummary struct {
	Pair   string
	Greens int
	Mean   float64
	StdDev float64
	Total  int
}

// summarise groups greens by pair, in order of first appearance.
func summarise(rows []db.GreenRow) []pairSummary {
	durations := map[string][]float64{}
	var order []string
	for _, g := range rows {
		name := g.Pair()
		if _, ok := durations[name]; !ok {
			order = append(order, name)
		}
		durations[name] = append(durations[name], float64(g.Duration))
	}

	out := make([]pairSummary, 0, len(order))
	for _, name := range order {
		d := durations[name]
		mean, std := stat.MeanStdDev(d, nil)
		if len(d) < 2 {
			std = 0
		}
		total := 0
		for _, v := range d {
			total += int(v)
		}
		out = append(out, pairSummary{Pair: name, Greens: len(d), Mean: mean, StdDev: std, Total: total})
	}
	return out
}

// buildPlot draws each pair's green durations against minutes since the
// first green in rows.
func buildPlot(rows []db.GreenRow) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Green allocation per pair"
	p.X.Label.Text = "Minutes"
	p.Y.Label.Text = "Green (s)"

	if len(rows) == 0 {
		p.Title.Text += " (no transitions)"
		return p, nil
	}
	start := rows[0].At

	points := map[string]plotter.XYs{}
	for _, g := range rows {
		name := g.Pair()
		points[name] = append(points[name], plotter.XY{
			X: g.At.Sub(start).Minutes(),
			Y: float64(g.Duration),
		})
	}
	names := make([]string, 0, len(points))
	for name := range points {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		line, scatter, err := plotter.NewLinePoints(points[name])
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		scatter.Color = plotutil.Color(i)
		scatter.Shape = draw.CircleGlyph{}
		p.Add(line, scatter)
		p.Legend.Add(name, line, scatter)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p, nil
}

func span(rows []db.GreenRow) time.Duration {
	if len(rows) < 2 {
		return 0
	}
	return rows[len(rows)-1].At.Sub(rows[0].At)
}
