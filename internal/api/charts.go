package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/httputil"
)

// greenChart renders green allocations over time, one series per pair.
func (s *Server) greenChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	rows, err := s.cfg.Journal.GreenHistory(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve green history: %v", err))
		return
	}

	var buf bytes.Buffer
	if err := renderGreenChart(&buf, rows); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderGreenChart(buf *bytes.Buffer, rows []db.GreenRow) error {
	// One x slot per green transition. A series holds "-" (no point) at
	// slots where its pair was not green.
	series := map[string][]opts.LineData{}
	var order []string
	x := make([]string, len(rows))
	for i, g := range rows {
		x[i] = g.At.Format(time.TimeOnly)
		name := g.Pair()
		if _, ok := series[name]; !ok {
			gaps := make([]opts.LineData, len(rows))
			for j := range gaps {
				gaps[j] = opts.LineData{Value: "-"}
			}
			series[name] = gaps
			order = append(order, name)
		}
	}
	for i, g := range rows {
		series[g.Pair()][i] = opts.LineData{Value: g.Duration, Name: string(g.Authority)}
	}

	subtitle := "no transitions yet"
	if len(rows) > 0 {
		subtitle = fmt.Sprintf("%d greens, %s to %s", len(rows),
			rows[0].At.Format(time.RFC3339), rows[len(rows)-1].At.Format(time.RFC3339))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Green allocation", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Green allocation per pair", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "green (s)"}),
	)
	line.SetXAxis(x)
	for _, name := range order {
		line.AddSeries(name, series[name],
			charts.WithLineChartOpts(opts.LineChart{ConnectNulls: opts.Bool(true)}),
		)
	}

	page := components.NewPage()
	page.AddCharts(line)
	return page.Render(buf)
}
