// Command cycle-plot renders the green history from a controller journal
// as a PNG and prints per-pair statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/security"
)

var (
	dbPath = flag.String("db", "signal.db", "Path to the sqlite journal")
	output = flag.String("out", "green-history.png", "Output PNG path")
	limit  = flag.Int("limit", 500, "Number of most recent greens to plot")
)

func main() {
	flag.Parse()
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: journal not found: %s\n", *dbPath)
		os.Exit(1)
	}

	if err := security.ValidateOutputPath(*output); err != nil {
		log.Fatalf("refusing to write plot: %v", err)
	}

	journal, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer journal.Close()

	rows, err := journal.GreenHistory(*limit)
	if err != nil {
		log.Fatalf("failed to read green history: %v", err)
	}

	p, err := buildPlot(rows)
	if err != nil {
		log.Fatalf("failed to build plot: %v", err)
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, *output); err != nil {
		log.Fatalf("failed to save %s: %v", *output, err)
	}

	fmt.Printf("%d greens over %s written to %s\n", len(rows), span(rows), *output)
	for _, s := range summarise(rows) {
		fmt.Printf("  %-12s greens=%-4d mean=%5.1fs sd=%4.1fs total=%ds\n", s.Pair, s.Greens, s.Mean, s.StdDev, s.Total)
	}
}
