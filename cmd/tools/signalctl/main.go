// Command signalctl is an operator client for a running controller.
//
//	signalctl [--api URL] state
//	signalctl density
//	signalctl override <id> <seconds>|clear
//	signalctl emergency <id> start|clear
//	signalctl events [limit]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/banshee-data/signal.control/internal/api"
	"github.com/banshee-data/signal.control/internal/signal"
)

var apiBase = flag.String("api", "http://localhost:8080", "Controller API base URL")

var errUsage = errors.New("usage: signalctl state|density|override <id> <seconds>|clear|emergency <id> start|clear|events [limit]")

func main() {
	flag.Parse()
	if err := run(api.NewClient(*apiBase, nil), flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *api.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "state":
		return showState(c, out)
	case "density":
		return showDensity(c, out)
	case "override":
		if len(args) != 3 {
			return errUsage
		}
		id := signal.IntersectionID(args[1])
		if args[2] == "clear" {
			if _, err := c.ClearOverride(id); err != nil {
				return err
			}
			fmt.Fprintf(out, "override cleared for %s\n", id)
			return nil
		}
		secs, err := strconv.Atoi(args[2])
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration %q", args[2])
		}
		resp, err := c.SetOverride(id, secs)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "override for %s set to %ds\n", resp.Intersection, *resp.Duration)
		return nil
	case "emergency":
		if len(args) != 3 || (args[2] != "start" && args[2] != "clear") {
			return errUsage
		}
		resp, err := c.SetEmergency(signal.IntersectionID(args[1]), args[2] == "start")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "emergency at %s active=%v\n", resp.Intersection, resp.Active)
		return nil
	case "events":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			limit = n
		}
		return showEvents(c, out, limit)
	default:
		return errUsage
	}
}

func showState(c *api.Client, out io.Writer) error {
	st, err := c.State()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "running=%v active=%s phase=%s authority=%s transitions=%d\n",
		st.Running, st.Cycle.ActivePair, st.Cycle.Phase, st.Cycle.Authority, st.Cycle.Transitions)

	ids := make([]string, 0, len(st.Cycle.Intersections))
	for id := range st.Cycle.Intersections {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERSECTION\tPHASE\tDURATION\tEMERGENCY\tOVERRIDE")
	for _, id := range ids {
		is := st.Cycle.Intersections[signal.IntersectionID(id)]
		override := "-"
		if s, ok := st.Overrides[signal.IntersectionID(id)]; ok {
			override = strconv.Itoa(s) + "s"
		}
		fmt.Fprintf(tw, "%s\t%s\t%ds\t%v\t%s\n", id, is.Phase, is.Duration, is.Emergency, override)
	}
	return tw.Flush()
}

func showDensity(c *api.Client, out io.Writer) error {
	d, err := c.Density()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAIR\tDENSITY\tSHARE\tPROPOSED")
	for _, p := range d.Pairs {
		share := "-"
		if p.Share != nil {
			share = fmt.Sprintf("%.2f", *p.Share)
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%ds\n", p.Pair, p.Density, share, p.Proposed)
	}
	return tw.Flush()
}

func showEvents(c *api.Client, out io.Writer, limit int) error {
	rows, err := c.Events(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tINTERSECTION\tPHASE\tDURATION\tAUTHORITY\tEMERGENCY")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%ds\t%s\t%v\n",
			r.At.Format("15:04:05"), r.Intersection, r.Phase, r.Duration, r.Authority, r.Emergency)
	}
	return tw.Flush()
}
