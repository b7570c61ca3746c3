// Package optimizer sizes each pair's green from smoothed density.
package optimizer

import (
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

// DefaultWeights are the smoothing weights, oldest sample first.
var DefaultWeights = []float64{0.2, 0.3, 0.5}

// Params bounds the allocation.
type Params struct {
	Timing   signal.Timing
	MinShare float64
	MaxShare float64
	// Weights apply to the most recent len(Weights) samples, oldest first.
	Weights []float64
}

// DefaultParams returns the reference deployment values.
func DefaultParams() Params {
	return Params{
		Timing:   signal.Timing{DefaultGreen: 30, MaxGreen: 60, Yellow: 5, EmergencyBoost: 20},
		MinShare: 0.35,
		MaxShare: 0.65,
		Weights:  append([]float64(nil), DefaultWeights...),
	}
}

// Optimizer proposes a green duration per pair. It holds no mutable state
// and is safe for concurrent use.
type Optimizer struct {
	layout signal.Layout
	params Params
}

// New returns an optimizer over layout. Empty weights fall back to
// DefaultWeights.
func New(layout signal.Layout, params Params) *Optimizer {
	if len(params.Weights) == 0 {
		params.Weights = append([]float64(nil), DefaultWeights...)
	}
	return &Optimizer{layout: layout, params: params}
}

// Layout returns the pair layout the optimizer allocates over.
func (o *Optimizer) Layout() signal.Layout { return o.layout }

// Params returns the allocation bounds.
func (o *Optimizer) Params() Params { return o.params }

// Smooth returns the weighted moving average of the totals in hist. With
// fewer samples than weights, the newest-aligned tail of the weights is
// renormalized, so a single sample smooths to its own total.
func (o *Optimizer) Smooth(hist []store.Sample) float64 {
	if len(hist) == 0 {
		return 0
	}
	w := o.params.Weights
	if len(hist) > len(w) {
		hist = hist[len(hist)-len(w):]
	}
	w = w[len(w)-len(hist):]

	x := make([]float64, len(hist))
	for i, s := range hist {
		x[i] = s.Total()
	}
	return stat.Mean(x, w)
}

// Smoothed returns the smoothed density of every intersection in the
// layout. Intersections without samples read as zero.
func (o *Optimizer) Smoothed(density store.DensitySnapshot) map[signal.IntersectionID]float64 {
	out := make(map[signal.IntersectionID]float64, len(o.layout)*2)
	for _, id := range o.layout.Intersections() {
		out[id] = o.Smooth(density[id])
	}
	return out
}

// Shares returns each pair's density share clamped into [MinShare,
// MaxShare], indexed like the layout. It returns nil when the total density
// is zero.
func (o *Optimizer) Shares(density store.DensitySnapshot) []float64 {
	smoothed := o.Smoothed(density)
	pairTotals := make([]float64, len(o.layout))
	var total float64
	for i, p := range o.layout {
		pairTotals[i] = smoothed[p[0]] + smoothed[p[1]]
		total += pairTotals[i]
	}
	if total <= 0 {
		return nil
	}
	shares := make([]float64, len(o.layout))
	for i, v := range pairTotals {
		shares[i] = clamp(v/total, o.params.MinShare, o.params.MaxShare)
	}
	return shares
}

// Propose returns the proposed green seconds for every pair, indexed like
// the layout. Pairs with a member in emergencies get the boosted green.
func (o *Optimizer) Propose(density store.DensitySnapshot, emergencies store.EmergencySnapshot) []int {
	tm := o.params.Timing
	shares := o.Shares(density)

	out := make([]int, len(o.layout))
	for i, p := range o.layout {
		switch {
		case emergencies.Has(p[0]) || emergencies.Has(p[1]):
			out[i] = tm.EmergencyGreen()
		case shares == nil:
			out[i] = tm.DefaultGreen
		default:
			out[i] = int(float64(tm.DefaultGreen) + shares[i]*float64(tm.MaxGreen-tm.DefaultGreen))
		}
	}
	return out
}

// ProposePair returns the proposal for a single pair index.
func (o *Optimizer) ProposePair(pair int, density store.DensitySnapshot, emergencies store.EmergencySnapshot) int {
	return o.Propose(density, emergencies)[pair]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
