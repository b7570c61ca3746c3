// Package arbiter picks the next pair and its green. Emergencies beat
// manual overrides, which beat density-driven rotation.
package arbiter

import (
	"github.com/banshee-data/signal.control/internal/optimizer"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

// Input is one consistent view of the stores taken at a decision point.
type Input struct {
	// Active is the layout index of the pair currently green or yellow.
	Active int
	// ServingEmergency is set while Active holds an emergency green. A
	// second emergency on another pair then wins over the active one.
	ServingEmergency bool
	// Exclude forbids choosing Active. It is set after a yellow, when the
	// outgoing pair must hand over.
	Exclude bool

	Emergencies store.EmergencySnapshot
	Overrides   store.OverrideSnapshot
	Density     store.DensitySnapshot
}

// Decision is the arbiter's output.
type Decision struct {
	Authority signal.Authority
	Next      int
	Green     int
}

// Arbiter is stateless; one value serves the scheduler for its lifetime.
type Arbiter struct {
	opt *optimizer.Optimizer
}

func New(opt *optimizer.Optimizer) *Arbiter {
	return &Arbiter{opt: opt}
}

// Optimizer returns the optimizer the arbiter delegates automatic sizing to.
func (a *Arbiter) Optimizer() *optimizer.Optimizer { return a.opt }

// Decide evaluates the three authorities in priority order.
func (a *Arbiter) Decide(in Input) Decision {
	if d, ok := a.emergency(in); ok {
		return d
	}

	layout := a.opt.Layout()
	tm := a.opt.Params().Timing
	next := layout.Next(in.Active)

	if len(in.Overrides) > 0 {
		return Decision{
			Authority: signal.AuthorityManual,
			Next:      next,
			Green:     overrideGreen(in.Overrides, layout[next], tm.DefaultGreen),
		}
	}

	return Decision{
		Authority: signal.AuthorityAutomatic,
		Next:      next,
		Green:     a.opt.ProposePair(next, in.Density, in.Emergencies),
	}
}

// emergency returns the emergency decision, if any pair qualifies. Pairs are
// scanned in layout order. The active pair is skipped when Exclude is set,
// and deprioritized while it is already serving an emergency.
func (a *Arbiter) emergency(in Input) (Decision, bool) {
	if len(in.Emergencies) == 0 {
		return Decision{}, false
	}
	layout := a.opt.Layout()
	green := a.opt.Params().Timing.EmergencyGreen()

	activeHas := false
	for i, p := range layout {
		if !in.Emergencies.Has(p[0]) && !in.Emergencies.Has(p[1]) {
			continue
		}
		if i == in.Active {
			activeHas = true
			if in.Exclude || in.ServingEmergency {
				continue
			}
		}
		return Decision{Authority: signal.AuthorityEmergency, Next: i, Green: green}, true
	}
	if activeHas && !in.Exclude {
		return Decision{Authority: signal.AuthorityEmergency, Next: in.Active, Green: green}, true
	}
	return Decision{}, false
}

// overrideGreen returns the largest override among p's members, or def when
// neither member has one.
func overrideGreen(overrides store.OverrideSnapshot, p signal.Pair, def int) int {
	best, found := 0, false
	for _, id := range p {
		if v, ok := overrides[id]; ok && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return def
	}
	return best
}
