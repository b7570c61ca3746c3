// Package store holds the mutable inputs of the cycle scheduler: density
// history, operator overrides and the emergency set. Each store has its own
// mutex and hands out copies, so a reader never observes a half-applied write.
package store

import (
	"sync"
	"time"

	"github.com/banshee-data/signal.control/internal/signal"
)

// DefaultDensityWindow is the number of samples kept per intersection.
const DefaultDensityWindow = 3

// Sample is one perception report for an intersection: vehicle class to
// count, stamped with its capture time.
type Sample struct {
	Counts map[string]int `json:"counts"`
	At     time.Time      `json:"at"`
}

// Total is the sample's density, the sum of its class counts. Negative
// counts contribute nothing.
func (s Sample) Total() float64 {
	var total float64
	for _, n := range s.Counts {
		if n > 0 {
			total += float64(n)
		}
	}
	return total
}

func (s Sample) clone() Sample {
	counts := make(map[string]int, len(s.Counts))
	for k, v := range s.Counts {
		counts[k] = v
	}
	return Sample{Counts: counts, At: s.At}
}

// DensitySnapshot maps intersections to their sample history, oldest first.
type DensitySnapshot map[signal.IntersectionID][]Sample

// DensityStore keeps a bounded history of density samples per intersection.
// Updates are last-write-wins: arrival order decides, not capture time.
type DensityStore struct {
	mu      sync.Mutex
	window  int
	samples map[signal.IntersectionID][]Sample
}

// NewDensityStore returns a store that keeps the last window samples per
// intersection. A window below 1 falls back to DefaultDensityWindow.
func NewDensityStore(window int) *DensityStore {
	if window < 1 {
		window = DefaultDensityWindow
	}
	return &DensityStore{
		window:  window,
		samples: make(map[signal.IntersectionID][]Sample),
	}
}

// Update appends a sample for id, evicting the oldest one when the window is
// full. The counts map is copied.
func (d *DensityStore) Update(id signal.IntersectionID, counts map[string]int, at time.Time) {
	s := Sample{Counts: counts, At: at}.clone()

	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.samples[id], s)
	if len(hist) > d.window {
		hist = append([]Sample(nil), hist[len(hist)-d.window:]...)
	}
	d.samples[id] = hist
}

// Latest returns the most recent sample for id.
func (d *DensityStore) Latest(id signal.IntersectionID) (Sample, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.samples[id]
	if len(hist) == 0 {
		return Sample{}, false
	}
	return hist[len(hist)-1].clone(), true
}

// Snapshot returns a deep copy of every intersection's history.
func (d *DensityStore) Snapshot() DensitySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(DensitySnapshot, len(d.samples))
	for id, hist := range d.samples {
		cp := make([]Sample, len(hist))
		for i, s := range hist {
			cp[i] = s.clone()
		}
		out[id] = cp
	}
	return out
}

// Window returns the configured history length.
func (d *DensityStore) Window() int {
	return d.window
}
