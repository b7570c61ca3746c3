package store

import (
	"sort"
	"sync"

	"github.com/banshee-data/signal.control/internal/signal"
)

// EmergencySnapshot is the set of intersections with an uncleared emergency.
type EmergencySnapshot map[signal.IntersectionID]struct{}

// Has reports whether id is in the snapshot. A nil snapshot is empty.
func (s EmergencySnapshot) Has(id signal.IntersectionID) bool {
	_, ok := s[id]
	return ok
}

// IDs lists the members in sorted order.
func (s EmergencySnapshot) IDs() []signal.IntersectionID {
	out := make([]signal.IntersectionID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EmergencySet tracks intersections with an emergency vehicle approaching.
// Newly started emergencies are signalled on a coalescing channel so the
// scheduler can wake from a timed wait.
type EmergencySet struct {
	mu      sync.Mutex
	active  map[signal.IntersectionID]struct{}
	changed chan struct{}
}

func NewEmergencySet() *EmergencySet {
	return &EmergencySet{
		active:  make(map[signal.IntersectionID]struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Start marks id as under emergency. It reports whether id was newly added;
// only new members trigger a notification.
func (e *EmergencySet) Start(id signal.IntersectionID) bool {
	e.mu.Lock()
	_, exists := e.active[id]
	if !exists {
		e.active[id] = struct{}{}
	}
	e.mu.Unlock()

	if !exists {
		select {
		case e.changed <- struct{}{}:
		default:
		}
	}
	return !exists
}

// Clear removes id and reports whether it was present. Clearing an absent
// emergency is a no-op.
func (e *EmergencySet) Clear(id signal.IntersectionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	delete(e.active, id)
	return ok
}

// Has reports whether id is under emergency.
func (e *EmergencySet) Has(id signal.IntersectionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// Len returns the number of active emergencies.
func (e *EmergencySet) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Snapshot returns a copy of the set.
func (e *EmergencySet) Snapshot() EmergencySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(EmergencySnapshot, len(e.active))
	for id := range e.active {
		out[id] = struct{}{}
	}
	return out
}

// Changed returns a channel that receives after an emergency starts. Several
// starts between receives coalesce into one value.
func (e *EmergencySet) Changed() <-chan struct{} {
	return e.changed
}
