package store

import (
	"sync"

	"github.com/banshee-data/signal.control/internal/signal"
)

// OverrideSnapshot maps intersections to operator-fixed green seconds.
type OverrideSnapshot map[signal.IntersectionID]int

// OverrideStore records operator-fixed green durations. Presence of an entry
// means the operator owns that intersection's allocation.
type OverrideStore struct {
	mu        sync.Mutex
	overrides map[signal.IntersectionID]int
}

func NewOverrideStore() *OverrideStore {
	return &OverrideStore{overrides: make(map[signal.IntersectionID]int)}
}

// Set fixes id's green duration in seconds. Callers validate seconds > 0.
func (o *OverrideStore) Set(id signal.IntersectionID, seconds int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides[id] = seconds
}

// Clear removes id's override and reports whether one existed. Clearing an
// absent override is a no-op.
func (o *OverrideStore) Clear(id signal.IntersectionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.overrides[id]
	delete(o.overrides, id)
	return ok
}

// Get returns id's override.
func (o *OverrideStore) Get(id signal.IntersectionID) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.overrides[id]
	return v, ok
}

// Active reports whether any override is present.
func (o *OverrideStore) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.overrides) > 0
}

// Snapshot returns a copy of all overrides.
func (o *OverrideStore) Snapshot() OverrideSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(OverrideSnapshot, len(o.overrides))
	for k, v := range o.overrides {
		out[k] = v
	}
	return out
}
