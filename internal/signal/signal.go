// Package signal defines the intersection, phase and pair types shared by the
// stores, the optimizer, the arbiter and the cycle scheduler.
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidLayout is returned when a pair layout does not partition its
// intersections.
var ErrInvalidLayout = errors.New("invalid signal layout")

// IntersectionID identifies one signal head group, e.g. "4001".
type IntersectionID string

// Phase is the aspect shown by an intersection.
type Phase string

const (
	Green  Phase = "green"
	Yellow Phase = "yellow"
	Red    Phase = "red"
)

// ParsePhase converts a wire string into a Phase.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case Green, Yellow, Red:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// Authority names which arbitration source produced a transition.
type Authority string

const (
	AuthorityStartup   Authority = "startup"
	AuthorityAutomatic Authority = "automatic"
	AuthorityManual    Authority = "manual"
	AuthorityEmergency Authority = "emergency"
	AuthorityShutdown  Authority = "shutdown"
)

// Pair is two intersections that never conflict with each other and always
// share a phase.
type Pair [2]IntersectionID

// Contains reports whether id is a member of the pair.
func (p Pair) Contains(id IntersectionID) bool {
	return p[0] == id || p[1] == id
}

func (p Pair) String() string {
	return fmt.Sprintf("(%s,%s)", p[0], p[1])
}

// Layout is the fixed, ordered partition of intersections into pairs. The
// order is the pair iteration order used for rotation and tie-breaking.
type Layout []Pair

// NewLayout validates pairs and returns them as a Layout.
func NewLayout(pairs ...Pair) (Layout, error) {
	l := Layout(pairs)
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks that the layout has at least two pairs and that every
// intersection appears exactly once.
func (l Layout) Validate() error {
	if len(l) < 2 {
		return fmt.Errorf("%w: need at least 2 pairs, got %d", ErrInvalidLayout, len(l))
	}
	seen := make(map[IntersectionID]bool, len(l)*2)
	for i, p := range l {
		for _, id := range p {
			if strings.TrimSpace(string(id)) == "" {
				return fmt.Errorf("%w: pair %d has an empty intersection id", ErrInvalidLayout, i)
			}
			if seen[id] {
				return fmt.Errorf("%w: intersection %s appears more than once", ErrInvalidLayout, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// PairOf returns the index of the pair containing id, or -1.
func (l Layout) PairOf(id IntersectionID) int {
	for i, p := range l {
		if p.Contains(id) {
			return i
		}
	}
	return -1
}

// Contains reports whether id belongs to any pair.
func (l Layout) Contains(id IntersectionID) bool {
	return l.PairOf(id) >= 0
}

// Intersections lists every intersection in pair order.
func (l Layout) Intersections() []IntersectionID {
	out := make([]IntersectionID, 0, len(l)*2)
	for _, p := range l {
		out = append(out, p[0], p[1])
	}
	return out
}

// Next returns the pair index that follows i in rotation order.
func (l Layout) Next(i int) int {
	return (i + 1) % len(l)
}

// Timing holds the durations, in whole seconds, that bound green allocation.
type Timing struct {
	DefaultGreen   int
	MaxGreen       int
	Yellow         int
	EmergencyBoost int
}

// EmergencyGreen is the boosted green given to a pair under emergency.
func (t Timing) EmergencyGreen() int {
	return t.MaxGreen + t.EmergencyBoost
}

// PhaseEvent is one per-intersection phase change as it leaves the
// scheduler. All events of one transition share a TransitionID.
type PhaseEvent struct {
	TransitionID string         `json:"transition_id"`
	Intersection IntersectionID `json:"intersection"`
	Phase        Phase          `json:"phase"`
	Duration     int            `json:"duration"`
	Emergency    bool           `json:"emergency"`
	Authority    Authority      `json:"authority"`
	At           time.Time      `json:"at"`
}

// Seconds converts whole seconds into a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
