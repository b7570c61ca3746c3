package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

// IntersectionState is the last phase published for one intersection.
type IntersectionState struct {
	Phase     signal.Phase `json:"phase"`
	Duration  int          `json:"duration"`
	Since     time.Time    `json:"since"`
	Expires   time.Time    `json:"expires"`
	Emergency bool         `json:"emergency"`
}

// CycleState is a copy of the scheduler's view of the cycle.
type CycleState struct {
	Active     int              `json:"active"`
	ActivePair signal.Pair      `json:"active_pair"`
	Phase      signal.Phase     `json:"phase"`
	Authority  signal.Authority `json:"authority"`
	// Deadline is when the active pair's current phase ends.
	Deadline        time.Time `json:"deadline"`
	TransitionID    string    `json:"transition_id"`
	Transitions     uint64    `json:"transitions"`
	PublishFailures int       `json:"publish_failures"`

	Intersections map[signal.IntersectionID]IntersectionState `json:"intersections"`
}

func newCycleState(layout signal.Layout) CycleState {
	st := CycleState{
		ActivePair:    layout[0],
		Intersections: make(map[signal.IntersectionID]IntersectionState, len(layout)*2),
	}
	for _, id := range layout.Intersections() {
		st.Intersections[id] = IntersectionState{Phase: signal.Red}
	}
	return st
}

func (c CycleState) clone() CycleState {
	out := c
	out.Intersections = make(map[signal.IntersectionID]IntersectionState, len(c.Intersections))
	for id, v := range c.Intersections {
		out.Intersections[id] = v
	}
	return out
}

// Snapshot returns a copy of the current cycle state. It never blocks on a
// phase wait.
func (s *Scheduler) Snapshot() CycleState {
	s.mu.RLock()
	st := s.state.clone()
	s.mu.RUnlock()
	st.PublishFailures = int(s.failures.Load())
	return st
}

type assignment struct {
	id       signal.IntersectionID
	phase    signal.Phase
	duration int
}

// publishGreen gives pair next its green and holds every other pair Red for
// green+yellow. Reds are ordered first.
func (s *Scheduler) publishGreen(auth signal.Authority, next, green int, em store.EmergencySnapshot) error {
	red := green + s.timing.Yellow
	assigns := make([]assignment, 0, len(s.layout)*2)
	for i, p := range s.layout {
		if i == next {
			continue
		}
		assigns = append(assigns, assignment{p[0], signal.Red, red}, assignment{p[1], signal.Red, red})
	}
	p := s.layout[next]
	assigns = append(assigns, assignment{p[0], signal.Green, green}, assignment{p[1], signal.Green, green})

	logf("%s green %ds (%s), others red %ds", p, green, auth, red)
	return s.commit(auth, next, signal.Green, green, assigns, em)
}

// publishYellow moves the active pair to Yellow. Other pairs stay Red. auth
// is the authority that ended the green.
func (s *Scheduler) publishYellow(auth signal.Authority, active int, em store.EmergencySnapshot) error {
	y := s.timing.Yellow
	p := s.layout[active]
	return s.commit(auth, active, signal.Yellow, y,
		[]assignment{{p[0], signal.Yellow, y}, {p[1], signal.Yellow, y}}, em)
}

// commit applies one transition to the cycle state, then queues it for
// publishing outside the lock. It only fails once the publish boundary is
// lost.
func (s *Scheduler) commit(auth signal.Authority, active int, phase signal.Phase, seconds int, assigns []assignment, em store.EmergencySnapshot) error {
	now := s.clock.Now()
	tid := uuid.NewString()
	events := make([]signal.PhaseEvent, len(assigns))

	s.mu.Lock()
	s.state.Active = active
	s.state.ActivePair = s.layout[active]
	s.state.Phase = phase
	s.state.Authority = auth
	s.state.Deadline = now.Add(signal.Seconds(seconds))
	s.state.TransitionID = tid
	s.state.Transitions++
	for i, a := range assigns {
		ev := signal.PhaseEvent{
			TransitionID: tid,
			Intersection: a.id,
			Phase:        a.phase,
			Duration:     a.duration,
			Emergency:    em.Has(a.id),
			Authority:    auth,
			At:           now,
		}
		events[i] = ev
		s.state.Intersections[a.id] = IntersectionState{
			Phase:     a.phase,
			Duration:  a.duration,
			Since:     now,
			Expires:   now.Add(signal.Seconds(a.duration)),
			Emergency: ev.Emergency,
		}
	}
	s.mu.Unlock()

	s.publish(events)
	return s.lostErr()
}

// publish queues a transition for the link and the journal. A transition
// the link queue cannot take counts as failed.
func (s *Scheduler) publish(events []signal.PhaseEvent) {
	if !s.out.enqueue(events) {
		s.noteTransition(len(events))
	}
	if s.journalOut != nil {
		s.journalOut.enqueue(events)
	}
}

// noteTransition tracks consecutive failed transitions. A transition with
// any failed event counts once.
func (s *Scheduler) noteTransition(failed int) {
	if failed == 0 {
		s.failures.Store(0)
		return
	}
	n := s.failures.Add(1)
	if s.maxFailures > 0 && n >= int64(s.maxFailures) && s.lostClosed.CompareAndSwap(false, true) {
		close(s.lost)
	}
}

func (s *Scheduler) lostErr() error {
	select {
	case <-s.lost:
		return fmt.Errorf("%w: %d consecutive transitions failed", ErrPublishLost, s.maxFailures)
	default:
		return nil
	}
}

// safeState publishes every intersection Red and drains both queues within
// the shutdown timeout, so it still goes out after the run context is
// cancelled.
func (s *Scheduler) safeState() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTO)
	defer cancel()

	now := s.clock.Now()
	tid := uuid.NewString()
	ids := s.layout.Intersections()

	s.mu.Lock()
	s.state.Phase = signal.Red
	s.state.Authority = signal.AuthorityShutdown
	s.state.Deadline = now
	s.state.TransitionID = tid
	s.state.Transitions++
	for _, id := range ids {
		s.state.Intersections[id] = IntersectionState{Phase: signal.Red, Since: now, Expires: now}
	}
	s.mu.Unlock()

	events := make([]signal.PhaseEvent, len(ids))
	for i, id := range ids {
		events[i] = signal.PhaseEvent{
			TransitionID: tid,
			Intersection: id,
			Phase:        signal.Red,
			Authority:    signal.AuthorityShutdown,
			At:           now,
		}
	}

	// A link backlog is superseded by the all-red transition. The journal
	// keeps its backlog.
	if n := s.out.discard(); n > 0 {
		logf("discarded %d queued transitions before safe state", n)
	}

	var wg sync.WaitGroup
	for _, o := range []*outbox{s.out, s.journalOut} {
		if o == nil {
			continue
		}
		wg.Add(1)
		go func(o *outbox) {
			defer wg.Done()
			if !o.enqueueWait(ctx, events) {
				logf("safe state not queued for %s: %v", o.name, ctx.Err())
			}
			o.close(ctx)
		}(o)
	}
	wg.Wait()
	logf("all intersections red")
}
