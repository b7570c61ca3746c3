// Package scheduler runs the signal cycle: it owns every intersection's
// phase, asks the arbiter for the next pair at each decision point and
// publishes whole transitions through a Publisher.
//
// A transition always publishes Reds before the Green it makes room for, so
// an observer replaying the event stream never sees two pairs non-red.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/signal.control/internal/arbiter"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Component("scheduler")

// ErrPublishLost is returned by Run after too many consecutive transitions
// failed to publish.
var ErrPublishLost = errors.New("publish boundary lost")

// ErrAlreadyRunning is returned when Run is called on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultPollInterval       = 250 * time.Millisecond
	DefaultShutdownTimeout    = 2 * time.Second
	DefaultMaxPublishFailures = 20
	// DefaultMinGreenSeconds is the shortest green given to a pair that is
	// known to yield at once to an emergency waiting behind it.
	DefaultMinGreenSeconds = 5
)

// Publisher delivers one phase event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, ev signal.PhaseEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev signal.PhaseEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev signal.PhaseEvent) error { return f(ctx, ev) }

// Options wires a Scheduler. Arbiter, the three stores and Publisher are
// required.
type Options struct {
	Arbiter     *arbiter.Arbiter
	Density     *store.DensityStore
	Overrides   *store.OverrideStore
	Emergencies *store.EmergencySet
	Publisher   Publisher

	// Journal receives every event on its own queue. Its errors are logged
	// and never count as publish failures.
	Journal Publisher

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock

	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// MaxPublishFailures is the number of consecutive failed transitions
	// after which Run gives up. Zero disables the check; negative selects
	// DefaultMaxPublishFailures.
	MaxPublishFailures int

	// OutboxSize is the number of transitions queued per publisher.
	OutboxSize int
	// PublishTimeout bounds each event publish.
	PublishTimeout time.Duration
	// MinGreenSeconds is the green given to the incoming pair when an
	// emergency on the outgoing pair is already waiting.
	MinGreenSeconds int
}

// Scheduler is the single writer of phase state.
type Scheduler struct {
	arb         *arbiter.Arbiter
	layout      signal.Layout
	timing      signal.Timing
	density     *store.DensityStore
	overrides   *store.OverrideStore
	emergencies *store.EmergencySet
	pub         Publisher
	journal     Publisher
	clock       timeutil.Clock

	poll        time.Duration
	shutdownTO  time.Duration
	maxFailures int
	outboxSize  int
	publishTO   time.Duration
	minGreen    int

	running  atomic.Bool
	failures atomic.Int64 // consecutive failed transitions

	// per run
	out        *outbox
	journalOut *outbox
	lost       chan struct{}
	lostClosed atomic.Bool

	mu    sync.RWMutex
	state CycleState
}

// New returns a scheduler. It panics if a required option is missing.
func New(opts Options) *Scheduler {
	if opts.Arbiter == nil || opts.Density == nil || opts.Overrides == nil || opts.Emergencies == nil || opts.Publisher == nil {
		panic("scheduler: Arbiter, stores and Publisher are required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.MaxPublishFailures < 0 {
		opts.MaxPublishFailures = DefaultMaxPublishFailures
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.MinGreenSeconds <= 0 {
		opts.MinGreenSeconds = DefaultMinGreenSeconds
	}
	opt := opts.Arbiter.Optimizer()
	s := &Scheduler{
		arb:         opts.Arbiter,
		layout:      opt.Layout(),
		timing:      opt.Params().Timing,
		density:     opts.Density,
		overrides:   opts.Overrides,
		emergencies: opts.Emergencies,
		pub:         opts.Publisher,
		journal:     opts.Journal,
		clock:       opts.Clock,
		poll:        opts.PollInterval,
		shutdownTO:  opts.ShutdownTimeout,
		maxFailures: opts.MaxPublishFailures,
		outboxSize:  opts.OutboxSize,
		publishTO:   opts.PublishTimeout,
		minGreen:    opts.MinGreenSeconds,
	}
	s.state = newCycleState(s.layout)
	return s
}

// Running reports whether Run is executing.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Layout returns the pair layout the scheduler cycles through.
func (s *Scheduler) Layout() signal.Layout { return s.layout }

// Timing returns the green allocation bounds in use.
func (s *Scheduler) Timing() signal.Timing { return s.timing }

// Run drives the cycle until ctx is done, then publishes all-red and
// returns ctx.Err(). It returns an error wrapping ErrPublishLost when the
// publish boundary keeps failing.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	s.failures.Store(0)
	s.lost = make(chan struct{})
	s.lostClosed.Store(false)
	s.out = newOutbox("publish", s.pub, s.outboxSize, s.publishTO, s.noteTransition)
	if s.journal != nil {
		s.journalOut = newOutbox("journal", s.journal, s.outboxSize, s.publishTO, nil)
	} else {
		s.journalOut = nil
	}

	poll := s.clock.NewTicker(s.poll)
	defer poll.Stop()

	err := s.loop(ctx, poll)
	s.safeState()
	return err
}

func (s *Scheduler) loop(ctx context.Context, poll timeutil.Ticker) error {
	// served is the emergency set the current green was decided against.
	served := s.emergencies.Snapshot()
	if err := s.publishGreen(signal.AuthorityStartup, 0, s.timing.DefaultGreen, served); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := s.Snapshot()
		active := cur.Active
		serving := cur.Authority == signal.AuthorityEmergency

		preempted, err := s.wait(ctx, poll, cur.Deadline, s.greenPreempt(active, serving, served))
		if err != nil {
			return err
		}
		if preempted {
			logf("green for %s preempted by emergency", s.layout[active])
		}

		em := s.emergencies.Snapshot()
		d := s.arb.Decide(s.input(active, serving, false, em))
		if d.Next == active {
			// Emergency on the pair that already holds green: extend, no yellow.
			if err := s.publishGreen(d.Authority, active, d.Green, em); err != nil {
				return err
			}
			served = em
			continue
		}

		if err := s.publishYellow(d.Authority, active, em); err != nil {
			return err
		}
		if _, err := s.wait(ctx, poll, s.Snapshot().Deadline, nil); err != nil {
			return err
		}

		// Re-decide after the yellow so an emergency that arrived mid-yellow
		// still wins before the next green starts.
		em = s.emergencies.Snapshot()
		d = s.arb.Decide(s.input(active, serving, true, em))

		// Emergencies pending but none chosen means they all sit on the
		// outgoing pair. The incoming pair gets a short green it is allowed
		// to finish before yielding.
		held := len(em) > 0 && d.Authority != signal.AuthorityEmergency
		green := d.Green
		if held && green > s.minGreen {
			green = s.minGreen
		}
		if err := s.publishGreen(d.Authority, d.Next, green, em); err != nil {
			return err
		}
		served = em
		if held {
			if _, err := s.wait(ctx, poll, s.Snapshot().Deadline, nil); err != nil {
				return err
			}
		}
	}
}

// greenPreempt returns the predicate ending a green early. Automatic and
// manual greens yield to any emergency. An emergency green yields only to an
// emergency that started after it, on another pair.
func (s *Scheduler) greenPreempt(active int, serving bool, served store.EmergencySnapshot) func() bool {
	pair := s.layout[active]
	return func() bool {
		em := s.emergencies.Snapshot()
		if !serving {
			return len(em) > 0
		}
		for id := range em {
			if !served.Has(id) && !pair.Contains(id) {
				return true
			}
		}
		return false
	}
}

func (s *Scheduler) input(active int, serving, exclude bool, em store.EmergencySnapshot) arbiter.Input {
	return arbiter.Input{
		Active:           active,
		ServingEmergency: serving,
		Exclude:          exclude,
		Emergencies:      em,
		Overrides:        s.overrides.Snapshot(),
		Density:          s.density.Snapshot(),
	}
}

// wait blocks until deadline, ctx is done, the publish boundary is lost, or
// preempt reports true. preempt is checked on entry, on every emergency
// notification and on every poll tick; a nil preempt makes the wait
// cancel-only.
func (s *Scheduler) wait(ctx context.Context, poll timeutil.Ticker, deadline time.Time, preempt func() bool) (bool, error) {
	if err := s.lostErr(); err != nil {
		return false, err
	}
	if preempt != nil && preempt() {
		return true, nil
	}
	remaining := s.clock.Until(deadline)
	if remaining <= 0 {
		return false, ctx.Err()
	}
	timer := s.clock.NewTimer(remaining)
	defer timer.Stop()

	var changed <-chan struct{}
	if preempt != nil {
		changed = s.emergencies.Changed()
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.lost:
			return false, s.lostErr()
		case <-timer.C():
			return false, nil
		case <-changed:
			if preempt() {
				return true, nil
			}
		case <-poll.C():
			if preempt != nil && preempt() {
				return true, nil
			}
		}
	}
}
