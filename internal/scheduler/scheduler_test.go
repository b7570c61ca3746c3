package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/arbiter"
	"github.com/banshee-data/signal.control/internal/optimizer"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
	"github.com/banshee-data/signal.control/internal/testutil"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var t0 = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

type harness struct {
	t           *testing.T
	s           *Scheduler
	layout      signal.Layout
	clock       *timeutil.MockClock
	pub         *testutil.RecordingPublisher
	journal     *testutil.RecordingPublisher
	density     *store.DensityStore
	overrides   *store.OverrideStore
	emergencies *store.EmergencySet

	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	layout, err := signal.NewLayout(signal.Pair{"A", "B"}, signal.Pair{"C", "D"})
	require.NoError(t, err)

	h := &harness{
		t:           t,
		layout:      layout,
		clock:       timeutil.NewMockClock(t0),
		pub:         &testutil.RecordingPublisher{},
		journal:     &testutil.RecordingPublisher{},
		density:     store.NewDensityStore(3),
		overrides:   store.NewOverrideStore(),
		emergencies: store.NewEmergencySet(),
	}
	opts := Options{
		Arbiter:            arbiter.New(optimizer.New(layout, optimizer.DefaultParams())),
		Density:            h.density,
		Overrides:          h.overrides,
		Emergencies:        h.emergencies,
		Publisher:          h.pub,
		Journal:            h.journal,
		Clock:              h.clock,
		PollInterval:       250 * time.Millisecond,
		MaxPublishFailures: 0,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.s = New(opts)
	return h
}

// start runs the scheduler and waits for the startup transition and its
// first green wait.
func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.s.Run(ctx) }()
	h.t.Cleanup(h.cleanup)
	h.pub.WaitForEvents(h.t, 4)
	h.clock.BlockUntil(1)
}

// start0 runs the scheduler without waiting for any published events.
func (h *harness) start0() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.s.Run(ctx) }()
	h.t.Cleanup(h.cleanup)
}

func (h *harness) cleanup() {
	if h.stopped {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.stopped = true
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("scheduler did not stop")
		return nil
	}
}

// advance moves the clock once the scheduler is parked on a timer, then
// waits until total events have been published.
func (h *harness) advance(d time.Duration, total int) []signal.PhaseEvent {
	h.t.Helper()
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
	return h.pub.WaitForEvents(h.t, total)
}

type ev struct {
	id    signal.IntersectionID
	phase signal.Phase
	dur   int
}

func assertEvents(t *testing.T, events []signal.PhaseEvent, at time.Time, want ...ev) {
	t.Helper()
	require.Len(t, events, len(want))
	for i, w := range want {
		got := events[i]
		assert.Equal(t, w.id, got.Intersection, "event %d intersection", i)
		assert.Equal(t, w.phase, got.Phase, "event %d phase", i)
		assert.Equal(t, w.dur, got.Duration, "event %d duration", i)
		assert.True(t, got.At.Equal(at), "event %d at %v, want %v", i, got.At, at)
		assert.Equal(t, events[0].TransitionID, got.TransitionID, "one transition id per transition")
	}
}

// assertExclusive replays the stream and checks that at every prefix at most
// one pair shows a non-red aspect.
func assertExclusive(t *testing.T, layout signal.Layout, events []signal.PhaseEvent) {
	t.Helper()
	phase := map[signal.IntersectionID]signal.Phase{}
	for i, e := range events {
		phase[e.Intersection] = e.Phase
		lit := 0
		for _, p := range layout {
			if (phase[p[0]] != "" && phase[p[0]] != signal.Red) || (phase[p[1]] != "" && phase[p[1]] != signal.Red) {
				lit++
			}
		}
		if lit > 1 {
			t.Fatalf("after event %d (%+v) %d pairs are non-red", i, e, lit)
		}
	}
}

// assertNoOverlap checks that every red published alongside a green covers
// that green plus one yellow.
func assertNoOverlap(t *testing.T, events []signal.PhaseEvent, yellow int) {
	t.Helper()
	green := map[string]int{}
	for _, e := range events {
		if e.Phase == signal.Green {
			green[e.TransitionID] = e.Duration
		}
	}
	for _, e := range events {
		g, ok := green[e.TransitionID]
		if !ok || e.Phase != signal.Red {
			continue
		}
		if e.Duration < g+yellow {
			t.Errorf("red %s for %ds shorter than green %d + yellow %d", e.Intersection, e.Duration, g, yellow)
		}
	}
}

func TestRun_StartupState(t *testing.T) {
	h := newHarness(t)
	h.start()

	events := h.pub.Events()
	assertEvents(t, events, t0,
		ev{"C", signal.Red, 35}, ev{"D", signal.Red, 35},
		ev{"A", signal.Green, 30}, ev{"B", signal.Green, 30})
	assert.Equal(t, signal.AuthorityStartup, events[0].Authority)

	snap := h.s.Snapshot()
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, signal.Green, snap.Phase)
	assert.True(t, snap.Deadline.Equal(t0.Add(30*time.Second)))
	assert.Equal(t, signal.Red, snap.Intersections["C"].Phase)
	assert.True(t, h.s.Running())
}

func TestRun_AutomaticCycle(t *testing.T) {
	h := newHarness(t)
	h.start()

	events := h.advance(30*time.Second, 6)
	assertEvents(t, events[4:], t0.Add(30*time.Second),
		ev{"A", signal.Yellow, 5}, ev{"B", signal.Yellow, 5})

	// Density arriving during the yellow is used for the incoming green.
	h.density.Update("C", map[string]int{"car": 40, "bus": 2}, t0)
	h.density.Update("A", map[string]int{"car": 1}, t0)

	events = h.advance(5*time.Second, 10)
	assertEvents(t, events[6:], t0.Add(35*time.Second),
		ev{"A", signal.Red, 54}, ev{"B", signal.Red, 54},
		ev{"C", signal.Green, 49}, ev{"D", signal.Green, 49})
	assert.Equal(t, signal.AuthorityAutomatic, events[9].Authority)

	events = h.advance(49*time.Second, 12)
	assertEvents(t, events[10:], t0.Add(84*time.Second),
		ev{"C", signal.Yellow, 5}, ev{"D", signal.Yellow, 5})
	events = h.advance(5*time.Second, 16)
	assert.Equal(t, signal.Green, events[15].Phase)
	assert.Equal(t, signal.IntersectionID("B"), events[15].Intersection)

	assertExclusive(t, h.layout, events)
	assertNoOverlap(t, events, 5)
	testutil.Eventually(t, time.Second, func() bool { return h.journal.Len() == len(events) }, "journal sees every event")
}

func TestRun_EndToEndEmergency(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.clock.Advance(10 * time.Second)
	h.emergencies.Start("C")

	events := h.pub.WaitForEvents(t, 6)
	assertEvents(t, events[4:], t0.Add(10*time.Second),
		ev{"A", signal.Yellow, 5}, ev{"B", signal.Yellow, 5})

	events = h.advance(5*time.Second, 10)
	assertEvents(t, events[6:], t0.Add(15*time.Second),
		ev{"A", signal.Red, 85}, ev{"B", signal.Red, 85},
		ev{"C", signal.Green, 80}, ev{"D", signal.Green, 80})
	assert.Equal(t, signal.AuthorityEmergency, events[8].Authority)
	assert.True(t, events[8].Emergency, "C carries the emergency flag")
	assert.False(t, events[9].Emergency, "D has no emergency of its own")

	assertExclusive(t, h.layout, events)
	assertNoOverlap(t, events, 5)
}

func TestRun_EmergencyOnActivePairExtendsGreen(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.clock.Advance(10 * time.Second)
	h.emergencies.Start("B")

	events := h.pub.WaitForEvents(t, 8)
	assertEvents(t, events[4:], t0.Add(10*time.Second),
		ev{"C", signal.Red, 85}, ev{"D", signal.Red, 85},
		ev{"A", signal.Green, 80}, ev{"B", signal.Green, 80})
	for _, e := range events {
		assert.NotEqual(t, signal.Yellow, e.Phase, "extension must not pass through yellow")
	}
}

func TestRun_EmergencyGreenYieldsOnlyToOtherPair(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.clock.Advance(10 * time.Second)
	h.emergencies.Start("C")
	h.pub.WaitForEvents(t, 6)
	h.advance(5*time.Second, 10)
	h.clock.BlockUntil(1)

	// Same pair: no preemption.
	h.emergencies.Start("D")
	h.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 10, h.pub.Len())

	// Other pair: yellow at once, then the new pair gets the emergency green.
	h.emergencies.Start("A")
	events := h.pub.WaitForEvents(t, 12)
	assertEvents(t, events[10:], t0.Add(16*time.Second),
		ev{"C", signal.Yellow, 5}, ev{"D", signal.Yellow, 5})

	events = h.advance(5*time.Second, 16)
	assertEvents(t, events[12:], t0.Add(21*time.Second),
		ev{"C", signal.Red, 85}, ev{"D", signal.Red, 85},
		ev{"A", signal.Green, 80}, ev{"B", signal.Green, 80})

	assertExclusive(t, h.layout, events)
	assertNoOverlap(t, events, 5)
}

func TestRun_YellowIsNeverShortened(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.advance(30*time.Second, 6)
	h.clock.BlockUntil(1)
	h.emergencies.Start("C")
	h.clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, h.pub.Len(), "yellow must run to completion")

	events := h.advance(3*time.Second, 10)
	assertEvents(t, events[6:], t0.Add(35*time.Second),
		ev{"A", signal.Red, 85}, ev{"B", signal.Red, 85},
		ev{"C", signal.Green, 80}, ev{"D", signal.Green, 80})
}

func TestRun_EmergencyOnOutgoingPairIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.advance(30*time.Second, 6)
	h.clock.BlockUntil(1)
	h.emergencies.Start("A")

	// The incoming pair gets a short green it finishes before yielding to
	// the emergency waiting behind it.
	events := h.advance(5*time.Second, 10)
	assertEvents(t, events[6:], t0.Add(35*time.Second),
		ev{"A", signal.Red, 10}, ev{"B", signal.Red, 10},
		ev{"C", signal.Green, 5}, ev{"D", signal.Green, 5})
	assert.Equal(t, signal.AuthorityAutomatic, events[9].Authority)

	h.clock.BlockUntil(1)
	h.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 10, h.pub.Len(), "the short green is not cut")

	events = h.advance(time.Second, 12)
	assertEvents(t, events[10:], t0.Add(40*time.Second),
		ev{"C", signal.Yellow, 5}, ev{"D", signal.Yellow, 5})

	events = h.advance(5*time.Second, 16)
	assertEvents(t, events[12:], t0.Add(45*time.Second),
		ev{"C", signal.Red, 85}, ev{"D", signal.Red, 85},
		ev{"A", signal.Green, 80}, ev{"B", signal.Green, 80})
	assertExclusive(t, h.layout, events)
	assertNoOverlap(t, events, 5)
}

func TestRun_DeferredEmergencyClearedDuringShortGreen(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.advance(30*time.Second, 6)
	h.clock.BlockUntil(1)
	h.emergencies.Start("B")
	h.advance(5*time.Second, 10)

	// With the emergency gone the short green ends normally and the cycle
	// moves on.
	assert.True(t, h.emergencies.Clear("B"))
	events := h.advance(5*time.Second, 12)
	assertEvents(t, events[10:], t0.Add(40*time.Second),
		ev{"C", signal.Yellow, 5}, ev{"D", signal.Yellow, 5})
	events = h.advance(5*time.Second, 16)
	assert.Equal(t, 30, events[15].Duration)
	assert.Equal(t, signal.AuthorityAutomatic, events[15].Authority)
}

func TestRun_ManualOverride(t *testing.T) {
	h := newHarness(t)
	h.density.Update("A", map[string]int{"car": 1}, t0)
	h.density.Update("C", map[string]int{"car": 100}, t0)
	h.overrides.Set("C", 15)
	h.start()

	h.advance(30*time.Second, 6)
	events := h.advance(5*time.Second, 10)
	assertEvents(t, events[6:], t0.Add(35*time.Second),
		ev{"A", signal.Red, 20}, ev{"B", signal.Red, 20},
		ev{"C", signal.Green, 15}, ev{"D", signal.Green, 15})
	assert.Equal(t, signal.AuthorityManual, events[9].Authority)

	h.advance(15*time.Second, 12)
	events = h.advance(5*time.Second, 16)
	assert.Equal(t, 30, events[15].Duration, "pair without override runs default under manual control")
	assert.Equal(t, signal.AuthorityManual, events[15].Authority)

	// Clearing resumes optimizer-driven durations on the next cycle.
	assert.True(t, h.overrides.Clear("C"))
	h.advance(30*time.Second, 18)
	events = h.advance(5*time.Second, 22)
	assert.Equal(t, signal.IntersectionID("D"), events[21].Intersection)
	assert.Equal(t, 49, events[21].Duration)
	assert.Equal(t, signal.AuthorityAutomatic, events[21].Authority)

	assertExclusive(t, h.layout, events)
	assertNoOverlap(t, events, 5)
}

func TestRun_IdempotentClears(t *testing.T) {
	h := newHarness(t)
	h.start()

	before := h.s.Snapshot()
	assert.False(t, h.emergencies.Clear("C"))
	assert.False(t, h.emergencies.Clear("C"))
	assert.False(t, h.overrides.Clear("A"))
	h.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 4, h.pub.Len())
	assert.Equal(t, before, h.s.Snapshot())
}

func TestRun_StopPublishesAllRed(t *testing.T) {
	h := newHarness(t)
	h.start()

	err := h.stop()
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, h.s.Running())

	events := h.pub.Events()
	require.Len(t, events, 8)
	for _, e := range events[4:] {
		assert.Equal(t, signal.Red, e.Phase)
		assert.Equal(t, 0, e.Duration)
		assert.Equal(t, signal.AuthorityShutdown, e.Authority)
	}
	assert.Equal(t, signal.AuthorityShutdown, h.s.Snapshot().Authority)
}

func TestRun_PublishLostEscalates(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPublishFailures = 3 })
	h.pub.SetErr(errors.New("broker unreachable"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	// startup, yellow and the next green all fail.
	h.clock.BlockUntil(1)
	h.clock.Advance(30 * time.Second)
	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPublishLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up")
	}
	// 4 startup + 2 yellow + 4 green + 4 safe state
	assert.Equal(t, 14, h.pub.Calls())
	assert.Equal(t, 14, h.journal.Len(), "journal keeps recording while the link is down")
	assert.False(t, h.s.Running())
}

func TestRun_PublishFailuresResetOnSuccess(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPublishFailures = 2 })
	h.pub.SetErr(errors.New("flaky"))
	h.start0()

	h.clock.BlockUntil(1)
	h.pub.SetErr(nil)
	h.clock.Advance(30 * time.Second)
	h.pub.WaitForEvents(t, 2)
	testutil.Eventually(t, time.Second, func() bool { return h.s.Snapshot().PublishFailures == 0 }, "failure count reset")
	assert.True(t, h.s.Running())
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	h.start()
	assert.ErrorIs(t, h.s.Run(context.Background()), ErrAlreadyRunning)
}

func TestNew_PanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { New(Options{}) })
}

func TestPublisherFunc(t *testing.T) {
	var got signal.PhaseEvent
	p := PublisherFunc(func(_ context.Context, e signal.PhaseEvent) error {
		got = e
		return nil
	})
	require.NoError(t, p.Publish(context.Background(), signal.PhaseEvent{Intersection: "A"}))
	assert.Equal(t, signal.IntersectionID("A"), got.Intersection)
}

// blockingPublisher returns only when ctx ends, like a link whose far end
// stopped reading.
type blockingPublisher struct {
	calls atomic.Int64
}

func (p *blockingPublisher) Publish(ctx context.Context, _ signal.PhaseEvent) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_StalledPublisherDoesNotDelayEmergency(t *testing.T) {
	pub := &blockingPublisher{}
	h := newHarness(t, func(o *Options) {
		o.Publisher = pub
		o.PublishTimeout = time.Hour
		o.ShutdownTimeout = 50 * time.Millisecond
	})
	h.start0()

	// The loop reaches its first green wait while the startup publish is
	// still stuck.
	h.clock.BlockUntil(1)
	assert.Equal(t, signal.Green, h.s.Snapshot().Phase)

	h.clock.Advance(10 * time.Second)
	h.emergencies.Start("C")
	testutil.Eventually(t, time.Second, func() bool {
		return h.s.Snapshot().Phase == signal.Yellow
	}, "emergency yellow while the publisher is stalled")
	snap := h.s.Snapshot()
	assert.True(t, snap.Deadline.Equal(t0.Add(15*time.Second)), "yellow starts at the emergency, got deadline %v", snap.Deadline)
	assert.Equal(t, int64(1), pub.calls.Load(), "only the first startup event is in flight")
	testutil.Eventually(t, time.Second, func() bool { return h.journal.Len() == 6 }, "the journal has its own queue")

	start := time.Now()
	err := h.stop()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "safe state is bounded by the shutdown timeout")
	assert.Equal(t, signal.AuthorityShutdown, h.s.Snapshot().Authority)
}

func TestRun_FullOutboxCountsAsFailure(t *testing.T) {
	pub := &blockingPublisher{}
	h := newHarness(t, func(o *Options) {
		o.Publisher = pub
		o.PublishTimeout = time.Hour
		o.OutboxSize = 1
		o.MaxPublishFailures = 2
		o.ShutdownTimeout = 50 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	// startup in flight, yellow queued, green and the next yellow dropped.
	h.clock.BlockUntil(1)
	testutil.Eventually(t, time.Second, func() bool { return pub.calls.Load() == 1 }, "startup publish in flight")
	h.clock.Advance(30 * time.Second)
	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)
	h.clock.BlockUntil(1)
	assert.Equal(t, 1, h.s.Snapshot().PublishFailures)
	h.clock.Advance(30 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPublishLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up on a full outbox")
	}
	assert.GreaterOrEqual(t, h.s.Snapshot().PublishFailures, 2)
}

func TestWait_PollTickCatchesMissedNotification(t *testing.T) {
	h := newHarness(t)
	poll := h.clock.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	// The wake-up is consumed before the wait starts, as when it was
	// coalesced into one already handled.
	h.emergencies.Start("C")
	<-h.emergencies.Changed()

	// The entry check is made to miss so only a poll tick can see the
	// emergency.
	base := h.s.greenPreempt(0, false, nil)
	checks := 0
	preempt := func() bool {
		checks++
		return checks > 1 && base()
	}

	done := make(chan bool, 1)
	go func() {
		preempted, err := h.s.wait(context.Background(), poll, t0.Add(30*time.Second), preempt)
		assert.NoError(t, err)
		done <- preempted
	}()

	h.clock.BlockUntil(1)
	h.clock.Advance(100 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned before a poll tick")
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(150 * time.Millisecond)
	select {
	case preempted := <-done:
		assert.True(t, preempted)
	case <-time.After(2 * time.Second):
		t.Fatal("poll tick did not preempt the wait")
	}
	assert.Equal(t, 2, checks)
}
