package command

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Component("command")

// Recorder journals accepted inbound messages. Errors are logged and never
// reject the message.
type Recorder interface {
	RecordDensity(id signal.IntersectionID, counts map[string]int, at time.Time) error
	RecordCommand(kind string, id signal.IntersectionID, payload string, at time.Time) error
}

// RouterConfig wires a Router. Layout and the three stores are required.
type RouterConfig struct {
	Topics         Topics
	Layout         signal.Layout
	DefaultSeconds int

	Density     *store.DensityStore
	Overrides   *store.OverrideStore
	Emergencies *store.EmergencySet

	Recorder Recorder
	Clock    timeutil.Clock
}

// RouterStats counts routed messages.
type RouterStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Router applies inbound messages to the stores. It is safe for concurrent
// use by several producers.
type Router struct {
	cfg      RouterConfig
	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Topics == (Topics{}) {
		cfg.Topics = DefaultTopics()
	}
	if cfg.DefaultSeconds <= 0 {
		cfg.DefaultSeconds = 30
	}
	return &Router{cfg: cfg}
}

// Topics returns the router's topic prefixes.
func (r *Router) Topics() Topics { return r.cfg.Topics }

// Stats returns the accepted and rejected message counts.
func (r *Router) Stats() RouterStats {
	return RouterStats{Accepted: r.accepted.Load(), Rejected: r.rejected.Load()}
}

// HandleLine routes one "<topic> <json>" line. Rejected lines are logged
// and returned as ErrMalformed-wrapped errors; they never change state.
func (r *Router) HandleLine(line string) error {
	topic, payload, err := ParseLine(line)
	if err != nil {
		return r.reject(err)
	}
	return r.Handle(topic, payload)
}

// Handle routes one message. Status topics are outbound and ignored.
func (r *Router) Handle(topic string, payload []byte) error {
	kind, id, err := r.cfg.Topics.Classify(topic)
	if err != nil {
		return r.reject(err)
	}
	if kind == KindStatus {
		return nil
	}
	if !r.cfg.Layout.Contains(id) {
		return r.reject(fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownIntersection, id))
	}

	switch kind {
	case KindDensity:
		counts, err := ParseDensity(payload)
		if err != nil {
			return r.reject(err)
		}
		r.UpdateDensity(id, counts)
	case KindManual:
		cmd, err := ParseManual(payload, r.cfg.DefaultSeconds)
		if err != nil {
			return r.reject(err)
		}
		r.applyManual(id, cmd, string(payload))
	case KindEmergency:
		active, err := ParseEmergency(payload)
		if err != nil {
			return r.reject(err)
		}
		r.applyEmergency(id, active, string(payload))
	}
	r.accepted.Add(1)
	return nil
}

// UpdateDensity stores a validated density sample.
func (r *Router) UpdateDensity(id signal.IntersectionID, counts map[string]int) {
	now := r.cfg.Clock.Now()
	r.cfg.Density.Update(id, counts, now)
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.RecordDensity(id, counts, now); err != nil {
			logf("record density for %s: %v", id, err)
		}
	}
}

// SetOverride applies an operator override outside the link, e.g. from the
// HTTP API. seconds nil clears it.
func (r *Router) SetOverride(id signal.IntersectionID, seconds *int) error {
	if !r.cfg.Layout.Contains(id) {
		return fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownIntersection, id)
	}
	if seconds == nil {
		r.applyManual(id, ManualCommand{Clear: true}, "clear")
		return nil
	}
	if *seconds <= 0 {
		return fmt.Errorf("%w: override duration must be positive, got %d", ErrMalformed, *seconds)
	}
	r.applyManual(id, ManualCommand{Seconds: *seconds}, fmt.Sprintf("%d", *seconds))
	return nil
}

// SetEmergency starts or clears an emergency outside the link.
func (r *Router) SetEmergency(id signal.IntersectionID, active bool) error {
	if !r.cfg.Layout.Contains(id) {
		return fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownIntersection, id)
	}
	status := "clear"
	if active {
		status = "start"
	}
	r.applyEmergency(id, active, status)
	return nil
}

func (r *Router) applyManual(id signal.IntersectionID, cmd ManualCommand, raw string) {
	if cmd.Clear {
		if r.cfg.Overrides.Clear(id) {
			logf("override cleared for %s", id)
		}
	} else {
		r.cfg.Overrides.Set(id, cmd.Seconds)
		logf("override for %s set to %ds", id, cmd.Seconds)
	}
	r.record(KindManual, id, raw)
}

func (r *Router) applyEmergency(id signal.IntersectionID, active bool, raw string) {
	if active {
		if r.cfg.Emergencies.Start(id) {
			logf("emergency started at %s", id)
		}
	} else if r.cfg.Emergencies.Clear(id) {
		logf("emergency cleared at %s", id)
	}
	r.record(KindEmergency, id, raw)
}

func (r *Router) record(kind Kind, id signal.IntersectionID, raw string) {
	if r.cfg.Recorder == nil {
		return
	}
	if err := r.cfg.Recorder.RecordCommand(kind.String(), id, strings.TrimSpace(raw), r.cfg.Clock.Now()); err != nil {
		logf("record %s command for %s: %v", kind, id, err)
	}
}

func (r *Router) reject(err error) error {
	r.rejected.Add(1)
	logf("dropping message: %v", err)
	return err
}
