package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/banshee-data/signal.control/internal/signal"
)

// ParseDensity decodes a class to count object such as {"car":3,"bus":1}.
func ParseDensity(payload []byte) (map[string]int, error) {
	var counts map[string]int
	if err := json.Unmarshal(payload, &counts); err != nil {
		return nil, fmt.Errorf("%w: density payload: %v", ErrMalformed, err)
	}
	if counts == nil {
		return nil, fmt.Errorf("%w: density payload is null", ErrMalformed)
	}
	for class, n := range counts {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative count %d for %q", ErrMalformed, n, class)
		}
	}
	return counts, nil
}

// ManualCommand is a decoded override request. Clear is set when the
// override should be removed.
type ManualCommand struct {
	Seconds int
	Clear   bool
}

type manualPayload struct {
	Duration *int  `json:"duration"`
	Set      *bool `json:"set"`
}

// ParseManual decodes {"duration":N}, {"duration":null}, {} or
// {"set":bool}. A missing or null duration clears the override, as does
// set:false. set:true without a duration uses defaultSeconds.
func ParseManual(payload []byte, defaultSeconds int) (ManualCommand, error) {
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return ManualCommand{Clear: true}, nil
	}
	var p manualPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ManualCommand{}, fmt.Errorf("%w: manual payload: %v", ErrMalformed, err)
	}
	if p.Set != nil && !*p.Set {
		return ManualCommand{Clear: true}, nil
	}
	if p.Duration == nil {
		if p.Set != nil && *p.Set {
			return ManualCommand{Seconds: defaultSeconds}, nil
		}
		return ManualCommand{Clear: true}, nil
	}
	if *p.Duration <= 0 {
		return ManualCommand{}, fmt.Errorf("%w: override duration must be positive, got %d", ErrMalformed, *p.Duration)
	}
	return ManualCommand{Seconds: *p.Duration}, nil
}

// ParseEmergency decodes {"status":"start"|"clear"} and reports whether the
// emergency is active.
func ParseEmergency(payload []byte) (bool, error) {
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false, fmt.Errorf("%w: emergency payload: %v", ErrMalformed, err)
	}
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "start":
		return true, nil
	case "clear":
		return false, nil
	default:
		return false, fmt.Errorf("%w: emergency status %q", ErrMalformed, p.Status)
	}
}

// Status is the outbound payload for one intersection.
type Status struct {
	State     signal.Phase `json:"state"`
	Duration  int          `json:"duration"`
	Emergency bool         `json:"emergency"`
}

// EncodeStatus renders ev as a status line under topics.Status.
func EncodeStatus(topics Topics, ev signal.PhaseEvent) (string, error) {
	b, err := json.Marshal(Status{State: ev.Phase, Duration: ev.Duration, Emergency: ev.Emergency})
	if err != nil {
		return "", err
	}
	return topics.Topic(KindStatus, ev.Intersection) + " " + string(b), nil
}

// DecodeStatus parses a status line back into the intersection and payload.
func DecodeStatus(topics Topics, line string) (signal.IntersectionID, Status, error) {
	topic, payload, err := ParseLine(line)
	if err != nil {
		return "", Status{}, err
	}
	kind, id, err := topics.Classify(topic)
	if err != nil {
		return "", Status{}, err
	}
	if kind != KindStatus {
		return "", Status{}, fmt.Errorf("%w: %s topic is not a status", ErrMalformed, kind)
	}
	var st Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return "", Status{}, fmt.Errorf("%w: status payload: %v", ErrMalformed, err)
	}
	if _, err := signal.ParsePhase(string(st.State)); err != nil {
		return "", Status{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, st, nil
}
