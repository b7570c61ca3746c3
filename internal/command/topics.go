// Package command routes inbound link messages into the stores and encodes
// outbound status messages. A message is one line: "<topic> <json>".
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/signal.control/internal/signal"
)

var (
	// ErrMalformed wraps every rejected inbound message.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownIntersection is returned for ids outside the layout. It is
	// always wrapped together with ErrMalformed.
	ErrUnknownIntersection = errors.New("unknown intersection")
)

// Kind classifies a topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindDensity
	KindManual
	KindEmergency
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindDensity:
		return "density"
	case KindManual:
		return "manual"
	case KindEmergency:
		return "emergency"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Topics holds the topic prefix for each message kind. A topic is the
// prefix followed by an intersection id.
type Topics struct {
	Density   string
	Manual    string
	Emergency string
	Status    string
}

// DefaultTopics returns the prefixes used by the field deployment.
func DefaultTopics() Topics {
	return Topics{
		Density:   "traffic/density/",
		Manual:    "signal/manual/",
		Emergency: "traffic/emergency/",
		Status:    "signal/status/",
	}
}

// Subscriptions returns the MQTT filters covering every inbound topic.
// Status topics are left out so the controller does not hear its own
// publishes.
func (t Topics) Subscriptions() []string {
	var out []string
	for _, p := range []string{t.Density, t.Manual, t.Emergency} {
		if p == "" {
			continue
		}
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		out = append(out, p+"#")
	}
	return out
}

// Classify splits topic into its kind and intersection id.
func (t Topics) Classify(topic string) (Kind, signal.IntersectionID, error) {
	for _, c := range []struct {
		prefix string
		kind   Kind
	}{
		{t.Density, KindDensity},
		{t.Manual, KindManual},
		{t.Emergency, KindEmergency},
		{t.Status, KindStatus},
	} {
		if c.prefix == "" || !strings.HasPrefix(topic, c.prefix) {
			continue
		}
		id := strings.TrimSpace(strings.TrimPrefix(topic, c.prefix))
		if id == "" || strings.Contains(id, "/") {
			return KindUnknown, "", fmt.Errorf("%w: topic %q has no intersection id", ErrMalformed, topic)
		}
		return c.kind, signal.IntersectionID(id), nil
	}
	return KindUnknown, "", fmt.Errorf("%w: unrecognised topic %q", ErrMalformed, topic)
}

// Topic builds the topic for kind and id.
func (t Topics) Topic(kind Kind, id signal.IntersectionID) string {
	switch kind {
	case KindDensity:
		return t.Density + string(id)
	case KindManual:
		return t.Manual + string(id)
	case KindEmergency:
		return t.Emergency + string(id)
	case KindStatus:
		return t.Status + string(id)
	default:
		return string(id)
	}
}

// ParseLine splits a link line into topic and payload. Surrounding
// whitespace and a trailing CR are ignored.
func ParseLine(line string) (string, []byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	topic, payload, ok := strings.Cut(line, " ")
	if !ok {
		return "", nil, fmt.Errorf("%w: line %q has no payload", ErrMalformed, line)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", nil, fmt.Errorf("%w: line %q has no payload", ErrMalformed, line)
	}
	return topic, []byte(payload), nil
}
