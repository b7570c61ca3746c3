package linkmux

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// NewSerialLink opens the serial port at path and returns a Mux over it.
func NewSerialLink(path string, opts PortOptions) (*Mux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial link %s: %w", path, err)
	}

	return New[serial.Port](port), nil
}

// NewTCPLink dials a line bridge at addr.
func NewTCPLink(ctx context.Context, addr string) (*Mux[net.Conn], error) {
	d := net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial link %s: %w", addr, err)
	}
	return New[net.Conn](conn), nil
}

// NewLoopback returns a Mux over one end of an in-memory pipe and the other
// end, which plays the remote side.
func NewLoopback() (*Mux[net.Conn], net.Conn) {
	local, remote := net.Pipe()
	return New[net.Conn](local), remote
}

// OpenOptions configure Open.
type OpenOptions struct {
	Port PortOptions
	// Filters are the topic filters an MQTT link subscribes to.
	Filters []string
}

// Open builds a link from a flag value:
//
//	""                      disabled link
//	"mqtt://host:port"      MQTT broker (mqtts:// for TLS)
//	"tcp://host:port"       line bridge
//	anything else           serial device path
func Open(ctx context.Context, spec string, opts OpenOptions) (LinkMux, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == "none":
		return NewDisabled(), nil
	case strings.HasPrefix(spec, "mqtt://"), strings.HasPrefix(spec, "mqtts://"):
		cfg, err := ParseMQTTURL(spec, opts.Filters)
		if err != nil {
			return nil, err
		}
		return NewMQTTLink(ctx, cfg)
	case strings.HasPrefix(spec, "tcp://"):
		return NewTCPLink(ctx, strings.TrimPrefix(spec, "tcp://"))
	default:
		return NewSerialLink(spec, opts.Port)
	}
}
