// Package feed receives perception output over UDP. Each datagram carries
// one or more newline-separated "<topic> <json>" lines.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/signal.control/internal/monitoring"
)

var logf = monitoring.Component("feed")

// MaxDatagram is the largest datagram read in full. Longer ones are
// truncated by the kernel and their trailing line is lost.
const MaxDatagram = 8192

// LineHandler consumes one inbound line. command.Router satisfies it.
type LineHandler interface {
	HandleLine(line string) error
}

// LineHandlerFunc adapts a function to LineHandler.
type LineHandlerFunc func(line string) error

func (f LineHandlerFunc) HandleLine(line string) error { return f(line) }

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Handler     LineHandler
}

// Listener reads datagrams and hands every line to a LineHandler.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	handler     LineHandler
	conn        *net.UDPConn
	stats       Stats
}

// NewListener returns an unbound listener. Handler is required.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Handler == nil {
		panic("feed: Handler is required")
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &Listener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: logInterval,
		handler:     cfg.Handler,
	}
}

// Listen binds the UDP socket. It is split from Serve so callers can learn
// the bound address before reading starts.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds and serves until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve reads datagrams until ctx is done. Listen must have been called.
// The socket is closed on return.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("feed: Serve called before Listen")
	}
	conn := l.conn
	defer conn.Close()
	logf("UDP feed listening on %s", conn.LocalAddr())

	go l.logStatsEvery(ctx)

	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			logf("UDP feed stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		// Short deadline so cancellation is noticed without a packet.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logf("UDP read error: %v", err)
			continue
		}
		if rejected := l.HandleDatagram(buf[:n]); rejected > 0 {
			logf("%d line(s) from %v rejected", rejected, from)
		}
	}
}

// HandleDatagram splits a datagram into lines and routes each one. It
// returns the number of lines the handler rejected.
func (l *Listener) HandleDatagram(b []byte) int {
	l.stats.packets.Add(1)
	l.stats.bytes.Add(uint64(len(b)))

	rejected := 0
	for _, raw := range bytes.Split(b, []byte{'\n'}) {
		line := string(bytes.TrimSpace(raw))
		if line == "" {
			continue
		}
		l.stats.lines.Add(1)
		if err := l.handler.HandleLine(line); err != nil {
			l.stats.rejected.Add(1)
			rejected++
		}
	}
	return rejected
}

// Stats returns a copy of the traffic counters.
func (l *Listener) Stats() StatsSnapshot { return l.stats.Snapshot() }

func (l *Listener) logStatsEvery(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
