// Package linkmux multiplexes one message link (a serial cabinet
// controller, a TCP line bridge or an MQTT broker) between several readers
// and writers. Each line on the link is "<topic> <json>".
package linkmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrWriteFailed = errors.New("failed to write to link")
	ErrClosed      = errors.New("link closed")
)

// DefaultWriteTimeout bounds a single Send on ports that support write
// deadlines.
const DefaultWriteTimeout = 2 * time.Second

// SubscriberBuffer is the per-subscriber queue length. Lines for a full
// subscriber are dropped rather than stalling the reader.
const SubscriberBuffer = 64

// LinkMux is the behaviour shared by every link flavour, including the
// disabled one.
type LinkMux interface {
	// Subscribe returns an id and a channel receiving every inbound line.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes the channel.
	Unsubscribe(string)
	// Send writes one line to the link.
	Send(string) error
	// SendContext writes one line, giving up when ctx ends.
	SendContext(context.Context, string) error
	// Monitor reads lines until ctx is done or the link fails.
	Monitor(context.Context) error
	// Close closes every subscriber and the link.
	Close() error
	// Stats reports line counters.
	Stats() Stats
	// AttachAdminRoutes registers debug endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats counts link traffic.
type Stats struct {
	LinesIn  uint64 `json:"lines_in"`
	LinesOut uint64 `json:"lines_out"`
	Dropped  uint64 `json:"dropped"`
	Oversize uint64 `json:"oversize"`
}

// MaxLineBytes is the longest inbound line a link accepts. Longer lines are
// skipped and counted.
const MaxLineBytes = 64 * 1024

// Mux is a LinkMux over any Porter.
type Mux[T Porter] struct {
	*hub
	port         T
	sendSem      chan struct{} // holds one token per in-flight write
	closing      atomic.Bool
	writeTimeout atomic.Int64
	maxLine      int

	linesIn  atomic.Uint64
	linesOut atomic.Uint64
	oversize atomic.Uint64
}

// New returns a Mux reading and writing port.
func New[T Porter](port T) *Mux[T] {
	m := &Mux[T]{
		hub:     newHub(),
		port:    port,
		sendSem: make(chan struct{}, 1),
		maxLine: MaxLineBytes,
	}
	m.writeTimeout.Store(int64(DefaultWriteTimeout))
	return m
}

// SetWriteTimeout changes the per-Send write deadline. Zero disables it.
func (m *Mux[T]) SetWriteTimeout(d time.Duration) {
	m.writeTimeout.Store(int64(d))
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

var idSeq atomic.Uint64

// randomID generates a random subscriber id (8 random bytes, hex encoded).
// It falls back to a process-local sequence if the system source fails.
func randomID() string {
	b := make([]byte, 8)
	if _, err := crand.Read(b); err != nil {
		return fmt.Sprintf("sub-%d", idSeq.Add(1))
	}
	return hex.EncodeToString(b)
}

// Send writes line to the port, appending a newline when missing. Writes
// from several goroutines never interleave.
func (m *Mux[T]) Send(line string) error {
	return m.SendContext(context.Background(), line)
}

// SendContext is Send bounded by ctx: it gives up waiting for another
// writer when ctx ends, and the write deadline is the earlier of ctx's
// deadline and the write timeout.
func (m *Mux[T]) SendContext(ctx context.Context, line string) error {
	if m.closing.Load() {
		return ErrClosed
	}
	line, err := normaliseLine(line)
	if err != nil {
		return err
	}

	select {
	case m.sendSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteFailed, ctx.Err())
	}
	defer func() { <-m.sendSem }()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if wd, ok := any(m.port).(writeDeadliner); ok {
		var deadline time.Time
		if to := time.Duration(m.writeTimeout.Load()); to > 0 {
			deadline = time.Now().Add(to)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		_ = wd.SetWriteDeadline(deadline)
	}
	n, err := m.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	m.linesOut.Add(1)
	return nil
}

// normaliseLine rejects embedded newlines and appends the terminator.
func normaliseLine(line string) (string, error) {
	if strings.ContainsAny(strings.TrimSuffix(line, "\n"), "\r\n") {
		return "", fmt.Errorf("line must not contain embedded newlines: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return line, nil
}

// Monitor reads lines from the port and fans them out to subscribers.
// Lines longer than MaxLineBytes are skipped without ending the read.
func (m *Mux[T]) Monitor(ctx context.Context) error {
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking read runs on its own goroutine so the loop below can
	// still observe ctx.
	go func() {
		defer close(lineChan)
		err := readLines(m.port, m.maxLine, func(line string) bool {
			select {
			case lineChan <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}, func() { m.oversize.Add(1) })
		if err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if m.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !m.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if m.closing.Load() {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			m.linesIn.Add(1)
			m.fanOut(line)
		}
	}
}

// readLines calls emit for every newline-terminated line of r, without the
// terminator, until emit returns false or r ends. Lines over limit bytes
// are discarded whole and reported through oversize. io.EOF is not an
// error.
func readLines(r io.Reader, limit int, emit func(string) bool, oversize func()) error {
	br := bufio.NewReader(r)
	var buf []byte
	skipping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !skipping {
			if len(buf)+len(bytes.TrimRight(chunk, "\r\n")) > limit {
				skipping = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if skipping {
				skipping = false
				oversize()
			} else if !emit(string(bytes.TrimRight(buf, "\n"))) {
				return nil
			}
			buf = buf[:0]
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			if skipping {
				oversize()
			} else if len(buf) > 0 && !emit(string(buf)) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes all subscriber channels and the port. It is safe to call
// more than once.
func (m *Mux[T]) Close() error {
	if m.closing.Swap(true) {
		return nil
	}
	m.closeAll()
	return m.port.Close()
}

func (m *Mux[T]) Stats() Stats {
	return Stats{
		LinesIn:  m.linesIn.Load(),
		LinesOut: m.linesOut.Load(),
		Dropped:  m.dropped.Load(),
		Oversize: m.oversize.Load(),
	}
}
