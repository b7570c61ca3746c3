package feed

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) HandleLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if strings.HasPrefix(line, "bad") {
		return errors.New("rejected")
	}
	return nil
}

func (r *lineRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestHandleDatagram(t *testing.T) {
	rec := &lineRecorder{}
	l := NewListener(ListenerConfig{Handler: rec})

	rejected := l.HandleDatagram([]byte("a {}\r\n\n  b {}  \nbad {}\n"))
	assert.Equal(t, 1, rejected)
	assert.Equal(t, []string{"a {}", "b {}", "bad {}"}, rec.got())
	assert.Equal(t, StatsSnapshot{Packets: 1, Bytes: 23, Lines: 3, Rejected: 1}, l.Stats())

	assert.Equal(t, 0, l.HandleDatagram(nil))
	assert.Equal(t, uint64(2), l.Stats().Packets)
}

func TestNewListener_RequiresHandler(t *testing.T) {
	assert.Panics(t, func() { NewListener(ListenerConfig{}) })
}

func TestServe_BeforeListen(t *testing.T) {
	l := NewListener(ListenerConfig{Handler: LineHandlerFunc(func(string) error { return nil })})
	assert.Error(t, l.Serve(context.Background()))
	assert.Nil(t, l.Addr())
}

func TestListener_RoutesToStores(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	layout, err := signal.NewLayout(signal.Pair{"4001", "4003"}, signal.Pair{"4002", "4004"})
	require.NoError(t, err)
	density := store.NewDensityStore(3)
	emergencies := store.NewEmergencySet()
	router := command.NewRouter(command.RouterConfig{
		Layout:      layout,
		Density:     density,
		Overrides:   store.NewOverrideStore(),
		Emergencies: emergencies,
	})

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Handler: router})
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("traffic/density/4002 {\"car\":4,\"bus\":1}\ntraffic/emergency/4003 {\"status\":\"start\"}\ntraffic/density/9999 {}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Stats().Lines == 3 }, 2*time.Second, 5*time.Millisecond)
	latest, ok := density.Latest("4002")
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.Total())
	assert.True(t, emergencies.Has("4003"))
	assert.Equal(t, uint64(1), l.Stats().Rejected)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestStats_LogStats(t *testing.T) {
	var got []string
	monitoring.SetLogger(func(format string, v ...interface{}) { got = append(got, format) })
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	var s Stats
	s.packets.Add(3)
	s.LogStats()
	s.LogStats()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "packets=")
}
