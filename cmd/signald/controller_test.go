package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/linkmux"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type fixture struct {
	c        *controller
	remote   net.Conn
	statuses chan string
}

// newFixture wires a controller over a loopback link whose remote end is
// drained into statuses.
func newFixture(t *testing.T, withJournal bool) *fixture {
	t.Helper()
	mux, conn := linkmux.NewLoopback()
	t.Cleanup(func() {
		conn.Close()
		mux.Close()
	})

	var journal *db.DB
	if withJournal {
		var err error
		journal, err = db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { journal.Close() })
	}

	c, err := newController(config.EmptySignalConfig(), mux, journal)
	require.NoError(t, err)

	statuses := make(chan string, 64)
	remote := newDevRemote(conn, c.topics, c.layout.Intersections(), time.Hour, 1)
	remote.statuses = statuses
	go remote.drain()

	return &fixture{c: c, remote: conn, statuses: statuses}
}

func (f *fixture) next(t *testing.T) (signal.IntersectionID, command.Status) {
	t.Helper()
	select {
	case line := <-f.statuses:
		id, st, err := command.DecodeStatus(f.c.topics, line)
		require.NoError(t, err, "status line %q", line)
		return id, st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a status line")
	}
	return "", command.Status{}
}

func TestController_StartupAndSafeState(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.sched.Run(ctx) }()

	// Reds for the waiting pair come before the startup green.
	want := []struct {
		id    signal.IntersectionID
		phase signal.Phase
		dur   int
	}{
		{"4002", signal.Red, 35},
		{"4004", signal.Red, 35},
		{"4001", signal.Green, 30},
		{"4003", signal.Green, 30},
	}
	for _, w := range want {
		id, st := f.next(t)
		assert.Equal(t, w.id, id)
		assert.Equal(t, w.phase, st.State)
		assert.Equal(t, w.dur, st.Duration)
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "Run returned %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	red := map[signal.IntersectionID]bool{}
	for range 4 {
		id, st := f.next(t)
		assert.Equal(t, signal.Red, st.State)
		assert.Zero(t, st.Duration)
		red[id] = true
	}
	assert.Len(t, red, 4)

	rows, err := f.c.journal.RecentPhaseEvents(20)
	require.NoError(t, err)
	assert.Len(t, rows, 8)
}

func TestController_EmergencyWithUndrainedLink(t *testing.T) {
	// Nobody reads the far end, so every status write stalls until its
	// deadline.
	mux, conn := linkmux.NewLoopback()
	t.Cleanup(func() {
		conn.Close()
		mux.Close()
	})
	c, err := newController(config.EmptySignalConfig(), mux, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.sched.Run(ctx) }()

	testutil.Eventually(t, time.Second, c.sched.Running, "scheduler running")
	time.Sleep(100 * time.Millisecond)

	asked := time.Now()
	c.emergencies.Start("4002")
	testutil.Eventually(t, time.Second, func() bool {
		return c.sched.Snapshot().Phase == signal.Yellow
	}, "yellow for the emergency")
	assert.Less(t, time.Since(asked), 500*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(4 * time.Second):
		t.Fatal("scheduler did not stop with a stalled link")
	}
}

func TestController_RouteLink(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.link.Monitor(ctx) }()
	go f.c.routeLink(ctx)

	lines := "traffic/density/4001 {\"car\":4,\"bus\":1}\n" +
		"traffic/emergency/4002 {\"status\":\"start\"}\n" +
		"signal/manual/4003 {\"duration\":40}\n" +
		"traffic/density/9999 {\"car\":1}\n"
	_ = f.remote.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := f.remote.Write([]byte(lines))
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool {
		st := f.c.router.Stats()
		return st.Accepted == 3 && st.Rejected == 1
	}, "router should see three accepted and one rejected line")

	s, ok := f.c.density.Latest("4001")
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Total())
	assert.True(t, f.c.emergencies.Has("4002"))
	secs, ok := f.c.overrides.Get("4003")
	assert.True(t, ok)
	assert.Equal(t, 40, secs)

	rows, err := f.c.journal.CountRows()
	require.NoError(t, err)
	assert.Equal(t, 1, rows["density_samples"])
	assert.Equal(t, 2, rows["commands"])
}

func TestController_WithoutJournal(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.c.router.HandleLine("traffic/density/4002 {\"car\":2}"))
	_, ok := f.c.density.Latest("4002")
	assert.True(t, ok)

	h, err := f.c.handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusNotFound)

	var stats map[string]any
	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "link")
	assert.NotContains(t, stats, "journal")
}

func TestController_HandlerStats(t *testing.T) {
	f := newFixture(t, true)
	f.c.addStats("feed", func() any { return map[string]int{"packets": 7} })

	h, err := f.c.handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	for _, k := range []string{"link", "router", "feed", "journal"} {
		assert.Contains(t, stats, k)
	}
	assert.JSONEq(t, `{"packets":7}`, string(stats["feed"]))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestNewController_InvalidLayout(t *testing.T) {
	cfg := &config.SignalConfig{Pairs: [][]string{{"a", "b"}}}
	_, err := newController(cfg, linkmux.NewDisabled(), nil)
	assert.ErrorIs(t, err, signal.ErrInvalidLayout)
}

func TestController_CustomTopics(t *testing.T) {
	prefix := "x/status/"
	cfg := &config.SignalConfig{StatusTopicPrefix: &prefix}
	c, err := newController(cfg, linkmux.NewDisabled(), nil)
	require.NoError(t, err)
	assert.Equal(t, prefix, c.topics.Status)
	assert.Equal(t, "traffic/density/", c.router.Topics().Density)
}

func TestController_PruneDisabled(t *testing.T) {
	f := newFixture(t, true)
	done := make(chan struct{})
	go func() {
		f.c.prune(context.Background(), 0, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prune with zero retention should return immediately")
	}
}

func TestDevRemote_DensityLine(t *testing.T) {
	ids := []signal.IntersectionID{"4001", "4003", "4002", "4004"}
	d := newDevRemote(nil, command.DefaultTopics(), ids, 0, 42)
	assert.Equal(t, 2*time.Second, d.interval)

	for i, id := range ids {
		line, err := d.densityLine(i)
		require.NoError(t, err)
		topic, payload, err := command.ParseLine(line)
		require.NoError(t, err)
		assert.Equal(t, "traffic/density/"+string(id), topic)

		counts, err := command.ParseDensity(payload)
		require.NoError(t, err)
		if i < 2 {
			assert.GreaterOrEqual(t, counts["car"], 6)
		} else {
			assert.GreaterOrEqual(t, counts["car"], 2)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.GetDefaultGreenSeconds())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	cfg, err = loadConfig(filepath.Join("..", "..", config.DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "signal/status/", cfg.GetStatusTopicPrefix())
}
