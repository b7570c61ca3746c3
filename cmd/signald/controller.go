package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/signal.control/internal/api"
	"github.com/banshee-data/signal.control/internal/arbiter"
	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/linkmux"
	"github.com/banshee-data/signal.control/internal/optimizer"
	"github.com/banshee-data/signal.control/internal/scheduler"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

// controller holds the wired process: stores, router, scheduler and the
// field link. journal is nil when the journal is disabled.
type controller struct {
	layout signal.Layout
	topics command.Topics

	density     *store.DensityStore
	overrides   *store.OverrideStore
	emergencies *store.EmergencySet

	opt     *optimizer.Optimizer
	router  *command.Router
	sched   *scheduler.Scheduler
	link    linkmux.LinkMux
	journal *db.DB

	// extraStats are merged into /api/stats, keyed by component.
	statsMu    sync.Mutex
	extraStats map[string]func() any
}

func topicsFromConfig(cfg *config.SignalConfig) command.Topics {
	return command.Topics{
		Density:   cfg.GetDensityTopicPrefix(),
		Manual:    cfg.GetManualTopicPrefix(),
		Emergency: cfg.GetEmergencyTopicPrefix(),
		Status:    cfg.GetStatusTopicPrefix(),
	}
}

func newController(cfg *config.SignalConfig, link linkmux.LinkMux, journal *db.DB) (*controller, error) {
	layout, err := cfg.Layout()
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	timing := cfg.Timing()

	c := &controller{
		layout:      layout,
		topics:      topicsFromConfig(cfg),
		density:     store.NewDensityStore(cfg.GetSmoothingWindow()),
		overrides:   store.NewOverrideStore(),
		emergencies: store.NewEmergencySet(),
		link:        link,
		journal:     journal,
		extraStats:  make(map[string]func() any),
	}

	c.opt = optimizer.New(layout, optimizer.Params{
		Timing:   timing,
		MinShare: cfg.GetMinShare(),
		MaxShare: cfg.GetMaxShare(),
		Weights:  cfg.GetSmoothingWeights(),
	})

	rc := command.RouterConfig{
		Topics:         c.topics,
		Layout:         layout,
		DefaultSeconds: timing.DefaultGreen,
		Density:        c.density,
		Overrides:      c.overrides,
		Emergencies:    c.emergencies,
	}
	opts := scheduler.Options{
		Arbiter:            arbiter.New(c.opt),
		Density:            c.density,
		Overrides:          c.overrides,
		Emergencies:        c.emergencies,
		Publisher:          linkmux.NewStatusPublisher(link, c.topics),
		PollInterval:       cfg.GetPollInterval(),
		ShutdownTimeout:    cfg.GetShutdownPublishTimeout(),
		MaxPublishFailures: cfg.GetMaxPublishFailures(),
	}
	// Assigned only when present so the interfaces stay nil without a journal.
	if journal != nil {
		rc.Recorder = journal
		opts.Journal = journal.Journal()
	}
	c.router = command.NewRouter(rc)
	c.sched = scheduler.New(opts)
	return c, nil
}

// addStats registers a component's counters for /api/stats.
func (c *controller) addStats(name string, f func() any) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.extraStats[name] = f
}

func (c *controller) stats() map[string]any {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := map[string]any{
		"link":   c.link.Stats(),
		"router": c.router.Stats(),
	}
	for name, f := range c.extraStats {
		out[name] = f()
	}
	if c.journal != nil {
		if rows, err := c.journal.CountRows(); err == nil {
			out["journal"] = rows
		}
	}
	return out
}

// apiServer builds the HTTP API over the controller.
func (c *controller) apiServer() *api.Server {
	cfg := api.Config{
		Cycle:       c.sched,
		Commander:   c.router,
		Optimizer:   c.opt,
		Density:     c.density,
		Overrides:   c.overrides,
		Emergencies: c.emergencies,
		Stats:       c.stats,
	}
	if c.journal != nil {
		cfg.Journal = c.journal
	}
	return api.NewServer(cfg)
}

// handler returns the full HTTP surface: API routes plus the link and
// journal debug routes, wrapped in request logging.
func (c *controller) handler() (http.Handler, error) {
	mux := c.apiServer().ServeMux()
	c.link.AttachAdminRoutes(mux)
	if c.journal != nil {
		if err := c.journal.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("journal admin routes: %w", err)
		}
	}
	return api.LoggingMiddleware(mux), nil
}

// routeLink feeds every inbound link line to the router until ctx is done
// or the link closes.
func (c *controller) routeLink(ctx context.Context) {
	id, lines := c.link.Subscribe()
	defer c.link.Unsubscribe(id)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				log.Printf("link closed, subscribe routine terminated")
				return
			}
			// Rejections are counted and logged by the router.
			_ = c.router.HandleLine(line)
		case <-ctx.Done():
			log.Printf("subscribe routine terminated")
			return
		}
	}
}

// prune drops journal rows older than retention once per interval.
func (c *controller) prune(ctx context.Context, retention, interval time.Duration) {
	if c.journal == nil || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.journal.Prune(time.Now().Add(-retention))
			if err != nil {
				log.Printf("journal prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("journal pruned %d rows older than %s", n, retention)
			}
		}
	}
}
