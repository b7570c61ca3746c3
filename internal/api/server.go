// Package api serves the operator HTTP interface: cycle state, density,
// manual overrides, emergency commands and the phase journal.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/optimizer"
	"github.com/banshee-data/signal.control/internal/scheduler"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
)

var logf = monitoring.Component("api")

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// CycleSource exposes the scheduler's read side.
type CycleSource interface {
	Snapshot() scheduler.CycleState
	Running() bool
}

// Commander applies operator commands. command.Router satisfies it.
type Commander interface {
	SetOverride(id signal.IntersectionID, seconds *int) error
	SetEmergency(id signal.IntersectionID, active bool) error
}

// Journal is the read side of the phase journal. *db.DB satisfies it.
type Journal interface {
	RecentPhaseEvents(limit int) ([]db.PhaseRow, error)
	GreenHistory(limit int) ([]db.GreenRow, error)
}

// Config wires a Server. Journal and Stats are optional.
type Config struct {
	Cycle       CycleSource
	Commander   Commander
	Optimizer   *optimizer.Optimizer
	Density     *store.DensityStore
	Overrides   *store.OverrideStore
	Emergencies *store.EmergencySet
	Journal     Journal

	// Stats returns extra counters (link, feed, router) for /api/stats.
	Stats func() map[string]any
}

type Server struct {
	cfg Config
}

// NewServer returns a Server. It panics if Cycle, Commander, Optimizer or a
// store is missing.
func NewServer(cfg Config) *Server {
	if cfg.Cycle == nil || cfg.Commander == nil || cfg.Optimizer == nil ||
		cfg.Density == nil || cfg.Overrides == nil || cfg.Emergencies == nil {
		panic("api: Cycle, Commander, Optimizer and stores are required")
	}
	return &Server{cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return mux
}

// AttachRoutes registers the API routes on mux.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/density", s.showDensity)
	mux.HandleFunc("/api/override/", s.handleOverride)
	mux.HandleFunc("/api/emergency/", s.handleEmergency)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/charts/green", s.greenChart)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
}
