package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/scheduler"
	"github.com/banshee-data/signal.control/internal/signal"
	"github.com/banshee-data/signal.control/internal/store"
	"github.com/banshee-data/signal.control/internal/version"
)

// maxBody bounds command request bodies.
const maxBody = 4096

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Running     bool                          `json:"running"`
	Cycle       scheduler.CycleState          `json:"cycle"`
	Overrides   map[signal.IntersectionID]int `json:"overrides"`
	Emergencies []signal.IntersectionID       `json:"emergencies"`
}

// DensityResponse is the body of GET /api/density.
type DensityResponse struct {
	Smoothed map[signal.IntersectionID]float64 `json:"smoothed"`
	Pairs    []PairDensity                     `json:"pairs"`
}

// PairDensity is one pair's share and the green the optimizer would give it.
type PairDensity struct {
	Pair     signal.Pair `json:"pair"`
	Density  float64     `json:"density"`
	Share    *float64    `json:"share"`
	Proposed int         `json:"proposed_green"`
}

// OverrideRequest is the body of POST /api/override/{id}.
type OverrideRequest struct {
	Duration *int `json:"duration"`
}

// OverrideResponse reports the override now in force.
type OverrideResponse struct {
	Intersection signal.IntersectionID `json:"intersection"`
	Duration     *int                  `json:"duration"`
}

// EmergencyResponse reports whether an emergency is now active.
type EmergencyResponse struct {
	Intersection signal.IntersectionID `json:"intersection"`
	Active       bool                  `json:"active"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	overrides := s.cfg.Overrides.Snapshot()
	resp := StateResponse{
		Running:     s.cfg.Cycle.Running(),
		Cycle:       s.cfg.Cycle.Snapshot(),
		Overrides:   map[signal.IntersectionID]int(overrides),
		Emergencies: s.cfg.Emergencies.Snapshot().IDs(),
	}
	if resp.Overrides == nil {
		resp.Overrides = map[signal.IntersectionID]int{}
	}
	if resp.Emergencies == nil {
		resp.Emergencies = []signal.IntersectionID{}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showDensity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	density := s.cfg.Density.Snapshot()
	opt := s.cfg.Optimizer
	smoothed := opt.Smoothed(density)
	shares := opt.Shares(density)
	proposed := opt.Propose(density, store.EmergencySnapshot{})

	resp := DensityResponse{Smoothed: smoothed}
	for i, p := range opt.Layout() {
		pd := PairDensity{Pair: p, Density: smoothed[p[0]] + smoothed[p[1]], Proposed: proposed[i]}
		if shares != nil {
			share := shares[i]
			pd.Share = &share
		}
		resp.Pairs = append(resp.Pairs, pd)
	}
	httputil.WriteJSONOK(w, resp)
}

// intersectionFromPath returns the id after prefix, rejecting nested paths.
func intersectionFromPath(path, prefix string) (signal.IntersectionID, bool) {
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return signal.IntersectionID(id), true
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := intersectionFromPath(r.URL.Path, "/api/override/")
	if !ok {
		httputil.NotFound(w, "intersection id required")
		return
	}

	var seconds *int
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		var req OverrideRequest
		if err := decodeBody(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		seconds = req.Duration
	case http.MethodDelete:
	default:
		httputil.MethodNotAllowed(w)
		return
	}

	if err := s.cfg.Commander.SetOverride(id, seconds); err != nil {
		writeCommandError(w, err)
		return
	}
	resp := OverrideResponse{Intersection: id}
	if v, ok := s.cfg.Overrides.Get(id); ok {
		resp.Duration = &v
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	id, ok := intersectionFromPath(r.URL.Path, "/api/emergency/")
	if !ok {
		httputil.NotFound(w, "intersection id required")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httputil.BadRequest(w, "failed to read body")
		return
	}
	active, err := command.ParseEmergency(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.cfg.Commander.SetEmergency(id, active); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, EmergencyResponse{Intersection: id, Active: s.cfg.Emergencies.Has(id)})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return errors.New("failed to read body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrUnknownIntersection):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, command.ErrMalformed):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 10000 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	rows, err := s.cfg.Journal.RecentPhaseEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if rows == nil {
		rows = []db.PhaseRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out := map[string]any{}
	if s.cfg.Stats != nil {
		for k, v := range s.cfg.Stats() {
			out[k] = v
		}
	}
	out["transitions"] = s.cfg.Cycle.Snapshot().Transitions
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
