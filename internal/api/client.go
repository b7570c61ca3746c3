package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/signal"
)

// Client calls a running controller's operator API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the API at base, e.g.
// "http://localhost:8080". A nil c uses http.DefaultClient.
func NewClient(base string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

func (c *Client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := httputil.DoJSON(c.http, req, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// State returns the controller's cycle state.
func (c *Client) State() (StateResponse, error) {
	var out StateResponse
	err := c.do(http.MethodGet, "/api/state", nil, &out)
	return out, err
}

// Density returns smoothed density and the current green proposal.
func (c *Client) Density() (DensityResponse, error) {
	var out DensityResponse
	err := c.do(http.MethodGet, "/api/density", nil, &out)
	return out, err
}

// SetOverride sets a manual green for id.
func (c *Client) SetOverride(id signal.IntersectionID, seconds int) (OverrideResponse, error) {
	var out OverrideResponse
	err := c.do(http.MethodPost, "/api/override/"+url.PathEscape(string(id)), OverrideRequest{Duration: &seconds}, &out)
	return out, err
}

// ClearOverride removes the override for id.
func (c *Client) ClearOverride(id signal.IntersectionID) (OverrideResponse, error) {
	var out OverrideResponse
	err := c.do(http.MethodDelete, "/api/override/"+url.PathEscape(string(id)), nil, &out)
	return out, err
}

// SetEmergency starts or clears an emergency at id.
func (c *Client) SetEmergency(id signal.IntersectionID, active bool) (EmergencyResponse, error) {
	status := "clear"
	if active {
		status = "start"
	}
	var out EmergencyResponse
	err := c.do(http.MethodPost, "/api/emergency/"+url.PathEscape(string(id)), map[string]string{"status": status}, &out)
	return out, err
}

// Events returns up to limit journal rows, newest first.
func (c *Client) Events(limit int) ([]db.PhaseRow, error) {
	var out []db.PhaseRow
	err := c.do(http.MethodGet, fmt.Sprintf("/api/events?limit=%d", limit), nil, &out)
	return out, err
}
