package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/signal.control/internal/signal"
)

// DefaultConfigPath is the path to the canonical controller defaults file.
const DefaultConfigPath = "config/signal.defaults.json"

// SignalConfig is the controller configuration. Every field is optional; the
// Get* methods supply the reference deployment values for anything omitted,
// so partial configs are safe. Values are read once at startup.
type SignalConfig struct {
	// Green allocation, whole seconds
	DefaultGreenSeconds   *int `json:"default_green_seconds,omitempty"`
	MaxGreenSeconds       *int `json:"max_green_seconds,omitempty"`
	YellowSeconds         *int `json:"yellow_seconds,omitempty"`
	EmergencyBoostSeconds *int `json:"emergency_boost_seconds,omitempty"`

	// Fairness clamp on each pair's density share
	MinShare *float64 `json:"min_share,omitempty"`
	MaxShare *float64 `json:"max_share,omitempty"`

	// Density smoothing
	SmoothingWindow  *int      `json:"smoothing_window,omitempty"`
	SmoothingWeights []float64 `json:"smoothing_weights,omitempty"`

	// Scheduler loop
	PollInterval           *string `json:"poll_interval,omitempty"` // duration string like "250ms"
	MaxPublishFailures     *int    `json:"max_publish_failures,omitempty"`
	ShutdownPublishTimeout *string `json:"shutdown_publish_timeout,omitempty"`

	// Pair partition, in rotation order
	Pairs [][]string `json:"pairs,omitempty"`

	// Topic prefixes on the message link
	DensityTopicPrefix   *string `json:"density_topic_prefix,omitempty"`
	ManualTopicPrefix    *string `json:"manual_topic_prefix,omitempty"`
	EmergencyTopicPrefix *string `json:"emergency_topic_prefix,omitempty"`
	StatusTopicPrefix    *string `json:"status_topic_prefix,omitempty"`
}

// Helper functions to create pointers
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptySignalConfig returns a SignalConfig with all fields unset.
func EmptySignalConfig() *SignalConfig {
	return &SignalConfig{}
}

// LoadSignalConfig loads a SignalConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadSignalConfig(path string) (*SignalConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySignalConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *SignalConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSignalConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SignalConfig) Validate() error {
	def, maxG := c.GetDefaultGreenSeconds(), c.GetMaxGreenSeconds()
	if def <= 0 {
		return fmt.Errorf("default_green_seconds must be positive, got %d", def)
	}
	if maxG < def {
		return fmt.Errorf("max_green_seconds (%d) must be >= default_green_seconds (%d)", maxG, def)
	}
	if y := c.GetYellowSeconds(); y <= 0 {
		return fmt.Errorf("yellow_seconds must be positive, got %d", y)
	}
	if b := c.GetEmergencyBoostSeconds(); b < 0 {
		return fmt.Errorf("emergency_boost_seconds must be non-negative, got %d", b)
	}

	minS, maxS := c.GetMinShare(), c.GetMaxShare()
	if minS < 0 || minS > 1 || maxS < 0 || maxS > 1 {
		return fmt.Errorf("min_share and max_share must be between 0 and 1, got %f and %f", minS, maxS)
	}
	if minS > maxS {
		return fmt.Errorf("min_share (%f) must not exceed max_share (%f)", minS, maxS)
	}

	window := c.GetSmoothingWindow()
	if window < 1 {
		return fmt.Errorf("smoothing_window must be at least 1, got %d", window)
	}
	weights := c.GetSmoothingWeights()
	if len(weights) != window {
		return fmt.Errorf("smoothing_weights has %d entries, smoothing_window is %d", len(weights), window)
	}
	for i, w := range weights {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("smoothing_weights[%d] must be a positive number, got %f", i, w)
		}
	}

	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}
	if c.ShutdownPublishTimeout != nil && *c.ShutdownPublishTimeout != "" {
		if _, err := time.ParseDuration(*c.ShutdownPublishTimeout); err != nil {
			return fmt.Errorf("invalid shutdown_publish_timeout '%s': %w", *c.ShutdownPublishTimeout, err)
		}
	}
	if n := c.GetMaxPublishFailures(); n < 0 {
		return fmt.Errorf("max_publish_failures must be non-negative, got %d", n)
	}

	if _, err := c.Layout(); err != nil {
		return err
	}
	return nil
}

// GetDefaultGreenSeconds returns the default_green_seconds value or the default.
func (c *SignalConfig) GetDefaultGreenSeconds() int {
	if c.DefaultGreenSeconds == nil {
		return 30
	}
	return *c.DefaultGreenSeconds
}

// GetMaxGreenSeconds returns the max_green_seconds value or the default.
func (c *SignalConfig) GetMaxGreenSeconds() int {
	if c.MaxGreenSeconds == nil {
		return 60
	}
	return *c.MaxGreenSeconds
}

// GetYellowSeconds returns the yellow_seconds value or the default.
func (c *SignalConfig) GetYellowSeconds() int {
	if c.YellowSeconds == nil {
		return 5
	}
	return *c.YellowSeconds
}

// GetEmergencyBoostSeconds returns the emergency_boost_seconds value or the default.
func (c *SignalConfig) GetEmergencyBoostSeconds() int {
	if c.EmergencyBoostSeconds == nil {
		return 20
	}
	return *c.EmergencyBoostSeconds
}

// GetMinShare returns the min_share value or the default.
func (c *SignalConfig) GetMinShare() float64 {
	if c.MinShare == nil {
		return 0.35
	}
	return *c.MinShare
}

// GetMaxShare returns the max_share value or the default.
func (c *SignalConfig) GetMaxShare() float64 {
	if c.MaxShare == nil {
		return 0.65
	}
	return *c.MaxShare
}

// GetSmoothingWindow returns the smoothing_window value or the default.
func (c *SignalConfig) GetSmoothingWindow() int {
	if c.SmoothingWindow == nil {
		return len(c.GetSmoothingWeights())
	}
	return *c.SmoothingWindow
}

// GetSmoothingWeights returns the smoothing weights, oldest sample first.
func (c *SignalConfig) GetSmoothingWeights() []float64 {
	if len(c.SmoothingWeights) == 0 {
		return []float64{0.2, 0.3, 0.5}
	}
	return append([]float64(nil), c.SmoothingWeights...)
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *SignalConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return 250 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// GetMaxPublishFailures returns the max_publish_failures value or the default.
// Zero disables escalation.
func (c *SignalConfig) GetMaxPublishFailures() int {
	if c.MaxPublishFailures == nil {
		return 20
	}
	return *c.MaxPublishFailures
}

// GetShutdownPublishTimeout parses and returns the ShutdownPublishTimeout.
func (c *SignalConfig) GetShutdownPublishTimeout() time.Duration {
	if c.ShutdownPublishTimeout == nil || *c.ShutdownPublishTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.ShutdownPublishTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetDensityTopicPrefix returns the density_topic_prefix value or the default.
func (c *SignalConfig) GetDensityTopicPrefix() string {
	if c.DensityTopicPrefix == nil {
		return "traffic/density/"
	}
	return *c.DensityTopicPrefix
}

// GetManualTopicPrefix returns the manual_topic_prefix value or the default.
func (c *SignalConfig) GetManualTopicPrefix() string {
	if c.ManualTopicPrefix == nil {
		return "signal/manual/"
	}
	return *c.ManualTopicPrefix
}

// GetEmergencyTopicPrefix returns the emergency_topic_prefix value or the default.
func (c *SignalConfig) GetEmergencyTopicPrefix() string {
	if c.EmergencyTopicPrefix == nil {
		return "traffic/emergency/"
	}
	return *c.EmergencyTopicPrefix
}

// GetStatusTopicPrefix returns the status_topic_prefix value or the default.
func (c *SignalConfig) GetStatusTopicPrefix() string {
	if c.StatusTopicPrefix == nil {
		return "signal/status/"
	}
	return *c.StatusTopicPrefix
}

// Timing returns the green allocation bounds.
func (c *SignalConfig) Timing() signal.Timing {
	return signal.Timing{
		DefaultGreen:   c.GetDefaultGreenSeconds(),
		MaxGreen:       c.GetMaxGreenSeconds(),
		Yellow:         c.GetYellowSeconds(),
		EmergencyBoost: c.GetEmergencyBoostSeconds(),
	}
}

// Layout builds the validated pair layout. When no pairs are configured the
// reference deployment (4001,4003),(4002,4004) is used.
func (c *SignalConfig) Layout() (signal.Layout, error) {
	if len(c.Pairs) == 0 {
		return signal.NewLayout(signal.Pair{"4001", "4003"}, signal.Pair{"4002", "4004"})
	}
	pairs := make([]signal.Pair, 0, len(c.Pairs))
	for i, p := range c.Pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: pairs[%d] has %d members, want 2", signal.ErrInvalidLayout, i, len(p))
		}
		pairs = append(pairs, signal.Pair{signal.IntersectionID(p[0]), signal.IntersectionID(p[1])})
	}
	return signal.NewLayout(pairs...)
}
