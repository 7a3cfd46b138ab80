package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by the Get* accessors when a field is absent.
const (
	DefaultTargetFrame      = "map"
	DefaultFrequency        = 10.0 // Hz
	DefaultFilter           = "ekf"
	DefaultCostMetric       = "euclidean"
	DefaultGatingThreshold  = 1.0 // metres (euclidean)
	DefaultMahalanobisGate  = 11.34
	DefaultMaxMisses        = 10
	DefaultHitsToConfirm    = 3
	DefaultTrackTimeout     = 2 * time.Second
	DefaultProcessNoise     = 0.1
	DefaultMeasurementNoise = 0.05
	DefaultParticles        = 200
	DefaultMaxTracks        = 100
	DefaultHistoryLength    = 30
	DefaultSeed             = 1
	DefaultHTTPListen       = "127.0.0.1:8089"
	DefaultGRPCListen       = "127.0.0.1:50061"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

var (
	validFilters = map[string]bool{"particle": true, "ekf": true, "ukf": true}
	validMetrics = map[string]bool{"euclidean": true, "mahalanobis": true}
	validShapes  = map[string]bool{"detections": true, "pose_array": true, "tagged_pose_array": true}
)

// DetectorConfig describes one inbound detection subscription.
type DetectorConfig struct {
	Name     string `json:"name" toml:"name"`
	Endpoint string `json:"endpoint" toml:"endpoint"` // zmq endpoint, e.g. tcp://127.0.0.1:5556
	Topic    string `json:"topic,omitempty" toml:"topic"`
	Shape    string `json:"shape" toml:"shape"`
	UseTags  *bool  `json:"use_tags,omitempty" toml:"use_tags"`
}

// GetUseTags returns use_tags, defaulting to false.
func (d DetectorConfig) GetUseTags() bool {
	return d.UseTags != nil && *d.UseTags
}

// StaticFrame is a fixed transform from Child into Parent. Rotation is a
// quaternion in (x, y, z, w) order; all zeros means no rotation.
type StaticFrame struct {
	Parent      string     `json:"parent" toml:"parent"`
	Child       string     `json:"child" toml:"child"`
	Translation [3]float64 `json:"translation" toml:"translation"`
	Rotation    [4]float64 `json:"rotation" toml:"rotation"`
}

// TrackingConfig is the startup configuration of the tracking node. Every
// scalar is optional; the Get* methods supply defaults for absent fields.
type TrackingConfig struct {
	TargetFrame      *string  `json:"target_frame,omitempty" toml:"target_frame"`
	TrackerFrequency *float64 `json:"tracker_frequency,omitempty" toml:"tracker_frequency"`
	Filter           *string  `json:"filter,omitempty" toml:"filter"`

	Detectors []DetectorConfig `json:"detectors" toml:"detectors"`
	Frames    []StaticFrame    `json:"frames,omitempty" toml:"frames"`

	// Association and lifecycle, passed through to the filter backend.
	GatingThreshold  *float64 `json:"gating_threshold,omitempty" toml:"gating_threshold"`
	CostMetric       *string  `json:"cost_metric,omitempty" toml:"cost_metric"`
	MaxMisses        *int     `json:"max_misses,omitempty" toml:"max_misses"`
	HitsToConfirm    *int     `json:"hits_to_confirm,omitempty" toml:"hits_to_confirm"`
	TrackTimeout     *string  `json:"track_timeout,omitempty" toml:"track_timeout"` // duration string like "2s"
	ProcessNoise     *float64 `json:"process_noise,omitempty" toml:"process_noise"`
	MeasurementNoise *float64 `json:"measurement_noise,omitempty" toml:"measurement_noise"`
	Particles        *int     `json:"particles,omitempty" toml:"particles"`
	MaxTracks        *int     `json:"max_tracks,omitempty" toml:"max_tracks"`
	HistoryLength    *int     `json:"history_length,omitempty" toml:"history_length"`
	Seed             *uint64  `json:"seed,omitempty" toml:"seed"`

	PublishDetections  *bool   `json:"publish_detections,omitempty" toml:"publish_detections"`
	TransformTolerance *string `json:"transform_tolerance,omitempty" toml:"transform_tolerance"`

	HTTPListen *string `json:"http_listen,omitempty" toml:"http_listen"`
	GRPCListen *string `json:"grpc_listen,omitempty" toml:"grpc_listen"`
	RecorderDB *string `json:"recorder_db,omitempty" toml:"recorder_db"`
}

// EmptyTrackingConfig returns a TrackingConfig with every field unset.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// LoadTrackingConfig reads a .json or .toml file. Fields omitted from the
// file fall back to defaults, so partial configs are safe.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackingConfig()
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			if strings.HasPrefix(err.Error(), "json: unknown field") {
				return nil, fmt.Errorf("unknown config keys: %w", err)
			}
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a tracking node.
// Every failure here is fatal at startup.
func (c *TrackingConfig) Validate() error {
	var errs []error

	if c.TargetFrame != nil && strings.TrimSpace(*c.TargetFrame) == "" {
		errs = append(errs, errors.New("target_frame must not be empty"))
	}
	if c.TrackerFrequency != nil && !(*c.TrackerFrequency > 0) {
		errs = append(errs, fmt.Errorf("tracker_frequency must be positive, got %g", *c.TrackerFrequency))
	}
	if c.Filter != nil && !validFilters[strings.ToLower(*c.Filter)] {
		errs = append(errs, fmt.Errorf("unknown filter %q (want particle, ekf or ukf)", *c.Filter))
	}
	if c.CostMetric != nil && !validMetrics[strings.ToLower(*c.CostMetric)] {
		errs = append(errs, fmt.Errorf("unknown cost_metric %q (want euclidean or mahalanobis)", *c.CostMetric))
	}
	if c.GatingThreshold != nil && !(*c.GatingThreshold > 0) {
		errs = append(errs, fmt.Errorf("gating_threshold must be positive, got %g", *c.GatingThreshold))
	}
	if c.MaxMisses != nil && *c.MaxMisses < 0 {
		errs = append(errs, fmt.Errorf("max_misses must be non-negative, got %d", *c.MaxMisses))
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		errs = append(errs, fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm))
	}
	if c.ProcessNoise != nil && *c.ProcessNoise < 0 {
		errs = append(errs, fmt.Errorf("process_noise must be non-negative, got %g", *c.ProcessNoise))
	}
	if c.MeasurementNoise != nil && !(*c.MeasurementNoise > 0) {
		errs = append(errs, fmt.Errorf("measurement_noise must be positive, got %g", *c.MeasurementNoise))
	}
	if c.Particles != nil && *c.Particles < 1 {
		errs = append(errs, fmt.Errorf("particles must be at least 1, got %d", *c.Particles))
	}
	if c.MaxTracks != nil && *c.MaxTracks < 1 {
		errs = append(errs, fmt.Errorf("max_tracks must be at least 1, got %d", *c.MaxTracks))
	}
	if c.HistoryLength != nil && *c.HistoryLength < 0 {
		errs = append(errs, fmt.Errorf("history_length must be non-negative, got %d", *c.HistoryLength))
	}
	errs = append(errs, validateDuration("track_timeout", c.TrackTimeout))
	errs = append(errs, validateDuration("transform_tolerance", c.TransformTolerance))

	if len(c.Detectors) == 0 {
		errs = append(errs, errors.New("at least one detector must be configured"))
	}
	seen := make(map[string]bool, len(c.Detectors))
	for i, d := range c.Detectors {
		switch {
		case strings.TrimSpace(d.Name) == "":
			errs = append(errs, fmt.Errorf("detectors[%d]: name must not be empty", i))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("detectors[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		if !validShapes[strings.ToLower(strings.TrimSpace(d.Shape))] {
			errs = append(errs, fmt.Errorf("detectors[%d] %q: unknown shape %q", i, d.Name, d.Shape))
		}
		if d.Endpoint == "" {
			errs = append(errs, fmt.Errorf("detectors[%d] %q: endpoint must not be empty", i, d.Name))
		}
	}

	for i, f := range c.Frames {
		if f.Parent == "" || f.Child == "" {
			errs = append(errs, fmt.Errorf("frames[%d]: parent and child must both be set", i))
		} else if f.Parent == f.Child {
			errs = append(errs, fmt.Errorf("frames[%d]: %q cannot be its own parent", i, f.Child))
		}
	}

	return errors.Join(errs...)
}

// GetTargetFrame returns the frame tracks are estimated in.
func (c *TrackingConfig) GetTargetFrame() string {
	if c.TargetFrame == nil || *c.TargetFrame == "" {
		return DefaultTargetFrame
	}
	return *c.TargetFrame
}

// GetTrackerFrequency returns the target cycle rate in Hz.
func (c *TrackingConfig) GetTrackerFrequency() float64 {
	if c.TrackerFrequency == nil || *c.TrackerFrequency <= 0 {
		return DefaultFrequency
	}
	return *c.TrackerFrequency
}

// GetCyclePeriod returns the interval between tracking cycles.
func (c *TrackingConfig) GetCyclePeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTrackerFrequency())
}

func (c *TrackingConfig) GetFilter() string {
	if c.Filter == nil || *c.Filter == "" {
		return DefaultFilter
	}
	return strings.ToLower(*c.Filter)
}

func (c *TrackingConfig) GetCostMetric() string {
	if c.CostMetric == nil || *c.CostMetric == "" {
		return DefaultCostMetric
	}
	return strings.ToLower(*c.CostMetric)
}

// GetGatingThreshold returns the gate in the units of the cost metric. The
// default for mahalanobis is the 99% chi-square bound for three degrees of
// freedom.
func (c *TrackingConfig) GetGatingThreshold() float64 {
	if c.GatingThreshold != nil {
		return *c.GatingThreshold
	}
	if c.GetCostMetric() == "mahalanobis" {
		return DefaultMahalanobisGate
	}
	return DefaultGatingThreshold
}

func (c *TrackingConfig) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return DefaultMaxMisses
	}
	return *c.MaxMisses
}

func (c *TrackingConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return DefaultHitsToConfirm
	}
	return *c.HitsToConfirm
}

// GetTrackTimeout parses track_timeout. A value of "0s" disables it.
func (c *TrackingConfig) GetTrackTimeout() time.Duration {
	return parseDurationOr(c.TrackTimeout, DefaultTrackTimeout)
}

// GetTransformTolerance parses transform_tolerance, the largest gap
// between a detection stamp and a timestamped transform that is still
// accepted. Zero (the default) accepts any gap.
func (c *TrackingConfig) GetTransformTolerance() time.Duration {
	return parseDurationOr(c.TransformTolerance, 0)
}

func (c *TrackingConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return DefaultProcessNoise
	}
	return *c.ProcessNoise
}

func (c *TrackingConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return DefaultMeasurementNoise
	}
	return *c.MeasurementNoise
}

func (c *TrackingConfig) GetParticles() int {
	if c.Particles == nil {
		return DefaultParticles
	}
	return *c.Particles
}

func (c *TrackingConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return DefaultMaxTracks
	}
	return *c.MaxTracks
}

func (c *TrackingConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return DefaultHistoryLength
	}
	return *c.HistoryLength
}

func (c *TrackingConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return DefaultSeed
	}
	return *c.Seed
}

// GetPublishDetections reports whether per-detector echoes are published.
func (c *TrackingConfig) GetPublishDetections() bool {
	return c.PublishDetections != nil && *c.PublishDetections
}

func (c *TrackingConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return DefaultHTTPListen
	}
	return *c.HTTPListen
}

func (c *TrackingConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return DefaultGRPCListen
	}
	return *c.GRPCListen
}

// GetRecorderDB returns the diagnostics database path; empty disables the
// recorder.
func (c *TrackingConfig) GetRecorderDB() string {
	if c.RecorderDB == nil {
		return ""
	}
	return *c.RecorderDB
}

func validateDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, d)
	}
	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
