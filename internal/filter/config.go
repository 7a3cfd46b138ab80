package filter

import (
	"fmt"
	"time"

	"github.com/rasberry/tracking/internal/config"
)

// Config holds the association and lifecycle parameters shared by all
// backends.
type Config struct {
	MaxTracks     int // Live tracks beyond this are not spawned
	MaxMisses     int // A track is removed once its consecutive misses exceed this
	HitsToConfirm int // Matches needed to promote tentative → confirmed

	// GatingThreshold bounds the association cost: metres for
	// CostEuclidean, squared Mahalanobis distance for CostMahalanobis.
	GatingThreshold float64
	CostMetric      CostMetric

	// TrackTimeout removes a track once the predicted time since its last
	// match exceeds it. Zero disables the timeout.
	TrackTimeout time.Duration

	ProcessNoise     float64 // White-noise acceleration variance (m²/s⁴)
	MeasurementNoise float64 // Per-axis position measurement variance (m²)

	Particles     int    // Particles per track (particle backend)
	HistoryLength int    // Positions retained per track
	Seed          uint64 // Particle RNG seed
}

// DefaultConfig returns parameters suitable for slow-moving objects
// observed at a few hertz.
func DefaultConfig() Config {
	return Config{
		MaxTracks:        config.DefaultMaxTracks,
		MaxMisses:        config.DefaultMaxMisses,
		HitsToConfirm:    config.DefaultHitsToConfirm,
		GatingThreshold:  config.DefaultGatingThreshold,
		CostMetric:       CostEuclidean,
		TrackTimeout:     config.DefaultTrackTimeout,
		ProcessNoise:     config.DefaultProcessNoise,
		MeasurementNoise: config.DefaultMeasurementNoise,
		Particles:        config.DefaultParticles,
		HistoryLength:    config.DefaultHistoryLength,
		Seed:             config.DefaultSeed,
	}
}

// ConfigFromTracking builds a filter Config from loaded startup
// configuration, applying defaults for absent fields.
func ConfigFromTracking(tc *config.TrackingConfig) (Config, error) {
	metric, err := ParseCostMetric(tc.GetCostMetric())
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		MaxTracks:        tc.GetMaxTracks(),
		MaxMisses:        tc.GetMaxMisses(),
		HitsToConfirm:    tc.GetHitsToConfirm(),
		GatingThreshold:  tc.GetGatingThreshold(),
		CostMetric:       metric,
		TrackTimeout:     tc.GetTrackTimeout(),
		ProcessNoise:     tc.GetProcessNoise(),
		MeasurementNoise: tc.GetMeasurementNoise(),
		Particles:        tc.GetParticles(),
		HistoryLength:    tc.GetHistoryLength(),
		Seed:             tc.GetSeed(),
	}
	return cfg, cfg.Validate()
}

// Validate rejects parameters no backend can run with.
func (c Config) Validate() error {
	switch {
	case c.MaxTracks <= 0:
		return fmt.Errorf("filter: max_tracks must be positive, got %d", c.MaxTracks)
	case c.MaxMisses < 0:
		return fmt.Errorf("filter: max_misses must be non-negative, got %d", c.MaxMisses)
	case c.GatingThreshold <= 0:
		return fmt.Errorf("filter: gating_threshold must be positive, got %g", c.GatingThreshold)
	case c.ProcessNoise < 0:
		return fmt.Errorf("filter: process_noise must be non-negative, got %g", c.ProcessNoise)
	case c.MeasurementNoise <= 0:
		return fmt.Errorf("filter: measurement_noise must be positive, got %g", c.MeasurementNoise)
	case c.TrackTimeout < 0:
		return fmt.Errorf("filter: track_timeout must be non-negative, got %s", c.TrackTimeout)
	}
	if _, err := ParseCostMetric(string(c.CostMetric)); err != nil {
		return err
	}
	return nil
}
