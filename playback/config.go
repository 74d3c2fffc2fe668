package playback

import (
	"fmt"
	"time"
)

// Config contains all playback engine options.
type Config struct {
	Sync        SyncConfig        `yaml:"sync" mapstructure:"sync" envPrefix:"SYNC_"`
	Calibration CalibrationConfig `yaml:"calibration" mapstructure:"calibration" envPrefix:"CALIBRATION_"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache" envPrefix:"CACHE_"`
	Transition  TransitionConfig  `yaml:"transition" mapstructure:"transition" envPrefix:"TRANSITION_"`
	Scroll      ScrollConfig      `yaml:"scroll" mapstructure:"scroll" envPrefix:"SCROLL_"`
}

// SyncConfig tunes the highlight loop.
type SyncConfig struct {
	FrameRate          int           `yaml:"frame_rate" mapstructure:"frame_rate" env:"FRAME_RATE"`
	BoundaryHysteresis time.Duration `yaml:"boundary_hysteresis" mapstructure:"boundary_hysteresis" env:"BOUNDARY_HYSTERESIS"`
}

// CalibrationConfig tunes offset learning.
type CalibrationConfig struct {
	DefaultOffset   time.Duration `yaml:"default_offset" mapstructure:"default_offset" env:"DEFAULT_OFFSET"`
	MinOffset       time.Duration `yaml:"min_offset" mapstructure:"min_offset" env:"MIN_OFFSET"`
	MaxOffset       time.Duration `yaml:"max_offset" mapstructure:"max_offset" env:"MAX_OFFSET"`
	Decay           float64       `yaml:"decay" mapstructure:"decay" env:"DECAY"`
	ConfidenceGate  float64       `yaml:"confidence_gate" mapstructure:"confidence_gate" env:"CONFIDENCE_GATE"`
	ConfidenceK     float64       `yaml:"confidence_k" mapstructure:"confidence_k" env:"CONFIDENCE_K"`
	AutoSampleWords int           `yaml:"auto_sample_words" mapstructure:"auto_sample_words" env:"AUTO_SAMPLE_WORDS"`
	RegimeThreshold time.Duration `yaml:"regime_threshold" mapstructure:"regime_threshold" env:"REGIME_THRESHOLD"`
	PerLevel        bool          `yaml:"per_level" mapstructure:"per_level" env:"PER_LEVEL"`
	SaveTimeout     time.Duration `yaml:"save_timeout" mapstructure:"save_timeout" env:"SAVE_TIMEOUT"`
}

// CacheConfig sizes the chunk cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity" env:"CAPACITY"`
	Window   int `yaml:"window" mapstructure:"window" env:"WINDOW"`
}

// TransitionConfig tunes prefetching and chunk handoff.
type TransitionConfig struct {
	PrefetchThreshold float64       `yaml:"prefetch_threshold" mapstructure:"prefetch_threshold" env:"PREFETCH_THRESHOLD"`
	Lookahead         int           `yaml:"lookahead" mapstructure:"lookahead" env:"LOOKAHEAD"`
	Crossfade         time.Duration `yaml:"crossfade" mapstructure:"crossfade" env:"CROSSFADE"`
	RetryAttempts     int           `yaml:"retry_attempts" mapstructure:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	LoadTimeout       time.Duration `yaml:"load_timeout" mapstructure:"load_timeout" env:"LOAD_TIMEOUT"`
}

// ScrollConfig tunes auto-scroll.
type ScrollConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	SuppressWindow time.Duration `yaml:"suppress_window" mapstructure:"suppress_window" env:"SUPPRESS_WINDOW"`
	BandTop        float64       `yaml:"band_top" mapstructure:"band_top" env:"BAND_TOP"`
	BandBottom     float64       `yaml:"band_bottom" mapstructure:"band_bottom" env:"BAND_BOTTOM"`
	Anchor         float64       `yaml:"anchor" mapstructure:"anchor" env:"ANCHOR"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			FrameRate:          60,
			BoundaryHysteresis: 30 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			DefaultOffset:   250 * time.Millisecond,
			MinOffset:       -time.Second,
			MaxOffset:       time.Second,
			Decay:           0.85,
			ConfidenceGate:  0.5,
			ConfidenceK:     3,
			AutoSampleWords: 4,
			RegimeThreshold: 300 * time.Millisecond,
			SaveTimeout:     5 * time.Second,
		},
		Cache: CacheConfig{
			Capacity: 5,
			Window:   2,
		},
		Transition: TransitionConfig{
			PrefetchThreshold: 0.8,
			Lookahead:         1,
			Crossfade:         150 * time.Millisecond,
			RetryAttempts:     3,
			RetryBaseDelay:    200 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			LoadTimeout:       10 * time.Second,
		},
		Scroll: ScrollConfig{
			Enabled:        true,
			SuppressWindow: 300 * time.Millisecond,
			BandTop:        0.25,
			BandBottom:     0.65,
			Anchor:         0.33,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration config: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := c.Transition.Validate(); err != nil {
		return fmt.Errorf("transition config: %w", err)
	}
	if err := c.Scroll.Validate(); err != nil {
		return fmt.Errorf("scroll config: %w", err)
	}
	return nil
}

// Validate checks the sync settings.
func (c *SyncConfig) Validate() error {
	if c.FrameRate < 1 || c.FrameRate > 240 {
		return fmt.Errorf("%w: frame_rate must be between 1 and 240, got %d", ErrInvalidConfig, c.FrameRate)
	}
	if c.BoundaryHysteresis < 0 || c.BoundaryHysteresis > 200*time.Millisecond {
		return fmt.Errorf("%w: boundary_hysteresis must be between 0 and 200ms, got %v", ErrInvalidConfig, c.BoundaryHysteresis)
	}
	return nil
}

// FrameInterval returns the time between two frames.
func (c *SyncConfig) FrameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.FrameRate)
}

// Validate checks the calibration settings.
func (c *CalibrationConfig) Validate() error {
	if c.MinOffset >= c.MaxOffset {
		return fmt.Errorf("%w: min_offset %v must be below max_offset %v", ErrInvalidConfig, c.MinOffset, c.MaxOffset)
	}
	if c.MinOffset < -5*time.Second || c.MaxOffset > 5*time.Second {
		return fmt.Errorf("%w: offset range must stay within ±5s", ErrInvalidConfig)
	}
	if c.DefaultOffset < c.MinOffset || c.DefaultOffset > c.MaxOffset {
		return fmt.Errorf("%w: default_offset %v outside [%v, %v]", ErrInvalidConfig, c.DefaultOffset, c.MinOffset, c.MaxOffset)
	}
	if c.Decay <= 0 || c.Decay >= 1 {
		return fmt.Errorf("%w: decay must be in (0, 1), got %f", ErrInvalidConfig, c.Decay)
	}
	if c.ConfidenceGate < 0 || c.ConfidenceGate > 1 {
		return fmt.Errorf("%w: confidence_gate must be in [0, 1], got %f", ErrInvalidConfig, c.ConfidenceGate)
	}
	if c.ConfidenceK <= 0 {
		return fmt.Errorf("%w: confidence_k must be positive, got %f", ErrInvalidConfig, c.ConfidenceK)
	}
	if c.AutoSampleWords < 0 || c.AutoSampleWords > 10 {
		return fmt.Errorf("%w: auto_sample_words must be between 0 and 10, got %d", ErrInvalidConfig, c.AutoSampleWords)
	}
	if c.RegimeThreshold <= 0 {
		return fmt.Errorf("%w: regime_threshold must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the cache settings.
func (c *CacheConfig) Validate() error {
	if c.Capacity < 1 || c.Capacity > 64 {
		return fmt.Errorf("%w: capacity must be between 1 and 64, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.Window < 0 || c.Window > 8 {
		return fmt.Errorf("%w: window must be between 0 and 8, got %d", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Validate checks the transition settings.
func (c *TransitionConfig) Validate() error {
	if c.PrefetchThreshold <= 0 || c.PrefetchThreshold >= 1 {
		return fmt.Errorf("%w: prefetch_threshold must be in (0, 1), got %f", ErrInvalidConfig, c.PrefetchThreshold)
	}
	if c.Lookahead < 1 || c.Lookahead > 2 {
		return fmt.Errorf("%w: lookahead must be 1 or 2, got %d", ErrInvalidConfig, c.Lookahead)
	}
	if c.Crossfade < 0 || c.Crossfade > time.Second {
		return fmt.Errorf("%w: crossfade must be between 0 and 1s, got %v", ErrInvalidConfig, c.Crossfade)
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("%w: retry_attempts must be between 1 and 10, got %d", ErrInvalidConfig, c.RetryAttempts)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: retry delays must satisfy 0 <= base <= max", ErrInvalidConfig)
	}
	if c.LoadTimeout < 100*time.Millisecond {
		return fmt.Errorf("%w: load_timeout must be at least 100ms, got %v", ErrInvalidConfig, c.LoadTimeout)
	}
	return nil
}

// Validate checks the scroll settings.
func (c *ScrollConfig) Validate() error {
	if c.SuppressWindow < 150*time.Millisecond || c.SuppressWindow > 500*time.Millisecond {
		return fmt.Errorf("%w: suppress_window must be between 150ms and 500ms, got %v", ErrInvalidConfig, c.SuppressWindow)
	}
	if c.BandTop < 0 || c.BandBottom > 1 || c.BandTop >= c.BandBottom {
		return fmt.Errorf("%w: comfort band must satisfy 0 <= top < bottom <= 1", ErrInvalidConfig)
	}
	if c.Anchor < c.BandTop || c.Anchor > c.BandBottom {
		return fmt.Errorf("%w: anchor must lie inside the comfort band", ErrInvalidConfig)
	}
	return nil
}
