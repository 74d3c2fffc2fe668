package playback

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// LoadConfigFromViper loads playback configuration from Viper.
func LoadConfigFromViper() (Config, error) {
	cfg := DefaultConfig()

	// Sync settings
	if viper.IsSet("playback.sync.frame_rate") {
		cfg.Sync.FrameRate = viper.GetInt("playback.sync.frame_rate")
	}
	if viper.IsSet("playback.sync.boundary_hysteresis") {
		cfg.Sync.BoundaryHysteresis = viper.GetDuration("playback.sync.boundary_hysteresis")
	}

	cfg.Calibration = loadCalibrationConfig(cfg.Calibration)
	cfg.Transition = loadTransitionConfig(cfg.Transition)

	// Cache settings
	if viper.IsSet("playback.cache.capacity") {
		cfg.Cache.Capacity = viper.GetInt("playback.cache.capacity")
	}
	if viper.IsSet("playback.cache.window") {
		cfg.Cache.Window = viper.GetInt("playback.cache.window")
	}

	// Scroll settings
	if viper.IsSet("playback.scroll.enabled") {
		cfg.Scroll.Enabled = viper.GetBool("playback.scroll.enabled")
	}
	if viper.IsSet("playback.scroll.suppress_window") {
		cfg.Scroll.SuppressWindow = viper.GetDuration("playback.scroll.suppress_window")
	}
	if viper.IsSet("playback.scroll.band_top") {
		cfg.Scroll.BandTop = viper.GetFloat64("playback.scroll.band_top")
	}
	if viper.IsSet("playback.scroll.band_bottom") {
		cfg.Scroll.BandBottom = viper.GetFloat64("playback.scroll.band_bottom")
	}
	if viper.IsSet("playback.scroll.anchor") {
		cfg.Scroll.Anchor = viper.GetFloat64("playback.scroll.anchor")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid playback configuration: %w", err)
	}

	return cfg, nil
}

func loadCalibrationConfig(cfg CalibrationConfig) CalibrationConfig {
	if viper.IsSet("playback.calibration.default_offset") {
		cfg.DefaultOffset = viper.GetDuration("playback.calibration.default_offset")
	}
	if viper.IsSet("playback.calibration.min_offset") {
		cfg.MinOffset = viper.GetDuration("playback.calibration.min_offset")
	}
	if viper.IsSet("playback.calibration.max_offset") {
		cfg.MaxOffset = viper.GetDuration("playback.calibration.max_offset")
	}
	if viper.IsSet("playback.calibration.decay") {
		cfg.Decay = viper.GetFloat64("playback.calibration.decay")
	}
	if viper.IsSet("playback.calibration.confidence_gate") {
		cfg.ConfidenceGate = viper.GetFloat64("playback.calibration.confidence_gate")
	}
	if viper.IsSet("playback.calibration.confidence_k") {
		cfg.ConfidenceK = viper.GetFloat64("playback.calibration.confidence_k")
	}
	if viper.IsSet("playback.calibration.auto_sample_words") {
		cfg.AutoSampleWords = viper.GetInt("playback.calibration.auto_sample_words")
	}
	if viper.IsSet("playback.calibration.regime_threshold") {
		cfg.RegimeThreshold = viper.GetDuration("playback.calibration.regime_threshold")
	}
	if viper.IsSet("playback.calibration.per_level") {
		cfg.PerLevel = viper.GetBool("playback.calibration.per_level")
	}
	if viper.IsSet("playback.calibration.save_timeout") {
		cfg.SaveTimeout = viper.GetDuration("playback.calibration.save_timeout")
	}
	return cfg
}

func loadTransitionConfig(cfg TransitionConfig) TransitionConfig {
	if viper.IsSet("playback.transition.prefetch_threshold") {
		cfg.PrefetchThreshold = viper.GetFloat64("playback.transition.prefetch_threshold")
	}
	if viper.IsSet("playback.transition.lookahead") {
		cfg.Lookahead = viper.GetInt("playback.transition.lookahead")
	}
	if viper.IsSet("playback.transition.crossfade") {
		cfg.Crossfade = viper.GetDuration("playback.transition.crossfade")
	}
	if viper.IsSet("playback.transition.retry_attempts") {
		cfg.RetryAttempts = viper.GetInt("playback.transition.retry_attempts")
	}
	if viper.IsSet("playback.transition.retry_base_delay") {
		cfg.RetryBaseDelay = viper.GetDuration("playback.transition.retry_base_delay")
	}
	if viper.IsSet("playback.transition.retry_max_delay") {
		cfg.RetryMaxDelay = viper.GetDuration("playback.transition.retry_max_delay")
	}
	if viper.IsSet("playback.transition.load_timeout") {
		cfg.LoadTimeout = viper.GetDuration("playback.transition.load_timeout")
	}
	return cfg
}

// ApplyEnv overrides cfg with READALONG_* environment variables. Only
// variables that are present change the configuration.
func ApplyEnv(cfg Config) (Config, error) {
	opts := env.Options{Prefix: "READALONG_"}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid playback configuration: %w", err)
	}
	return cfg, nil
}

// SetDefaults sets default values in Viper for playback configuration.
func SetDefaults() {
	defaults := DefaultConfig()

	// Sync defaults
	viper.SetDefault("playback.sync.frame_rate", defaults.Sync.FrameRate)
	viper.SetDefault("playback.sync.boundary_hysteresis", defaults.Sync.BoundaryHysteresis.String())

	// Calibration defaults
	viper.SetDefault("playback.calibration.default_offset", defaults.Calibration.DefaultOffset.String())
	viper.SetDefault("playback.calibration.min_offset", defaults.Calibration.MinOffset.String())
	viper.SetDefault("playback.calibration.max_offset", defaults.Calibration.MaxOffset.String())
	viper.SetDefault("playback.calibration.decay", defaults.Calibration.Decay)
	viper.SetDefault("playback.calibration.confidence_gate", defaults.Calibration.ConfidenceGate)
	viper.SetDefault("playback.calibration.confidence_k", defaults.Calibration.ConfidenceK)
	viper.SetDefault("playback.calibration.auto_sample_words", defaults.Calibration.AutoSampleWords)
	viper.SetDefault("playback.calibration.regime_threshold", defaults.Calibration.RegimeThreshold.String())
	viper.SetDefault("playback.calibration.per_level", defaults.Calibration.PerLevel)
	viper.SetDefault("playback.calibration.save_timeout", defaults.Calibration.SaveTimeout.String())

	// Cache defaults
	viper.SetDefault("playback.cache.capacity", defaults.Cache.Capacity)
	viper.SetDefault("playback.cache.window", defaults.Cache.Window)

	// Transition defaults
	viper.SetDefault("playback.transition.prefetch_threshold", defaults.Transition.PrefetchThreshold)
	viper.SetDefault("playback.transition.lookahead", defaults.Transition.Lookahead)
	viper.SetDefault("playback.transition.crossfade", defaults.Transition.Crossfade.String())
	viper.SetDefault("playback.transition.retry_attempts", defaults.Transition.RetryAttempts)
	viper.SetDefault("playback.transition.retry_base_delay", defaults.Transition.RetryBaseDelay.String())
	viper.SetDefault("playback.transition.retry_max_delay", defaults.Transition.RetryMaxDelay.String())
	viper.SetDefault("playback.transition.load_timeout", defaults.Transition.LoadTimeout.String())

	// Scroll defaults
	viper.SetDefault("playback.scroll.enabled", defaults.Scroll.Enabled)
	viper.SetDefault("playback.scroll.suppress_window", defaults.Scroll.SuppressWindow.String())
	viper.SetDefault("playback.scroll.band_top", defaults.Scroll.BandTop)
	viper.SetDefault("playback.scroll.band_bottom", defaults.Scroll.BandBottom)
	viper.SetDefault("playback.scroll.anchor", defaults.Scroll.Anchor)
}
