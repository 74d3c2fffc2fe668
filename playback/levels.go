package playback

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LevelConfig describes how one CEFR level is presented and voiced.
type LevelConfig struct {
	// WordsPerScreen is the rough amount of text the reader shows at once.
	WordsPerScreen int `yaml:"words_per_screen"`
	// VoiceIDs lists the voices available for this level, preferred first.
	VoiceIDs []string `yaml:"voices"`
	// DriftTolerance is how far the highlight may trail before a manual
	// nudge is suggested.
	DriftTolerance time.Duration `yaml:"drift_tolerance"`
}

// Levels maps each CEFR level to its configuration.
type Levels map[CEFRLevel]LevelConfig

// DefaultLevels returns the built-in level table.
func DefaultLevels() Levels {
	return Levels{
		LevelA1: {WordsPerScreen: 60, VoiceIDs: []string{"slow-1"}, DriftTolerance: 150 * time.Millisecond},
		LevelA2: {WordsPerScreen: 80, VoiceIDs: []string{"slow-1"}, DriftTolerance: 150 * time.Millisecond},
		LevelB1: {WordsPerScreen: 120, VoiceIDs: []string{"standard-1"}, DriftTolerance: 120 * time.Millisecond},
		LevelB2: {WordsPerScreen: 150, VoiceIDs: []string{"standard-1"}, DriftTolerance: 120 * time.Millisecond},
		LevelC1: {WordsPerScreen: 200, VoiceIDs: []string{"standard-1", "fast-1"}, DriftTolerance: 100 * time.Millisecond},
		LevelC2: {WordsPerScreen: 220, VoiceIDs: []string{"fast-1"}, DriftTolerance: 100 * time.Millisecond},
	}
}

// ParseLevels decodes a YAML level table and validates it. Levels missing
// from the document keep their defaults.
func ParseLevels(r io.Reader) (Levels, error) {
	var raw map[string]LevelConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode levels: %w", err)
	}

	levels := DefaultLevels()
	for name, lc := range raw {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		levels[level] = lc
	}
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	return levels, nil
}

// LoadLevels reads a level table from a YAML file.
func LoadLevels(path string) (Levels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open levels file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return ParseLevels(f)
}

// Validate checks that every level is present and sane.
func (l Levels) Validate() error {
	for _, level := range AllLevels {
		lc, ok := l[level]
		if !ok {
			return fmt.Errorf("%w: level %s is not configured", ErrInvalidConfig, level)
		}
		if lc.WordsPerScreen < 1 {
			return fmt.Errorf("%w: level %s: words_per_screen must be positive", ErrInvalidConfig, level)
		}
		if len(lc.VoiceIDs) == 0 {
			return fmt.Errorf("%w: level %s: at least one voice is required", ErrInvalidConfig, level)
		}
		if lc.DriftTolerance < 0 || lc.DriftTolerance > time.Second {
			return fmt.Errorf("%w: level %s: drift_tolerance must be between 0 and 1s", ErrInvalidConfig, level)
		}
	}
	for level := range l {
		if !level.Valid() {
			return fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, level)
		}
	}
	return nil
}

// Voice returns the preferred voice for a level, or "" when unknown.
func (l Levels) Voice(level CEFRLevel) string {
	lc, ok := l[level]
	if !ok || len(lc.VoiceIDs) == 0 {
		return ""
	}
	return lc.VoiceIDs[0]
}
