package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# where chunk manifests come from: a directory or an http(s) asset service
assets: ""
# CEFR level to read at (A1, A2, B1, B2, C1, C2)
level: "B1"
# voice id; empty picks the level's default voice
voice: ""
# YAML file with per-level profiles (words_per_screen, voices, drift_tolerance)
levels_file: ""
# mouse wheel support in the reader
mouse: false

database:
  # sqlite3 or postgres
  driver: "sqlite3"
  # file path for sqlite3, connection string for postgres; empty uses the data dir
  dsn: ""
  # how often buffered calibration profiles are written
  flush_interval: "10s"

http:
  timeout: "10s"
  requests_per_minute: 120
  # persistent manifest cache
  cache_size: "32MB"
  cache_ttl: "24h"

playback:
  sync:
    frame_rate: 60
    boundary_hysteresis: "30ms"
  calibration:
    default_offset: "250ms"
    min_offset: "-1s"
    max_offset: "1s"
    decay: 0.85
    confidence_gate: 0.5
    confidence_k: 3
    auto_sample_words: 4
    regime_threshold: "300ms"
    # keep a separate offset per book and level instead of per book
    per_level: false
    save_timeout: "5s"
  cache:
    capacity: 5
    window: 2
  transition:
    prefetch_threshold: 0.8
    lookahead: 1
    crossfade: "150ms"
    retry_attempts: 3
    retry_base_delay: "200ms"
    retry_max_delay: "2s"
    load_timeout: "10s"
  scroll:
    enabled: true
    suppress_window: "300ms"
    band_top: 0.25
    band_bottom: 0.65
    anchor: 0.33
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the readalong config file",
	Long:    paragraph(fmt.Sprintf("\n%s the readalong config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("readalong config\nreadalong config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Readalong", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
