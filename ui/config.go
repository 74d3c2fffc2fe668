package ui

// Config contains TUI-specific configuration.
type Config struct {
	EnableMouse bool
	NoColor     bool `env:"NO_COLOR"`
}
