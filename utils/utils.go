// Package utils provides helpers shared by the CLI commands.
package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ExpandPath expands tilde and all environment variables from the given path.
func ExpandPath(path string) string {
	s, err := homedir.Expand(path)
	if err == nil {
		return os.ExpandEnv(s)
	}
	return os.ExpandEnv(path)
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// DataPath returns path expanded and made absolute, or fallback when path
// is empty.
func DataPath(path, fallback string) string {
	if path == "" {
		return fallback
	}
	p := ExpandPath(path)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
