package utils

import (
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
)

func TestExpandPath(t *testing.T) {
	home, err := homedir.Dir()
	if err != nil {
		t.Skip("no home directory")
	}
	t.Setenv("READALONG_TEST_DIR", "books")

	tests := []struct {
		in   string
		want string
	}{
		{"~/x.db", filepath.Join(home, "x.db")},
		{"$READALONG_TEST_DIR/moby", "books/moby"},
		{"/abs/path", "/abs/path"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsURL(t *testing.T) {
	for in, want := range map[string]bool{
		"https://assets.example.com": true,
		"http://localhost:8080":      true,
		"./books":                    false,
		"ftp://example.com":          false,
	} {
		if got := IsURL(in); got != want {
			t.Errorf("IsURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDataPath(t *testing.T) {
	if got := DataPath("", "/var/lib/x.db"); got != "/var/lib/x.db" {
		t.Errorf("fallback not used: %q", got)
	}
	if got := DataPath("rel.db", "/x"); !filepath.IsAbs(got) {
		t.Errorf("DataPath should return an absolute path, got %q", got)
	}
}
