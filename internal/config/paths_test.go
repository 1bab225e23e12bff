package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("Failed to get home dir: %v", err)
	}
	root := filepath.Join(home, ".taintbox")

	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir() error: %v", err)
	}
	if dir != root {
		t.Errorf("DefaultConfigDir() = %q, want %q", dir, root)
	}

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", DefaultConfigPath, filepath.Join(root, "config.yaml")},
		{"data", DefaultDataPath, filepath.Join(root, "taintbox.db")},
		{"libraries", DefaultLibraryDir, filepath.Join(root, "libraries")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("Failed to get home dir: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"home", "~", home},
		{"under home", "~/.taintbox/libraries", filepath.Join(home, ".taintbox", "libraries")},
		{"absolute", "/var/lib/taintbox", "/var/lib/taintbox"},
		{"relative", "guests/adder.js", "guests/adder.js"},
		{"tilde user", "~other/x", "~other/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.input)
			if err != nil {
				t.Fatalf("ExpandPath(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
