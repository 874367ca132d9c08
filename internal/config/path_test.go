package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != filepath.Join("/custom/data", "intelbridge") {
		t.Fatalf("DefaultDataDir = %s", got)
	}
}

func TestDefaultDataDirWithoutHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("DefaultDataDir = %s, want ./data", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	got := DefaultDataDir()
	if got != DefaultDataDir() {
		t.Fatalf("DefaultDataDir is not stable")
	}
	if !filepath.IsAbs(got) && !strings.HasPrefix(got, "./") {
		t.Fatalf("DefaultDataDir = %s, want absolute or ./ relative", got)
	}
	if !strings.HasSuffix(strings.ToLower(got), "intelbridge") && got != "./data" {
		t.Fatalf("DefaultDataDir = %s, want product directory", got)
	}
}

func TestIsDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tests := []struct {
		path string
		want bool
	}{
		{".", true},
		{filepath.Dir(file), true},
		{file, false},
		{filepath.Join(file, "missing"), false},
	}
	for _, tt := range tests {
		if got := isDir(tt.path); got != tt.want {
			t.Fatalf("isDir(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
