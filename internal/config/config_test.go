package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

var start = time.Date(2025, 6, 13, 12, 30, 45, 0, time.UTC)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nmealog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default(start)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Prefix != "nmea_20250613_123045" {
		t.Errorf("prefix = %q", cfg.Prefix)
	}
	if cfg.Addr() != "127.0.0.1:2947" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.MaxDuration() != time.Hour {
		t.Errorf("max duration = %v", cfg.MaxDuration())
	}
	if !cfg.DiagnosticsEnabled() {
		t.Error("diagnostics should be enabled by default")
	}
	if n, err := cfg.LineSizeBytes(); err != nil || n != 64*1024 {
		t.Errorf("line size = %d, %v", n, err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
server: gpsd.local
port: 10110
handshake: none
max_lines: 1000
max_seconds: 0
sentinels: ""
read_timeout: 250ms
compression: zstd
log_level: "debug, writer=warn"
`)
	cfg, err := Load(path, Default(start))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Addr() != "gpsd.local:10110" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.MaxLines != 1000 || cfg.MaxSeconds != 0 {
		t.Errorf("limits = %d lines, %d seconds", cfg.MaxLines, cfg.MaxSeconds)
	}
	if cfg.Sentinels != "" {
		t.Errorf("explicit empty sentinels should be kept, got %q", cfg.Sentinels)
	}
	if cfg.ReadTimeout != 250*time.Millisecond {
		t.Errorf("read timeout = %v", cfg.ReadTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxSegments != 50 || cfg.Prefix != "nmea_20250613_123045" {
		t.Errorf("defaults lost: segments=%d prefix=%q", cfg.MaxSegments, cfg.Prefix)
	}
	if got := cfg.LogLevels(); !slices.Equal(got, []string{"debug", "writer=warn"}) {
		t.Errorf("log levels = %q", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "max_linez: 10\n")
	if _, err := Load(path, Default(start)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "")
	cfg, err := Load(path, Default(start))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default(start) {
		t.Fatal("empty file should leave defaults untouched")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Default(start)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"unknown source", func(c *Config) { c.Source = "udp" }, "unknown source"},
		{"file without path", func(c *Config) { c.Source = SourceFile }, "file is required"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"bad handshake", func(c *Config) { c.Handshake = "rtcm" }, "handshake"},
		{"empty prefix", func(c *Config) { c.Prefix = " " }, "prefix"},
		{"negative seconds", func(c *Config) { c.MaxSeconds = -1 }, "max_seconds"},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, "read_timeout"},
		{"no workers", func(c *Config) { c.CompressWorkers = 0 }, "compress_workers"},
		{"bad codec", func(c *Config) { c.Compression = "bzip2" }, "codec"},
		{"bad line size", func(c *Config) { c.MaxLineSize = "lots" }, "max_line_size"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "9100" }, "metrics_addr"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(start)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestValidateFileSource(t *testing.T) {
	cfg := Default(start)
	cfg.Source = SourceFile
	cfg.File = "capture.nmea"
	cfg.Port = 0 // ignored for the file source
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDiagnosticsDisabled(t *testing.T) {
	cfg := Default(start)
	cfg.DiagnosticsInterval = 0
	if cfg.DiagnosticsEnabled() {
		t.Error("zero interval should disable diagnostics")
	}
	cfg = Default(start)
	cfg.DiagnosticsCommand = ""
	if cfg.DiagnosticsEnabled() {
		t.Error("empty command should disable diagnostics")
	}
}
