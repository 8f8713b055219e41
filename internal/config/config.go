// Package config holds the collector's flat scalar configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// command-line flags applied by the caller. Validate checks the merged
// result once, before anything is started.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"nmealog/internal/compress"
	"nmealog/internal/diagnostics"
	"nmealog/internal/ingest"
	"nmealog/internal/source"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	SourceTCP  = "tcp"
	SourceFile = "file"
)

type Config struct {
	Source    string `yaml:"source"`
	Server    string `yaml:"server"`
	Port      int    `yaml:"port"`
	Handshake string `yaml:"handshake"`

	// File and Follow apply to the file source.
	File   string `yaml:"file"`
	Follow bool   `yaml:"follow"`

	Prefix      string `yaml:"prefix"`
	MaxLines    uint64 `yaml:"max_lines"`
	MaxSeconds  int64  `yaml:"max_seconds"`
	MaxSegments uint64 `yaml:"max_segments"`

	// Sentinels lists accepted leading characters. Empty accepts any
	// non-blank line.
	Sentinels string `yaml:"sentinels"`

	ReadTimeout time.Duration `yaml:"read_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxLineSize string        `yaml:"max_line_size"`

	Compression     string        `yaml:"compression"`
	CompressWorkers int           `yaml:"compress_workers"`
	DrainGrace      time.Duration `yaml:"drain_grace"`

	ClockInterval       time.Duration `yaml:"clock_interval"`
	DiagnosticsInterval time.Duration `yaml:"diagnostics_interval"`
	DiagnosticsCommand  string        `yaml:"diagnostics_command"`

	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is a comma-separated list of "level" or "component=level".
	LogLevel string `yaml:"log_level"`
}

// DefaultPrefix names a run after its start time, e.g. nmea_20250613_120000.
func DefaultPrefix(now time.Time) string {
	return "nmea_" + now.Format("20060102_150405")
}

// Default returns the built-in configuration for a run starting at now.
func Default(now time.Time) Config {
	return Config{
		Source:              SourceTCP,
		Server:              "127.0.0.1",
		Port:                2947,
		Handshake:           source.HandshakeGPSD,
		Prefix:              DefaultPrefix(now),
		MaxLines:            200000,
		MaxSeconds:          3600,
		MaxSegments:         50,
		Sentinels:           ingest.DefaultSentinels,
		ReadTimeout:         5 * time.Second,
		DialTimeout:         5 * time.Second,
		MaxLineSize:         "64KiB",
		Compression:         compress.DefaultCodec,
		CompressWorkers:     2,
		DrainGrace:          30 * time.Second,
		ClockInterval:       5 * time.Second,
		DiagnosticsInterval: 60 * time.Second,
		DiagnosticsCommand:  diagnostics.DefaultCommand,
		LogLevel:            "info",
	}
}

// Load overlays the YAML file at path onto base. Unknown keys are errors.
func Load(path string, base Config) (Config, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return base, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg := base
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once, each wrapped in ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Source {
	case SourceTCP:
		if c.Server == "" {
			bad("server is required for the tcp source")
		}
		if c.Port < 1 || c.Port > math.MaxUint16 {
			bad("port %d out of range", c.Port)
		}
		if _, err := source.ParseHandshake(c.Handshake); err != nil {
			bad("%v", err)
		}
	case SourceFile:
		if c.File == "" {
			bad("file is required for the file source")
		}
	default:
		bad("unknown source %q (want %s or %s)", c.Source, SourceTCP, SourceFile)
	}

	if strings.TrimSpace(c.Prefix) == "" {
		bad("prefix is required")
	}
	if c.MaxSeconds < 0 {
		bad("max_seconds must not be negative")
	}
	// A read must return periodically or a drain request is never noticed.
	if c.ReadTimeout <= 0 {
		bad("read_timeout must be positive")
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":         c.DialTimeout,
		"drain_grace":          c.DrainGrace,
		"clock_interval":       c.ClockInterval,
		"diagnostics_interval": c.DiagnosticsInterval,
	} {
		if d < 0 {
			bad("%s must not be negative", name)
		}
	}
	if c.CompressWorkers < 1 {
		bad("compress_workers must be at least 1")
	}
	if _, err := compress.Lookup(c.Compression); err != nil {
		bad("%v", err)
	}
	if _, err := c.LineSizeBytes(); err != nil {
		bad("max_line_size: %v", err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			bad("metrics_addr: %v", err)
		}
	}
	return errors.Join(errs...)
}

// Addr returns the stream source address as host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// MaxDuration returns the segment age bound. Zero disables it.
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxSeconds) * time.Second
}

// DiagnosticsEnabled reports whether the clock-sync probe should run.
func (c Config) DiagnosticsEnabled() bool {
	return c.DiagnosticsInterval > 0 && strings.TrimSpace(c.DiagnosticsCommand) != ""
}

// LineSizeBytes parses MaxLineSize ("64KiB", "1MB", "4096"). Empty means
// the source default.
func (c Config) LineSizeBytes() (int, error) {
	if strings.TrimSpace(c.MaxLineSize) == "" {
		return source.DefaultMaxLineSize, nil
	}
	n, err := humanize.ParseBytes(c.MaxLineSize)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%s out of range", c.MaxLineSize)
	}
	return int(n), nil
}

// LogLevels splits LogLevel into its comma-separated specs.
func (c Config) LogLevels() []string {
	var specs []string
	for spec := range strings.SplitSeq(c.LogLevel, ",") {
		if spec = strings.TrimSpace(spec); spec != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}
