package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"nmealog/internal/config"
)

// overlays copies one flag's value from the flag-bound config. Only flags
// the user actually set are copied, so a --config file is not clobbered by
// flag defaults.
var overlays = map[string]func(dst *config.Config, src config.Config){
	"source":               func(d *config.Config, s config.Config) { d.Source = s.Source },
	"server":               func(d *config.Config, s config.Config) { d.Server = s.Server },
	"port":                 func(d *config.Config, s config.Config) { d.Port = s.Port },
	"handshake":            func(d *config.Config, s config.Config) { d.Handshake = s.Handshake },
	"file":                 func(d *config.Config, s config.Config) { d.File = s.File },
	"follow":               func(d *config.Config, s config.Config) { d.Follow = s.Follow },
	"prefix":               func(d *config.Config, s config.Config) { d.Prefix = s.Prefix },
	"max-lines":            func(d *config.Config, s config.Config) { d.MaxLines = s.MaxLines },
	"max-seconds":          func(d *config.Config, s config.Config) { d.MaxSeconds = s.MaxSeconds },
	"max-segments":         func(d *config.Config, s config.Config) { d.MaxSegments = s.MaxSegments },
	"sentinels":            func(d *config.Config, s config.Config) { d.Sentinels = s.Sentinels },
	"read-timeout":         func(d *config.Config, s config.Config) { d.ReadTimeout = s.ReadTimeout },
	"dial-timeout":         func(d *config.Config, s config.Config) { d.DialTimeout = s.DialTimeout },
	"max-line-size":        func(d *config.Config, s config.Config) { d.MaxLineSize = s.MaxLineSize },
	"compression":          func(d *config.Config, s config.Config) { d.Compression = s.Compression },
	"compress-workers":     func(d *config.Config, s config.Config) { d.CompressWorkers = s.CompressWorkers },
	"drain-grace":          func(d *config.Config, s config.Config) { d.DrainGrace = s.DrainGrace },
	"clock-interval":       func(d *config.Config, s config.Config) { d.ClockInterval = s.ClockInterval },
	"diagnostics-interval": func(d *config.Config, s config.Config) { d.DiagnosticsInterval = s.DiagnosticsInterval },
	"diagnostics-command":  func(d *config.Config, s config.Config) { d.DiagnosticsCommand = s.DiagnosticsCommand },
	"metrics-addr":         func(d *config.Config, s config.Config) { d.MetricsAddr = s.MetricsAddr },
	"log-level":            func(d *config.Config, s config.Config) { d.LogLevel = s.LogLevel },
}

func bindRunFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	f.StringVar(&c.Source, "source", c.Source, "stream source: tcp or file")
	f.StringVar(&c.Server, "server", c.Server, "stream server host")
	f.IntVar(&c.Port, "port", c.Port, "stream server port")
	f.StringVar(&c.Handshake, "handshake", c.Handshake, "handshake after connecting: gpsd or none")
	f.StringVar(&c.File, "file", c.File, "capture file for the file source")
	f.BoolVar(&c.Follow, "follow", c.Follow, "keep reading appended data from the capture file")
	f.Uint64Var(&c.MaxLines, "max-lines", c.MaxLines, "rotate after this many data lines (0 disables)")
	f.Int64Var(&c.MaxSeconds, "max-seconds", c.MaxSeconds, "rotate after a segment is this many seconds old (0 disables)")
	f.Uint64Var(&c.MaxSegments, "max-segments", c.MaxSegments, "compressed segments to keep (0 keeps all)")
	f.StringVar(&c.Sentinels, "sentinels", c.Sentinels, "accepted leading characters of data lines (empty accepts any)")
	f.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "per-read timeout; bounds how fast a drain is noticed")
	f.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "connect timeout")
	f.StringVar(&c.MaxLineSize, "max-line-size", c.MaxLineSize, "longest accepted line, e.g. 64KiB")
	f.DurationVar(&c.DrainGrace, "drain-grace", c.DrainGrace, "how long to wait for in-flight compression at exit")
	f.DurationVar(&c.ClockInterval, "clock-interval", c.ClockInterval, "interval between #NTP_TIME markers (0 disables)")
	f.DurationVar(&c.DiagnosticsInterval, "diagnostics-interval", c.DiagnosticsInterval, "interval between clock-sync probes (0 disables)")
	f.StringVar(&c.DiagnosticsCommand, "diagnostics-command", c.DiagnosticsCommand, "clock-sync probe command")
	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus /metrics listen address (empty disables)")
	bindSharedFlags(f, c)
}

func bindRecoverFlags(cmd *cobra.Command, c *config.Config) {
	bindSharedFlags(cmd.Flags(), c)
}

func bindSharedFlags(f *pflag.FlagSet, c *config.Config) {
	f.StringVar(&c.Prefix, "prefix", c.Prefix, "segment file prefix")
	f.StringVar(&c.Compression, "compression", c.Compression, "codec: gzip, zstd, lz4 or snappy")
	f.IntVar(&c.CompressWorkers, "compress-workers", c.CompressWorkers, "concurrent compression tasks")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, `log levels, e.g. "info" or "info,writer=debug"`)
}

// resolveConfig layers defaults, the --config file and explicitly set
// flags, then validates the result. Without timedPrefix there is no default
// prefix, so one must come from the file or a flag.
func resolveConfig(cmd *cobra.Command, flagCfg config.Config, timedPrefix bool) (config.Config, error) {
	cfg := config.Default(time.Now())
	if !timedPrefix {
		cfg.Prefix = ""
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	var unknown []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "pprof" {
			return
		}
		apply, ok := overlays[f.Name]
		if !ok {
			unknown = append(unknown, f.Name)
			return
		}
		apply(&cfg, flagCfg)
	})
	if len(unknown) > 0 {
		return cfg, fmt.Errorf("flags without config mapping: %v", unknown)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
