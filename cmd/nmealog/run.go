package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"nmealog/internal/compress"
	"nmealog/internal/config"
	"nmealog/internal/diagnostics"
	"nmealog/internal/ingest"
	"nmealog/internal/metrics"
	"nmealog/internal/segment"
	"nmealog/internal/shutdown"
	"nmealog/internal/source"
)

// run records the stream described by cfg until end of stream, a drain
// request through ctx, or a fatal error.
func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	codec, err := compress.Lookup(cfg.Compression)
	if err != nil {
		return err
	}
	naming := segment.Naming{Prefix: cfg.Prefix, Suffix: codec.Suffix}

	runID := newRunID()
	logger = logger.With("run", runID)

	lock, err := segment.AcquireLock(naming, runID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := segment.CheckPrefixFree(naming); err != nil {
		return fmt.Errorf("%w (use a new --prefix, or \"nmealog recover --prefix %s\" to finish an interrupted run)", err, cfg.Prefix)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	worker, err := compress.NewWorker(compress.Config{
		Codec:       codec,
		Concurrency: int64(cfg.CompressWorkers),
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	writer, err := segment.NewWriter(segment.Config{
		Naming:     naming,
		Policy:     segment.DefaultPolicy(cfg.MaxLines, cfg.MaxDuration(), nil),
		Compressor: worker,
		Retention: segment.NewRetention(segment.RetentionConfig{
			Naming:      naming,
			MaxSegments: cfg.MaxSegments,
			Logger:      logger,
			Metrics:     m,
		}),
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	logger.Info("starting collector",
		"prefix", cfg.Prefix,
		"source", cfg.Source,
		"max_lines", cfg.MaxLines,
		"max_seconds", cfg.MaxSeconds,
		"max_segments", cfg.MaxSegments,
		"compression", codec.Name,
	)

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}

	coord := shutdown.New(logger)

	var reports <-chan diagnostics.Report
	if cfg.DiagnosticsEnabled() {
		prober, err := diagnostics.New(diagnostics.Config{
			Command:  cfg.DiagnosticsCommand,
			Interval: cfg.DiagnosticsInterval,
			Logger:   logger,
		})
		if err != nil {
			_ = src.Close()
			return err
		}
		prober.Start()
		defer func() { _ = prober.Stop() }()
		reports = prober.Reports()
	}

	loop, err := ingest.New(ingest.Config{
		Source:        src,
		Writer:        writer,
		Coordinator:   coord,
		Sentinels:     cfg.Sentinels,
		ClockInterval: cfg.ClockInterval,
		Diagnostics:   reports,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		_ = src.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	stopWatch := coord.Watch(gctx)
	defer stopWatch()

	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg, logger)
		g.Go(func() error {
			if err := srv.Run(srvCtx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopServer()
		return loop.Run()
	})

	runErr := g.Wait()
	waitForCompression(worker, cfg.DrainGrace, logger)

	if runErr != nil {
		return runErr
	}
	logger.Info("collector stopped cleanly")
	return nil
}

func openSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (source.Source, error) {
	maxLine, err := cfg.LineSizeBytes()
	if err != nil {
		return nil, err
	}
	switch cfg.Source {
	case config.SourceFile:
		return source.OpenFile(source.FileConfig{
			Path:        cfg.File,
			Follow:      cfg.Follow,
			ReadTimeout: cfg.ReadTimeout,
			MaxLineSize: maxLine,
			Logger:      logger,
		})
	default:
		return source.DialTCP(ctx, source.TCPConfig{
			Addr:        cfg.Addr(),
			Handshake:   cfg.Handshake,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
			MaxLineSize: maxLine,
			Logger:      logger,
		})
	}
}

// waitForCompression gives in-flight compression up to grace to finish.
// Anything still running is abandoned; its original stays on disk for
// "nmealog recover".
func waitForCompression(worker *compress.Worker, grace time.Duration, logger *slog.Logger) {
	if grace <= 0 {
		return
	}
	if n := worker.InFlight(); n > 0 {
		logger.Info("waiting for compression", "in_flight", n, "grace", grace)
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := worker.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("exiting with compression in flight", "in_flight", worker.InFlight())
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// recoverPrefix compresses whatever an interrupted run left uncompressed.
func recoverPrefix(logger *slog.Logger, cfg config.Config) error {
	codec, err := compress.Lookup(cfg.Compression)
	if err != nil {
		return err
	}
	naming := segment.Naming{Prefix: cfg.Prefix, Suffix: codec.Suffix}

	runID := newRunID()
	logger = logger.With("run", runID)

	lock, err := segment.AcquireLock(naming, runID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	worker, err := compress.NewWorker(compress.Config{
		Codec:       codec,
		Concurrency: int64(cfg.CompressWorkers),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	report, err := compress.Recover(naming, worker)
	logger.Info("recovery finished",
		"prefix", cfg.Prefix,
		"compressed", len(report.Compressed),
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"temp_files_removed", report.TempFiles,
	)
	return err
}
