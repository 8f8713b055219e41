// Package ingest drives the ingestion loop: it pulls lines from a stream
// source, keeps only data records, feeds them to the segment writer and
// interleaves out-of-band annotations (clock markers, diagnostics output).
//
// The loop runs on a single goroutine and is the only caller of the writer.
// It checks for a drain request before every read; a read that times out
// is retried unless a drain has been requested meanwhile.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"nmealog/internal/diagnostics"
	"nmealog/internal/logging"
	"nmealog/internal/metrics"
	"nmealog/internal/segment"
	"nmealog/internal/shutdown"
	"nmealog/internal/source"
	"nmealog/internal/sysmetrics"
)

// DefaultSentinels accepts NMEA sentences ('$') and AIS sentences ('!').
const DefaultSentinels = "$!"

const (
	clockTag     = "#NTP_TIME"
	diagStartTag = "#CHRONY_STATS_START"
	diagEndTag   = "#CHRONY_STATS_END"

	// stampLayout is a local wall-clock time with microseconds.
	stampLayout = "2006-01-02 15:04:05.000000"
)

// RecordWriter is the rotation controller as seen by the loop.
type RecordWriter interface {
	Write(rec segment.Record) error
	RequestDrain()
	Annotate(text string) (bool, error)
	Drain() error
	Active() (segment.Segment, bool)
}

type Config struct {
	Source      source.Source
	Writer      RecordWriter
	Coordinator *shutdown.Coordinator

	// Sentinels lists the accepted leading characters. Empty accepts any
	// non-blank line.
	Sentinels string

	// ClockInterval spaces #NTP_TIME markers. Zero disables them.
	ClockInterval time.Duration

	// Diagnostics delivers probe output to annotate. Nil disables it.
	Diagnostics <-chan diagnostics.Report

	// ProgressInterval spaces progress log lines. Defaults to one minute.
	ProgressInterval time.Duration

	Now func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats counts what the loop has seen.
type Stats struct {
	Accepted    uint64
	Rejected    uint64
	Annotations uint64
	Timeouts    uint64
}

type Loop struct {
	cfg       Config
	stats     Stats
	lastClock time.Time
	progress  rate.Sometimes
	timeouts  rate.Sometimes
	usage     *sysmetrics.Sampler
	logger    *slog.Logger
}

func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("ingest: source is required")
	case cfg.Writer == nil:
		return nil, errors.New("ingest: writer is required")
	case cfg.Coordinator == nil:
		return nil, errors.New("ingest: coordinator is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Minute
	}
	return &Loop{
		cfg:       cfg,
		lastClock: cfg.Now(),
		progress:  rate.Sometimes{Interval: cfg.ProgressInterval},
		timeouts:  rate.Sometimes{Interval: 30 * time.Second},
		usage:     sysmetrics.NewSampler(),
		logger:    logging.Component(cfg.Logger, "ingest"),
	}, nil
}

// Accept applies the data-record rule: the trimmed line must be non-empty
// and start with one of sentinels. It returns the trimmed line.
func Accept(line, sentinels string) (string, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return "", false
	}
	if sentinels == "" {
		return text, true
	}
	return text, strings.IndexByte(sentinels, text[0]) >= 0
}

// Run reads until end of stream, a drain request, or a fatal error, then
// drains the writer and closes the source. End of stream and drain return
// nil. Read failures other than timeouts and write failures are returned.
func (l *Loop) Run() error {
	coord := l.cfg.Coordinator
	l.logger.Info("ingest started", "sentinels", l.cfg.Sentinels)

	runErr := l.loop()
	if runErr != nil {
		l.logger.Error("ingest failed, draining", "error", runErr)
	}

	coord.BeginDrain()
	drainErr := l.cfg.Writer.Drain()
	if err := l.cfg.Source.Close(); err != nil {
		l.logger.Debug("close source", "error", err)
	}
	coord.Finish()

	l.logger.Info("ingest stopped",
		"accepted", l.stats.Accepted,
		"rejected", l.stats.Rejected,
		"annotations", l.stats.Annotations,
	)
	return errors.Join(runErr, drainErr)
}

// Stats returns the counters. Call it after Run returns.
func (l *Loop) Stats() Stats {
	return l.stats
}

func (l *Loop) loop() error {
	for {
		if l.cfg.Coordinator.DrainRequested() {
			l.logger.Info("drain requested, stopping reads")
			return nil
		}
		if err := l.annotate(); err != nil {
			return err
		}

		line, err := l.cfg.Source.ReadLine()
		if err != nil {
			switch {
			case source.IsTimeout(err):
				l.stats.Timeouts++
				l.timeouts.Do(func() {
					l.logger.Warn("no data within read timeout, retrying", "timeouts", l.stats.Timeouts)
				})
				continue
			case errors.Is(err, io.EOF):
				l.logger.Info("end of stream")
				return nil
			default:
				return fmt.Errorf("read stream: %w", err)
			}
		}

		text, ok := Accept(line, l.cfg.Sentinels)
		if !ok {
			l.stats.Rejected++
			l.cfg.Metrics.Line(metrics.ResultRejected)
			continue
		}
		// A drain requested while this line was being read still gets the
		// line, but into the current segment: rotation is off from here.
		if l.cfg.Coordinator.DrainRequested() {
			l.cfg.Writer.RequestDrain()
		}
		if err := l.cfg.Writer.Write(segment.Record{Text: text}); err != nil {
			return err
		}
		l.stats.Accepted++
		l.cfg.Metrics.Line(metrics.ResultAccepted)
		l.progress.Do(func() {
			u := l.usage.Sample()
			l.logger.Info("ingest progress",
				"accepted", l.stats.Accepted,
				"rejected", l.stats.Rejected,
				"cpu_pct", fmt.Sprintf("%.1f", u.CPUPercent),
				"memory", humanize.IBytes(u.Memory),
			)
		})
	}
}

// annotate writes due clock markers and pending diagnostics output. Both
// need an open segment; otherwise they wait.
func (l *Loop) annotate() error {
	if _, open := l.cfg.Writer.Active(); !open {
		return nil
	}
	now := l.cfg.Now()

	if l.cfg.ClockInterval > 0 && now.Sub(l.lastClock) >= l.cfg.ClockInterval {
		wrote, err := l.cfg.Writer.Annotate(clockTag + " " + now.Format(stampLayout))
		if err != nil {
			return err
		}
		if wrote {
			l.lastClock = now
			l.stats.Annotations++
			l.cfg.Metrics.Annotation("clock")
		}
	}

	if l.cfg.Diagnostics == nil {
		return nil
	}
	select {
	case r := <-l.cfg.Diagnostics:
		wrote, err := l.cfg.Writer.Annotate(FormatDiagnostics(r))
		if err != nil {
			return err
		}
		if wrote {
			l.stats.Annotations++
			l.cfg.Metrics.Annotation("diagnostics")
		}
	default:
	}
	return nil
}

// FormatDiagnostics wraps probe output in start and end markers.
func FormatDiagnostics(r diagnostics.Report) string {
	var b strings.Builder
	b.WriteString(diagStartTag + " " + r.Time.Format(stampLayout) + "\n")
	b.WriteString(r.Output)
	if r.Output != "" && !strings.HasSuffix(r.Output, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(diagEndTag)
	return b.String()
}
