// Package diagnostics periodically captures clock-synchronization status
// (by default chronyc output) for annotation into the active segment.
//
// The probe command runs on a gocron schedule, never on the ingestion path.
// Each successful run publishes a Report into a one-slot channel; a report
// not yet consumed is replaced by a newer one. A missing or failing command
// is logged and that interval is skipped.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nmealog/internal/logging"
)

// DefaultCommand matches the chrony status captured by the original field
// collectors.
const DefaultCommand = "chronyc -m sourcestats sources"

var ErrNoCommand = errors.New("diagnostics command is empty")

// Report is the output of one probe run.
type Report struct {
	Time   time.Time
	Output string
}

// RunFunc executes argv and returns its standard output.
type RunFunc func(ctx context.Context, argv []string) ([]byte, error)

type Config struct {
	// Command is split on whitespace into argv.
	Command  string
	Interval time.Duration

	// Timeout bounds a single run. Defaults to the smaller of Interval and
	// ten seconds.
	Timeout time.Duration

	// Run overrides command execution. Defaults to os/exec.
	Run RunFunc
	Now func() time.Time

	Logger *slog.Logger
}

type Prober struct {
	argv      []string
	timeout   time.Duration
	run       RunFunc
	now       func() time.Time
	scheduler gocron.Scheduler
	reports   chan Report
	logger    *slog.Logger
}

func New(cfg Config) (*Prober, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("diagnostics interval must be positive, got %s", cfg.Interval)
	}

	p := &Prober{
		argv:    argv,
		timeout: cfg.Timeout,
		run:     cfg.Run,
		now:     cfg.Now,
		reports: make(chan Report, 1),
		logger:  logging.Component(cfg.Logger, "diagnostics"),
	}
	if p.timeout <= 0 {
		p.timeout = min(cfg.Interval, 10*time.Second)
	}
	if p.run == nil {
		p.run = execRun
	}
	if p.now == nil {
		p.now = time.Now
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create diagnostics scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() { p.Probe(context.Background()) }),
		gocron.WithName("diagnostics:"+argv[0]),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("create diagnostics job: %w", err)
	}
	p.scheduler = s
	return p, nil
}

// Reports delivers probe results. At most one report is buffered.
func (p *Prober) Reports() <-chan Report {
	return p.reports
}

func (p *Prober) Start() {
	p.scheduler.Start()
	p.logger.Info("diagnostics probe scheduled", "command", strings.Join(p.argv, " "))
}

// Stop shuts the scheduler down and waits for a running probe to finish.
func (p *Prober) Stop() error {
	return p.scheduler.Shutdown()
}

// Probe runs the command once and publishes the result.
func (p *Prober) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	at := p.now()
	out, err := p.run(ctx, p.argv)
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			p.logger.Warn("diagnostics command not found, skipping", "command", p.argv[0])
		case errors.As(err, &exitErr):
			p.logger.Warn("diagnostics command failed, skipping",
				"command", p.argv[0], "exit", exitErr.ExitCode(), "stderr", strings.TrimSpace(string(exitErr.Stderr)))
		default:
			p.logger.Warn("diagnostics command failed, skipping", "command", p.argv[0], "error", err)
		}
		return
	}
	p.publish(Report{Time: at, Output: string(out)})
}

// publish replaces any unconsumed report. Probes never overlap, so this
// goroutine is the only sender.
func (p *Prober) publish(r Report) {
	select {
	case p.reports <- r:
		return
	default:
	}
	select {
	case <-p.reports:
	default:
	}
	select {
	case p.reports <- r:
	default:
	}
}

func execRun(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output() //nolint:gosec // G204: command comes from operator config
}
