// Package shutdown coordinates a graceful drain of the ingestion loop.
//
// States advance in one direction only:
//
//	Running -> DrainRequested -> Draining -> Stopped
//
// A termination request may arrive from any goroutine at any time. The
// ingestion loop polls DrainRequested at its checkpoints, moves to Draining
// once it stops pulling data, and to Stopped once the final segment has been
// handed off. End of stream skips DrainRequested and goes straight to
// Draining.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"nmealog/internal/logging"
)

type State int32

const (
	Running State = iota
	DrainRequested
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case DrainRequested:
		return "drain-requested"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Coordinator struct {
	state     atomic.Int32
	requested chan struct{}
	stopped   chan struct{}
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		requested: make(chan struct{}),
		stopped:   make(chan struct{}),
		logger:    logging.Component(logger, "shutdown"),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Request asks for a drain. It reports whether this call made the
// transition; later requests are no-ops.
func (c *Coordinator) Request(reason string) bool {
	if !c.state.CompareAndSwap(int32(Running), int32(DrainRequested)) {
		return false
	}
	close(c.requested)
	c.logger.Info("drain requested", "reason", reason)
	return true
}

// Watch requests a drain when ctx is done. The returned function stops
// watching.
func (c *Coordinator) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		c.Request(context.Cause(ctx).Error())
	})
}

// DrainRequested reports whether the loop should stop pulling data.
func (c *Coordinator) DrainRequested() bool {
	return c.State() != Running
}

// Requested is closed once a drain has been requested.
func (c *Coordinator) Requested() <-chan struct{} {
	return c.requested
}

// BeginDrain moves to Draining from Running or DrainRequested. It reports
// false if draining had already begun.
func (c *Coordinator) BeginDrain() bool {
	for {
		cur := c.State()
		if cur >= Draining {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(Draining)) {
			if cur == Running {
				close(c.requested)
			}
			c.logger.Debug("draining", "from", cur.String())
			return true
		}
	}
}

// Finish marks the drain complete.
func (c *Coordinator) Finish() {
	for {
		cur := c.State()
		if cur == Stopped {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(Stopped)) {
			if cur == Running {
				close(c.requested)
			}
			close(c.stopped)
			c.logger.Debug("stopped")
			return
		}
	}
}

// Done is closed once the coordinator reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}
