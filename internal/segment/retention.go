package segment

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"nmealog/internal/logging"
	"nmealog/internal/metrics"
)

// RetentionConfig configures a Retention manager.
type RetentionConfig struct {
	Naming Naming

	// MaxSegments is the number of most recent compressed artifacts kept.
	// Zero keeps everything.
	MaxSegments uint64

	// Remove deletes a file. Defaults to os.Remove.
	Remove func(path string) error

	// Stat reports whether a file exists. Defaults to os.Stat.
	Stat func(path string) (os.FileInfo, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Retention deletes compressed artifacts that fall outside the retention
// window. It is driven synchronously by the Writer after each close and
// never waits on compression.
//
// Eviction is by index: after segment c closes, the artifact for
// c - MaxSegments is deleted, leaving at most MaxSegments artifacts
// [c-MaxSegments+1, c]. An artifact that is not there yet (compression
// still in flight) is remembered and retried on later passes.
type Retention struct {
	naming      Naming
	maxSegments uint64
	remove      func(string) error
	stat        func(string) (os.FileInfo, error)
	pending     map[uint64]struct{}
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewRetention(cfg RetentionConfig) *Retention {
	if cfg.Remove == nil {
		cfg.Remove = os.Remove
	}
	if cfg.Stat == nil {
		cfg.Stat = os.Stat
	}
	return &Retention{
		naming:      cfg.Naming,
		maxSegments: cfg.MaxSegments,
		remove:      cfg.Remove,
		stat:        cfg.Stat,
		pending:     make(map[uint64]struct{}),
		logger:      logging.Component(cfg.Logger, "retention"),
		metrics:     cfg.Metrics,
	}
}

// EvictIndex returns the index whose artifact leaves the window once
// segment closedIndex has closed, and false if nothing is due.
func (r *Retention) EvictIndex(closedIndex uint64) (uint64, bool) {
	if r.maxSegments == 0 || closedIndex < r.maxSegments {
		return 0, false
	}
	return closedIndex - r.maxSegments, true
}

// Enforce runs one retention pass after segment closedIndex has closed.
// It returns the indices whose artifacts were deleted during this pass.
func (r *Retention) Enforce(closedIndex uint64) []uint64 {
	if idx, ok := r.EvictIndex(closedIndex); ok {
		r.pending[idx] = struct{}{}
	}
	if len(r.pending) == 0 {
		return nil
	}

	indices := make([]uint64, 0, len(r.pending))
	for idx := range r.pending {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	var evicted []uint64
	for _, idx := range indices {
		if r.evict(idx, closedIndex) {
			evicted = append(evicted, idx)
		}
	}
	return evicted
}

// Pending returns the indices still waiting for their artifact to appear.
func (r *Retention) Pending() []uint64 {
	out := make([]uint64, 0, len(r.pending))
	for idx := range r.pending {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

// evict tries to delete the artifact for idx and reports whether it did.
//
// The original is checked before the artifact. Compression renames the
// artifact into place before removing the original, so once the original
// is gone a missing artifact stays missing.
func (r *Retention) evict(idx, closedIndex uint64) bool {
	path := r.naming.ArtifactPath(idx)

	if _, err := r.stat(r.naming.Path(idx)); err == nil {
		// Compression is in flight or failed; the artifact may yet appear.
		if r.isFirstAttempt(idx, closedIndex) {
			r.metrics.Eviction(metrics.ResultDeferred)
			r.logger.Warn("old artifact not found yet, will retry", "index", idx, "path", path)
		}
		return false
	}

	err := r.remove(path)
	switch {
	case err == nil:
		delete(r.pending, idx)
		r.metrics.Eviction(metrics.ResultOK)
		r.logger.Info("deleted old artifact", "index", idx, "path", path)
		return true
	case errors.Is(err, fs.ErrNotExist):
		delete(r.pending, idx)
		r.metrics.Eviction(metrics.ResultMissing)
		r.logger.Warn("old artifact not found for deletion", "index", idx, "path", path)
		return false
	default:
		// Permission problems and the like: keep it pending, never fatal.
		r.metrics.Eviction(metrics.ResultFailed)
		r.logger.Warn("failed to delete old artifact", "index", idx, "path", path, "error", err)
		return false
	}
}

// isFirstAttempt reports whether idx became due during the pass for
// closedIndex, which keeps retries of the same index quiet.
func (r *Retention) isFirstAttempt(idx, closedIndex uint64) bool {
	due, ok := r.EvictIndex(closedIndex)
	return ok && due == idx
}
