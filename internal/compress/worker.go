package compress

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"nmealog/internal/logging"
	"nmealog/internal/metrics"
	"nmealog/internal/segment"
)

// tempPrefix marks in-progress artifacts, named
// ".compress-<artifact base>.<random>". Leftovers from a crash are safe to
// delete; the original segment is still on disk.
const tempPrefix = ".compress-"

type Config struct {
	Codec Codec

	// Concurrency bounds simultaneous compression tasks. Tasks beyond the
	// bound wait inside their own goroutine, never in Dispatch.
	// Defaults to 1.
	Concurrency int64

	FileMode os.FileMode

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result describes one finished compression.
type Result struct {
	Source       string
	Artifact     string
	SourceSize   int64
	ArtifactSize int64
}

// Worker compresses closed segments asynchronously. A Dispatch of a path
// that is in flight, or whose compression failed, is ignored. Paths that
// compressed successfully are forgotten, so the set stays bounded by the
// in-flight and failed segments. It implements segment.Dispatcher.
type Worker struct {
	cfg    Config
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger

	mu         sync.Mutex
	dispatched map[string]struct{}
	inFlight   int
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Codec.NewWriter == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrUnknownCodec)
	}
	cfg.Concurrency = max(cfg.Concurrency, 1)
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	return &Worker{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		logger:     logging.Component(cfg.Logger, "compressor", "codec", cfg.Codec.Name),
		dispatched: make(map[string]struct{}),
	}, nil
}

// ArtifactPath returns where the artifact for path is written.
func (w *Worker) ArtifactPath(path string) string {
	return path + w.cfg.Codec.Suffix
}

// Dispatch starts compressing seg in the background and returns at once.
// From here on the Worker owns seg.Path until it deletes it or fails.
func (w *Worker) Dispatch(seg segment.Segment) {
	w.DispatchPath(seg.Path)
}

// DispatchPath is Dispatch for a bare file path.
func (w *Worker) DispatchPath(path string) bool {
	w.mu.Lock()
	if _, seen := w.dispatched[path]; seen {
		w.mu.Unlock()
		w.logger.Warn("compression already dispatched, ignoring", "path", path)
		return false
	}
	w.dispatched[path] = struct{}{}
	w.inFlight++
	w.mu.Unlock()

	w.wg.Go(func() {
		var err error
		defer func() {
			w.mu.Lock()
			w.inFlight--
			if err == nil {
				delete(w.dispatched, path)
			}
			w.mu.Unlock()
		}()
		// Background context: compression of the last segment outlives
		// the ingestion loop.
		if err = w.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer w.sem.Release(1)
		_, err = w.run(path)
	})
	return true
}

// Compress compresses path synchronously. The Worker's exactly-once
// bookkeeping does not apply; callers own that.
func (w *Worker) Compress(path string) (Result, error) {
	return w.run(path)
}

// InFlight returns the number of dispatched tasks not yet finished.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Wait blocks until every dispatched task has finished or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(path string) (Result, error) {
	w.logger.Info("compressing segment", "path", path)
	res, err := compressFile(path, w.ArtifactPath(path), w.cfg.Codec, w.cfg.FileMode)
	if err != nil {
		w.cfg.Metrics.Compression(metrics.ResultFailed, 0)
		w.logger.Error("compression failed, original kept", "path", path, "error", err)
		return Result{}, err
	}
	w.cfg.Metrics.Compression(metrics.ResultOK, res.ArtifactSize)
	w.logger.Info("compressed segment",
		"path", res.Source,
		"artifact", res.Artifact,
		"size", humanize.Bytes(uint64(res.SourceSize)),         //nolint:gosec // G115: file sizes are non-negative
		"compressed", humanize.Bytes(uint64(res.ArtifactSize)), //nolint:gosec // G115: file sizes are non-negative
	)
	return res, nil
}

// compressFile streams src through codec into a temp file next to it,
// renames the temp file to dst, and only then removes src. On any failure
// before the rename, src is untouched and the temp file is removed.
func compressFile(src, dst string, codec Codec, mode os.FileMode) (Result, error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return Result{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+filepath.Base(dst)+".*")
	if err != nil {
		return Result{}, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	enc, err := codec.NewWriter(tmp)
	if err != nil {
		cleanup()
		return Result{}, fmt.Errorf("create %s writer: %w", codec.Name, err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		cleanup()
		return Result{}, err
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return Result{}, err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return Result{}, err
	}
	stat, err := tmp.Stat()
	if err != nil {
		cleanup()
		return Result{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:gosec // G703: tmpPath is from os.CreateTemp, not user input
		return Result{}, err
	}
	if err := os.Rename(tmpPath, dst); err != nil { //nolint:gosec // G703: both paths are internal, not user input
		_ = os.Remove(tmpPath)
		return Result{}, err
	}

	// The artifact is in place; losing the original now loses nothing.
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("remove original after compression: %w", err)
	}

	return Result{
		Source:       src,
		Artifact:     dst,
		SourceSize:   info.Size(),
		ArtifactSize: stat.Size(),
	}, nil
}
