package segment

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nmealog/internal/logging"
	"nmealog/internal/metrics"
)

// Dispatcher takes ownership of a closed segment file and compresses it
// asynchronously. Dispatch must not block on the compression itself.
type Dispatcher interface {
	Dispatch(seg Segment)
}

// Config configures a Writer.
type Config struct {
	Naming Naming

	// Policy decides when to rotate. Defaults to NeverRotatePolicy.
	Policy RotationPolicy

	// Compressor receives every closed segment exactly once. Required.
	Compressor Dispatcher

	// Retention runs after each close. Nil disables eviction.
	Retention *Retention

	FileMode os.FileMode
	Now      func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// activeSegment is the open file behind the current Segment.
type activeSegment struct {
	seg  Segment
	file *os.File
	buf  *bufio.Writer
}

// Writer is the rotation controller. It owns the active segment, applies
// the rotation policy before each accepted record, and on rotation hands
// the closed segment to the compressor and runs retention.
//
// A Writer is driven by a single goroutine (the ingestion loop) and does
// no internal locking.
type Writer struct {
	cfg       Config
	active    *activeSegment
	nextIndex uint64
	// holdRotation is set once a drain is pending: records still land in
	// the active segment but no rotation happens.
	holdRotation bool
	draining     bool
	logger       *slog.Logger
}

func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Naming.Prefix == "" {
		return nil, ErrEmptyPrefix
	}
	if cfg.Compressor == nil {
		return nil, errors.New("segment writer: compressor is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = NeverRotatePolicy{}
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Writer{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "writer"),
	}, nil
}

// Write appends rec to the active segment, rotating first if the policy
// says so. The record that triggers a rotation goes into the new segment.
func (w *Writer) Write(rec Record) error {
	if w.draining {
		return ErrDraining
	}

	if w.active == nil {
		if err := w.open(); err != nil {
			return err
		}
	} else if t := w.cfg.Policy.ShouldRotate(w.state()); t != nil && !w.holdRotation {
		if err := w.rotate(*t); err != nil {
			return err
		}
	}

	if _, err := w.active.buf.WriteString(rec.Text); err != nil {
		return fmt.Errorf("write segment %d: %w", w.active.seg.Index, err)
	}
	if err := w.active.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write segment %d: %w", w.active.seg.Index, err)
	}
	w.active.seg.LineCount++
	return nil
}

// RequestDrain stops rotation ahead of Drain. Writes still go to the active
// segment, which may then exceed the line bound; no further segment is
// opened by rotation.
func (w *Writer) RequestDrain() {
	if !w.holdRotation {
		w.holdRotation = true
		w.logger.Info("drain pending, rotation stopped")
	}
}

// Annotate writes an out-of-band block into the active segment without
// counting it toward rotation. It reports false, doing nothing, when no
// segment is open or the writer is draining. The block is flushed so
// annotations reach the file promptly.
func (w *Writer) Annotate(text string) (bool, error) {
	if w.draining || w.active == nil {
		return false, nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := w.active.buf.WriteString(text); err != nil {
		return false, fmt.Errorf("annotate segment %d: %w", w.active.seg.Index, err)
	}
	if err := w.active.buf.Flush(); err != nil {
		return false, fmt.Errorf("annotate segment %d: %w", w.active.seg.Index, err)
	}
	return true, nil
}

// Drain closes the active segment without opening another, dispatches it
// for compression and runs a final retention pass. Later writes fail with
// ErrDraining. Drain is idempotent.
func (w *Writer) Drain() error {
	if w.draining {
		return nil
	}
	w.draining = true
	if w.active == nil {
		w.logger.Info("drained with no open segment")
		return nil
	}
	closed, err := w.closeActive(TriggerDrain)
	if err != nil {
		return err
	}
	w.handOff(closed)
	return nil
}

// Active returns a snapshot of the open segment.
func (w *Writer) Active() (Segment, bool) {
	if w.active == nil {
		return Segment{}, false
	}
	return w.active.seg, true
}

// Draining reports whether Drain has been called.
func (w *Writer) Draining() bool {
	return w.draining
}

func (w *Writer) state() ActiveState {
	return ActiveState{
		Index:    w.active.seg.Index,
		OpenedAt: w.active.seg.OpenedAt,
		Lines:    w.active.seg.LineCount,
	}
}

func (w *Writer) rotate(trigger string) error {
	closed, err := w.closeActive(trigger)
	if err != nil {
		return err
	}
	w.handOff(closed)
	return w.open()
}

// handOff gives the closed file to the compressor, then runs retention.
// Retention needs only the index, not the compression result.
func (w *Writer) handOff(closed Segment) {
	w.cfg.Compressor.Dispatch(closed)
	if w.cfg.Retention != nil {
		w.cfg.Retention.Enforce(closed.Index)
	}
}

func (w *Writer) open() error {
	index := w.nextIndex
	path := w.cfg.Naming.Path(index)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create segment directory: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", index, err)
	}

	w.nextIndex++
	w.active = &activeSegment{
		seg: Segment{
			Index:    index,
			Path:     path,
			OpenedAt: w.cfg.Now(),
			State:    StateOpen,
		},
		file: f,
		buf:  bufio.NewWriterSize(f, 64<<10),
	}
	w.cfg.Metrics.SegmentOpened()
	w.logger.Info("starting new segment", "index", index, "path", path)
	return nil
}

// closeActive flushes and closes the active file. A segment that cannot be
// flushed is left on disk as is and never handed to compression.
func (w *Writer) closeActive(trigger string) (Segment, error) {
	a := w.active
	a.seg.State = StateClosing

	flushErr := a.buf.Flush()
	closeErr := a.file.Close()
	w.active = nil
	if err := errors.Join(flushErr, closeErr); err != nil {
		return Segment{}, fmt.Errorf("close segment %d: %w", a.seg.Index, err)
	}

	a.seg.State = StateClosed
	w.cfg.Metrics.SegmentClosed(trigger)
	w.logger.Info("closed segment",
		"trigger", trigger,
		"index", a.seg.Index,
		"path", a.seg.Path,
		"lines", a.seg.LineCount,
		"age", w.cfg.Now().Sub(a.seg.OpenedAt).Round(time.Millisecond),
	)
	return a.seg, nil
}
