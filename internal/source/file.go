package source

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"nmealog/internal/logging"
)

type FileConfig struct {
	Path string

	// Follow keeps reading appended data instead of ending at EOF, like
	// tail -f. The stream ends when the file is removed or renamed.
	Follow bool

	// ReadTimeout bounds how long a following ReadLine waits for new data
	// before returning a timeout error. Defaults to one second.
	ReadTimeout time.Duration

	MaxLineSize int

	Logger *slog.Logger
}

// FileSource replays a recorded capture.
type FileSource struct {
	file        *os.File
	lines       *lineReader
	follow      bool
	readTimeout time.Duration
	watcher     *fsnotify.Watcher
	logger      *slog.Logger
}

func OpenFile(cfg FileConfig) (*FileSource, error) {
	f, err := os.Open(filepath.Clean(cfg.Path))
	if err != nil {
		return nil, err
	}
	logger := logging.Component(cfg.Logger, "source", "file", cfg.Path)

	s := &FileSource{
		file:        f,
		lines:       newLineReader(f, cfg.MaxLineSize),
		follow:      cfg.Follow,
		readTimeout: cfg.ReadTimeout,
		logger:      logger,
	}
	if s.readTimeout <= 0 {
		s.readTimeout = time.Second
	}
	s.lines.onSkip = func(size int) {
		logger.Warn("discarding oversized line", "bytes", size)
	}

	if cfg.Follow {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := w.Add(cfg.Path); err != nil {
			_ = w.Close()
			_ = f.Close()
			return nil, err
		}
		s.watcher = w
	}
	logger.Info("reading capture", "follow", cfg.Follow)
	return s, nil
}

// ReadLine returns the next line. Without Follow, EOF ends the stream. With
// Follow, EOF waits for a write notification; if none arrives within the
// read timeout a timeout error is returned and a partial last line stays
// pending.
func (s *FileSource) ReadLine() (string, error) {
	for {
		line, err := s.lines.next(!s.follow)
		if err == nil || !errors.Is(err, io.EOF) || !s.follow {
			return line, err
		}
		if err := s.waitForData(); err != nil {
			return "", err
		}
	}
}

func (s *FileSource) waitForData() error {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return io.EOF
			}
			switch {
			case ev.Has(fsnotify.Write):
				return nil
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				s.logger.Info("capture file went away, ending stream", "event", ev.Op.String())
				return io.EOF
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return io.EOF
			}
			s.logger.Warn("fsnotify error", "error", err)
		case <-timer.C:
			return timeoutError{}
		}
	}
}

func (s *FileSource) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}
