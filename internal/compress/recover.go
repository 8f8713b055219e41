package compress

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"nmealog/internal/segment"
)

// RecoverReport summarizes what Recover did for a prefix.
type RecoverReport struct {
	Compressed []uint64 // originals compressed into new artifacts
	Completed  []uint64 // originals removed because the artifact already existed
	Failed     []uint64 // originals left in place after a compression error
	TempFiles  int      // stale in-progress artifacts removed
}

// Recover finishes work a previous run left behind for the prefix: stale
// temp files are removed, originals whose artifact already exists are
// deleted, and remaining uncompressed segments are compressed
// synchronously. The prefix lock must be held by the caller.
func Recover(n segment.Naming, w *Worker) (RecoverReport, error) {
	var report RecoverReport

	// Only this prefix's temp files; other writers may share the directory.
	pattern := filepath.Join(n.Dir(), tempPrefix+segment.QuoteGlob(filepath.Base(n.Prefix))+"_*")
	temps, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return report, err
	}
	for _, tmp := range temps {
		if err := os.Remove(tmp); err == nil {
			report.TempFiles++
		}
	}

	found, err := segment.Scan(n)
	if err != nil {
		return report, err
	}

	artifacts := make(map[uint64]bool)
	for _, f := range found {
		if f.Compressed && f.Path == n.ArtifactPath(f.Index) {
			artifacts[f.Index] = true
		}
	}

	var errs []error
	for _, f := range found {
		if f.Compressed {
			continue
		}
		if artifacts[f.Index] {
			// Crash between rename and removal of the original.
			if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			w.logger.Info("removed original of completed artifact", "path", f.Path)
			report.Completed = append(report.Completed, f.Index)
			continue
		}
		if _, err := w.Compress(f.Path); err != nil {
			report.Failed = append(report.Failed, f.Index)
			errs = append(errs, err)
			continue
		}
		report.Compressed = append(report.Compressed, f.Index)
	}
	return report, errors.Join(errs...)
}
