package segment

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// Lock is an exclusive advisory lock on a prefix, held for the lifetime of
// a writer run. Two writers sharing a prefix would collide on segment
// names, so the second one fails to start.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the prefix lock and records runID in the lock file.
func AcquireLock(n Naming, runID string) (*Lock, error) {
	if n.Prefix == "" {
		return nil, ErrEmptyPrefix
	}
	path := n.LockPath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrPrefixLocked, path)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(runID+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Found is a segment file or artifact discovered on disk for a prefix.
type Found struct {
	Index      uint64
	Path       string
	Compressed bool
}

// Scan lists the segment files and artifacts present for the prefix,
// ordered by index with uncompressed files first.
func Scan(n Naming) ([]Found, error) {
	if n.Prefix == "" {
		return nil, ErrEmptyPrefix
	}
	matches, err := doublestar.FilepathGlob(QuoteGlob(n.Prefix) + "_*" + segmentExt + "*")
	if err != nil {
		return nil, err
	}
	var found []Found
	for _, m := range matches {
		idx, compressed, ok := n.ParseIndex(m)
		if !ok {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		found = append(found, Found{Index: idx, Path: m, Compressed: compressed})
	}
	sortFound(found)
	return found, nil
}

// CheckPrefixFree fails with ErrPrefixInUse if any segment or artifact for
// the prefix exists. Indices restart at 0 on every run, so a reused prefix
// would overwrite earlier data.
func CheckPrefixFree(n Naming) error {
	found, err := Scan(n)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return fmt.Errorf("%w: %s (%d files, e.g. %s)", ErrPrefixInUse, n.Prefix, len(found), found[0].Path)
	}
	return nil
}

func sortFound(found []Found) {
	slices.SortFunc(found, func(a, b Found) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		// Uncompressed before compressed.
		switch {
		case a.Compressed == b.Compressed:
			return 0
		case !a.Compressed:
			return -1
		default:
			return 1
		}
	})
}

// QuoteGlob escapes glob metacharacters so s matches only itself.
func QuoteGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
