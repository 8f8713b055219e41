// Package segment implements the rotating segmented log: the Segment entity,
// its deterministic on-disk naming, rotation policies, the Writer that owns
// the active segment, and index-based retention of compressed artifacts.
package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrDraining     = errors.New("writer is draining")
	ErrPrefixInUse  = errors.New("segment prefix already has files on disk")
	ErrPrefixLocked = errors.New("segment prefix is locked by another writer")
	ErrEmptyPrefix  = errors.New("segment prefix is required")
)

// State is the lifecycle state of a Segment.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Segment is one rotation-bounded output file and its accounting.
// Values are snapshots; the Writer owns the live copy.
type Segment struct {
	Index     uint64
	Path      string
	OpenedAt  time.Time
	LineCount uint64
	State     State
}

// Record is one accepted data line, without its line terminator.
type Record struct {
	Text string
}

// segmentExt is the extension of an uncompressed segment file.
const segmentExt = ".txt"

// Naming derives segment and artifact paths from a prefix and an index:
//
//	<prefix>_<index>.txt           active or closed segment
//	<prefix>_<index>.txt<suffix>   compressed artifact
type Naming struct {
	Prefix string
	// Suffix is the compression-format suffix, including the dot (".gz").
	Suffix string
}

// Path returns the uncompressed segment path for index.
func (n Naming) Path(index uint64) string {
	return n.Prefix + "_" + strconv.FormatUint(index, 10) + segmentExt
}

// ArtifactPath returns the compressed artifact path for index.
func (n Naming) ArtifactPath(index uint64) string {
	return n.Path(index) + n.Suffix
}

// LockPath returns the path of the single-writer lock file for the prefix.
func (n Naming) LockPath() string {
	return n.Prefix + ".lock"
}

// Dir returns the directory segments are written to.
func (n Naming) Dir() string {
	return filepath.Dir(n.Prefix)
}

// ParseIndex extracts the index from a path produced by this Naming.
// compressed reports whether path carries a suffix after ".txt" (any
// suffix is accepted, so artifacts from other codecs are recognized).
func (n Naming) ParseIndex(path string) (index uint64, compressed bool, ok bool) {
	rest, found := strings.CutPrefix(filepath.Clean(path), filepath.Clean(n.Prefix)+"_")
	if !found {
		return 0, false, false
	}
	digits, tail, found := strings.Cut(rest, segmentExt)
	if !found || digits == "" {
		return 0, false, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false, false
		}
	}
	idx, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false, false
	}
	if tail != "" && !strings.HasPrefix(tail, ".") {
		return 0, false, false
	}
	return idx, tail != "", true
}
