package compress

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"nmealog/internal/segment"
)

func TestRecover(t *testing.T) {
	codec, _ := Lookup(DefaultCodec)
	w, err := NewWorker(Config{Codec: codec})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	n := segment.Naming{Prefix: filepath.Join(dir, "nmea"), Suffix: codec.Suffix}

	// 0: already compressed. 1: artifact written but original not yet
	// removed. 2 and 3: never compressed.
	writeSegment(t, n.ArtifactPath(0))
	writeSegment(t, n.Path(1))
	writeSegment(t, n.ArtifactPath(1))
	writeSegment(t, n.Path(2))
	writeSegment(t, n.Path(3))
	writeSegment(t, filepath.Join(dir, tempPrefix+"nmea_2.txt.gz.12345"))
	writeSegment(t, filepath.Join(dir, tempPrefix+"other_0.txt.gz.777"))

	report, err := Recover(n, w)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !slices.Equal(report.Compressed, []uint64{2, 3}) {
		t.Errorf("compressed = %v, want [2 3]", report.Compressed)
	}
	if !slices.Equal(report.Completed, []uint64{1}) {
		t.Errorf("completed = %v, want [1]", report.Completed)
	}
	if len(report.Failed) != 0 {
		t.Errorf("failed = %v", report.Failed)
	}
	if report.TempFiles != 1 {
		t.Errorf("temp files removed = %d, want 1", report.TempFiles)
	}
	if _, err := os.Stat(filepath.Join(dir, tempPrefix+"other_0.txt.gz.777")); err != nil {
		t.Errorf("temp file of another prefix should be kept: %v", err)
	}

	for idx := range uint64(4) {
		if _, err := os.Stat(n.Path(idx)); !os.IsNotExist(err) {
			t.Errorf("original %d should be gone", idx)
		}
		if _, err := os.Stat(n.ArtifactPath(idx)); err != nil {
			t.Errorf("artifact %d: %v", idx, err)
		}
	}
}

func TestRecoverEmptyPrefix(t *testing.T) {
	codec, _ := Lookup(DefaultCodec)
	w, _ := NewWorker(Config{Codec: codec})
	n := segment.Naming{Prefix: filepath.Join(t.TempDir(), "nmea"), Suffix: codec.Suffix}

	report, err := Recover(n, w)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.Compressed)+len(report.Completed)+len(report.Failed)+report.TempFiles != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}
