package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// recordingDispatcher captures dispatched segments instead of compressing.
type recordingDispatcher struct {
	segments []Segment
}

func (d *recordingDispatcher) Dispatch(seg Segment) {
	d.segments = append(d.segments, seg)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestWriter(t *testing.T, policy RotationPolicy, retention *Retention) (*Writer, *recordingDispatcher, Naming) {
	t.Helper()
	naming := Naming{Prefix: filepath.Join(t.TempDir(), "nmea"), Suffix: ".gz"}
	disp := &recordingDispatcher{}
	w, err := NewWriter(Config{
		Naming:     naming,
		Policy:     policy,
		Compressor: disp,
		Retention:  retention,
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, disp, naming
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestNewWriterValidation(t *testing.T) {
	if _, err := NewWriter(Config{Compressor: &recordingDispatcher{}}); !errors.Is(err, ErrEmptyPrefix) {
		t.Fatalf("expected ErrEmptyPrefix, got %v", err)
	}
	if _, err := NewWriter(Config{Naming: Naming{Prefix: "x"}}); err == nil {
		t.Fatal("expected error without compressor")
	}
}

func TestWriterLazyOpen(t *testing.T) {
	w, disp, naming := newTestWriter(t, nil, nil)

	if _, ok := w.Active(); ok {
		t.Fatal("no segment should be open before the first record")
	}
	if _, err := os.Stat(naming.Path(0)); !os.IsNotExist(err) {
		t.Fatalf("segment file created eagerly: %v", err)
	}

	if err := w.Write(Record{Text: "$GPGGA,A"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	seg, ok := w.Active()
	if !ok {
		t.Fatal("expected an open segment")
	}
	if seg.Index != 0 || seg.LineCount != 1 || seg.State != StateOpen || seg.Path != naming.Path(0) {
		t.Fatalf("unexpected active segment: %+v", seg)
	}
	if len(disp.segments) != 0 {
		t.Fatalf("nothing should be dispatched yet, got %d", len(disp.segments))
	}
}

func TestWriterRotatesByLineCount(t *testing.T) {
	w, disp, naming := newTestWriter(t, NewLineCountPolicy(2), nil)

	for i := range 5 {
		if err := w.Write(Record{Text: fmt.Sprintf("$GPRMC,%d", i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if len(disp.segments) != 2 {
		t.Fatalf("dispatched %d segments, want 2", len(disp.segments))
	}
	for i, seg := range disp.segments {
		if seg.Index != uint64(i) {
			t.Errorf("dispatched[%d].Index = %d", i, seg.Index)
		}
		if seg.LineCount != 2 {
			t.Errorf("dispatched[%d].LineCount = %d, want 2", i, seg.LineCount)
		}
		if seg.State != StateClosed {
			t.Errorf("dispatched[%d].State = %v, want closed", i, seg.State)
		}
	}

	active, ok := w.Active()
	if !ok || active.Index != 2 || active.LineCount != 1 {
		t.Fatalf("active = %+v, want index 2 with 1 line", active)
	}

	if err := w.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	want := [][]string{
		{"$GPRMC,0", "$GPRMC,1"},
		{"$GPRMC,2", "$GPRMC,3"},
		{"$GPRMC,4"},
	}
	for idx, lines := range want {
		got := readLines(t, naming.Path(uint64(idx)))
		if strings.Join(got, "|") != strings.Join(lines, "|") {
			t.Errorf("segment %d = %v, want %v", idx, got, lines)
		}
	}
}

func TestWriterTriggeringRecordGoesToNewSegment(t *testing.T) {
	w, _, naming := newTestWriter(t, NewLineCountPolicy(1), nil)

	if err := w.Write(Record{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Record{Text: "second"}); err != nil {
		t.Fatal(err)
	}

	if got := readLines(t, naming.Path(0)); len(got) != 1 || got[0] != "first" {
		t.Fatalf("segment 0 = %v, want [first]", got)
	}
	active, _ := w.Active()
	if active.Index != 1 || active.LineCount != 1 {
		t.Fatalf("active = %+v, want index 1 with the triggering record", active)
	}
}

func TestWriterRotatesByAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)}
	naming := Naming{Prefix: filepath.Join(t.TempDir(), "nmea"), Suffix: ".gz"}
	disp := &recordingDispatcher{}
	w, err := NewWriter(Config{
		Naming:     naming,
		Policy:     DefaultPolicy(1000, time.Hour, clock.Now),
		Compressor: disp,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = w.Write(Record{Text: "a"})
	clock.Advance(30 * time.Minute)
	_ = w.Write(Record{Text: "b"})
	if len(disp.segments) != 0 {
		t.Fatal("rotated too early")
	}

	// Records arrive sparsely: the age bound is only checked on arrival.
	clock.Advance(45 * time.Minute)
	_ = w.Write(Record{Text: "c"})

	if len(disp.segments) != 1 {
		t.Fatalf("dispatched %d segments, want 1", len(disp.segments))
	}
	if disp.segments[0].LineCount != 2 {
		t.Errorf("closed segment has %d lines, want 2", disp.segments[0].LineCount)
	}
	active, _ := w.Active()
	if !active.OpenedAt.Equal(clock.now) {
		t.Errorf("new segment OpenedAt = %v, want %v", active.OpenedAt, clock.now)
	}
}

func TestWriterIndicesAreGapless(t *testing.T) {
	w, disp, _ := newTestWriter(t, NewLineCountPolicy(1), nil)
	for i := range 20 {
		if err := w.Write(Record{Text: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Drain(); err != nil {
		t.Fatal(err)
	}
	if len(disp.segments) != 20 {
		t.Fatalf("dispatched %d, want 20", len(disp.segments))
	}
	for i, seg := range disp.segments {
		if seg.Index != uint64(i) {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
	}
}

func TestWriterAnnotateDoesNotCount(t *testing.T) {
	w, disp, naming := newTestWriter(t, NewLineCountPolicy(2), nil)

	written, err := w.Annotate("#NTP_TIME before")
	if err != nil || written {
		t.Fatalf("Annotate without segment = (%v, %v), want (false, nil)", written, err)
	}

	_ = w.Write(Record{Text: "$GPGGA,1"})
	for range 5 {
		if ok, err := w.Annotate("#NTP_TIME x"); err != nil || !ok {
			t.Fatalf("Annotate = (%v, %v)", ok, err)
		}
	}
	_ = w.Write(Record{Text: "$GPGGA,2"})

	if len(disp.segments) != 0 {
		t.Fatal("annotations must not drive rotation")
	}
	active, _ := w.Active()
	if active.LineCount != 2 {
		t.Fatalf("LineCount = %d, want 2", active.LineCount)
	}

	// Annotations are flushed immediately.
	lines := readLines(t, naming.Path(0))
	if len(lines) != 6 {
		t.Fatalf("file has %d lines before drain, want 6 (1 data + 5 annotations)", len(lines))
	}
}

func TestWriterDrain(t *testing.T) {
	w, disp, naming := newTestWriter(t, NewLineCountPolicy(10), nil)

	_ = w.Write(Record{Text: "$GPGGA,A"})
	if err := w.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(disp.segments) != 1 || disp.segments[0].Index != 0 || disp.segments[0].LineCount != 1 {
		t.Fatalf("dispatched = %+v, want segment 0 with 1 line", disp.segments)
	}
	if got := readLines(t, naming.Path(0)); len(got) != 1 || got[0] != "$GPGGA,A" {
		t.Fatalf("segment 0 = %v", got)
	}

	if err := w.Write(Record{Text: "$GPGGA,B"}); !errors.Is(err, ErrDraining) {
		t.Fatalf("Write after drain: expected ErrDraining, got %v", err)
	}
	if ok, _ := w.Annotate("#late"); ok {
		t.Fatal("Annotate after drain should be a no-op")
	}
	if err := w.Drain(); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(disp.segments) != 1 {
		t.Fatalf("second drain dispatched again: %d", len(disp.segments))
	}
	if _, err := os.Stat(naming.Path(1)); !os.IsNotExist(err) {
		t.Fatal("no new segment may be opened after drain")
	}
	if !w.Draining() {
		t.Fatal("Draining() = false")
	}
}

func TestWriterRequestDrainHoldsRotation(t *testing.T) {
	w, disp, naming := newTestWriter(t, NewLineCountPolicy(2), nil)

	for _, text := range []string{"$A", "$B"} {
		if err := w.Write(Record{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	w.RequestDrain()
	if err := w.Write(Record{Text: "$C"}); err != nil {
		t.Fatalf("Write with drain pending: %v", err)
	}
	if len(disp.segments) != 0 {
		t.Fatalf("rotated with drain pending: %+v", disp.segments)
	}
	if err := w.Drain(); err != nil {
		t.Fatal(err)
	}

	if got := readLines(t, naming.Path(0)); len(got) != 3 || got[2] != "$C" {
		t.Fatalf("segment 0 = %v, want the pending line appended", got)
	}
	if _, err := os.Stat(naming.Path(1)); !os.IsNotExist(err) {
		t.Fatal("segment 1 opened while a drain was pending")
	}
	if len(disp.segments) != 1 || disp.segments[0].LineCount != 3 {
		t.Fatalf("dispatched = %+v", disp.segments)
	}
}

func TestWriterDrainWithoutSegment(t *testing.T) {
	w, disp, _ := newTestWriter(t, nil, nil)
	if err := w.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(disp.segments) != 0 {
		t.Fatal("nothing to dispatch")
	}
}

func TestWriterRunsRetentionAfterDispatch(t *testing.T) {
	naming := Naming{Prefix: filepath.Join(t.TempDir(), "nmea"), Suffix: ".gz"}
	// Pretend every closed segment is compressed immediately.
	disp := &compressingDispatcher{t: t, naming: naming}
	retention := NewRetention(RetentionConfig{Naming: naming, MaxSegments: 1})
	w, err := NewWriter(Config{
		Naming:     naming,
		Policy:     NewLineCountPolicy(1),
		Compressor: disp,
		Retention:  retention,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Segments 0, 1 close; rotating into 2 evicts artifact 0 and keeps 1.
	for _, text := range []string{"a", "b", "c"} {
		if err := w.Write(Record{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(naming.ArtifactPath(0)); !os.IsNotExist(err) {
		t.Fatal("artifact 0 should be evicted")
	}
	if _, err := os.Stat(naming.ArtifactPath(1)); err != nil {
		t.Fatalf("artifact 1 should remain: %v", err)
	}

	// Final drain runs retention for index 2.
	if err := w.Drain(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(naming.ArtifactPath(1)); !os.IsNotExist(err) {
		t.Fatal("artifact 1 should be evicted by the drain pass")
	}
	if _, err := os.Stat(naming.ArtifactPath(2)); err != nil {
		t.Fatalf("artifact 2 should remain: %v", err)
	}
}

// compressingDispatcher synchronously renames the segment to its artifact.
type compressingDispatcher struct {
	t      *testing.T
	naming Naming
}

func (d *compressingDispatcher) Dispatch(seg Segment) {
	if err := os.Rename(seg.Path, d.naming.ArtifactPath(seg.Index)); err != nil {
		d.t.Fatalf("rename: %v", err)
	}
}

func TestWriterOpenFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the segment directory should be.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(Config{
		Naming:     Naming{Prefix: filepath.Join(blocker, "nmea")},
		Compressor: &recordingDispatcher{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Record{Text: "x"}); err == nil {
		t.Fatal("expected open failure")
	}
}
