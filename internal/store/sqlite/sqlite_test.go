package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"acqstream/internal/model"
)

func runWriter(t *testing.T, w *Writer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("writer did not stop")
		}
	}
}

func TestWriter_RangesChunksAndBadData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.db")
	w, err := New(WriterConfig{DBPath: path, SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.StartSession(Session{StartedAt: time.Now(), ChannelCount: 2, SampleWidth: 2, SampleRate: 1000, TriggerMode: "level"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var commits int
	w.OnCommit = func(n int, d time.Duration, err error) {
		if err != nil {
			t.Errorf("commit error: %v", err)
		}
		commits++
	}
	stop := runWriter(t, w)

	a := bytes.Repeat([]byte{1}, 40)
	b := bytes.Repeat([]byte{2}, 20)
	c := bytes.Repeat([]byte{3}, 8)
	w.Append(a, model.ScanRange{RangeID: 1, FirstScan: 100, Scans: 10})
	w.Append(b, model.ScanRange{RangeID: 1, FirstScan: 110, Scans: 5})
	w.MarkBadRange(112, 2)
	w.CloseRange()
	w.Append(c, model.ScanRange{RangeID: 2, FirstScan: 300, Scans: 2})
	stop()

	if commits == 0 {
		t.Fatal("expected at least one commit")
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	sessions, err := r.ListSessions()
	if err != nil || len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].TriggerMode != "level" {
		t.Fatalf("sessions = %+v, err %v", sessions, err)
	}

	ranges, err := r.ListRanges("s1")
	if err != nil {
		t.Fatalf("ListRanges: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}
	if ranges[0].FirstScan != 100 || ranges[0].Scans != 15 || ranges[0].ClosedAt == nil {
		t.Errorf("range 1 = %+v", ranges[0])
	}
	if ranges[1].FirstScan != 300 || ranges[1].Scans != 2 || ranges[1].ClosedAt != nil {
		t.Errorf("range 2 = %+v", ranges[1])
	}

	data, first, err := r.ReadRange("s1", 1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if first != 100 || !bytes.Equal(data, append(append([]byte{}, a...), b...)) {
		t.Errorf("range 1 data: first=%d len=%d", first, len(data))
	}

	bad, err := r.BadRanges("s1", 0, 0)
	if err != nil || len(bad) != 1 || bad[0].FirstScan != 112 || bad[0].Length != 2 {
		t.Fatalf("bad ranges = %+v, err %v", bad, err)
	}
	if bad, _ := r.BadRanges("s1", 114, 200); len(bad) != 0 {
		t.Errorf("range query [114,200) should not overlap [112,114), got %+v", bad)
	}
}

func TestWriter_CloseRangeWithoutAppendIsNoop(t *testing.T) {
	w, err := New(WriterConfig{DBPath: filepath.Join(t.TempDir(), "acq.db"), SessionID: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.CloseRange(); err != nil {
		t.Fatalf("CloseRange: %v", err)
	}
	if len(w.ops) != 0 {
		t.Errorf("expected no queued ops, got %d", len(w.ops))
	}
}

func TestWriter_CloseRangeOnlyOncePerRange(t *testing.T) {
	w, err := New(WriterConfig{DBPath: filepath.Join(t.TempDir(), "acq.db"), SessionID: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	w.Append([]byte{1, 2, 3, 4}, model.ScanRange{RangeID: 1, FirstScan: 0, Scans: 1})
	w.CloseRange()
	// Range 2 opened with nothing appended yet: its close must not restamp range 1.
	w.CloseRange()
	if len(w.ops) != 2 {
		t.Fatalf("queued ops=%d, want append and one close", len(w.ops))
	}
	<-w.ops
	if o := <-w.ops; o.kind != opClose || o.rangeID != 1 {
		t.Errorf("second op = kind %v range %d, want close of range 1", o.kind, o.rangeID)
	}
}
