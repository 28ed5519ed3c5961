package logbuf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupStore(t *testing.T, ringCapacity int, rotateBytes int64) *Store {
	m := NewManager(Config{
		Dir:          t.TempDir(),
		RingCapacity: ringCapacity,
		RotateBytes:  rotateBytes,
	})
	t.Cleanup(m.Close)

	store, err := m.Open("inst-1")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return store
}

func TestStoreAppendAndHistory(t *testing.T) {
	store := setupStore(t, 100, 0)

	for i := 0; i < 5; i++ {
		store.Append(SourceStdout, fmt.Sprintf("line %d", i))
	}

	records, err := store.History(2, 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("History returned %d records, want 3", len(records))
	}
	if records[0].Line != "line 2" || records[2].Line != "line 4" {
		t.Errorf("History returned wrong records: %+v", records)
	}
}

func TestStoreHistoryFallsBackToDisk(t *testing.T) {
	// Tiny ring so early records are only on disk.
	store := setupStore(t, 2, 0)

	for i := 1; i <= 10; i++ {
		store.Append(SourceStdout, fmt.Sprintf("line %d", i))
	}
	if store.ring.OldestSeq() != 9 {
		t.Fatalf("OldestSeq = %d, want 9", store.ring.OldestSeq())
	}

	records, err := store.History(0, 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("History returned %d records, want all 10 from disk", len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Errorf("History[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestStoreHistorySpansRotatedFiles(t *testing.T) {
	// Rotate after every record or two.
	store := setupStore(t, 1, 40)

	for i := 1; i <= 6; i++ {
		store.Append(SourceStderr, fmt.Sprintf("line %d", i))
	}

	files := store.writer.allFiles()
	if len(files) < 2 {
		t.Fatalf("expected rotated files, got %v", files)
	}

	records, err := store.History(0, 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("History returned %d records, want 6 across rotations", len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Errorf("History[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestStoreSeqContinuesAcrossManagers(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(Config{Dir: dir, RingCapacity: 100})
	store, err := m1.Open("inst-1")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	for i := 1; i <= 3; i++ {
		store.Append(SourceStdout, fmt.Sprintf("run one line %d", i))
	}
	m1.Close()

	m2 := NewManager(Config{Dir: dir, RingCapacity: 100})
	t.Cleanup(m2.Close)
	store, err = m2.Open("inst-1")
	if err != nil {
		t.Fatalf("Open after reopen returned error: %v", err)
	}

	rec := store.Append(SourceStdout, "run two line 1")
	if rec.Seq != 4 {
		t.Fatalf("first Seq after reopen = %d, want 4", rec.Seq)
	}

	records, err := store.History(0, 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("History returned %d records, want 4 spanning both runs", len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Errorf("History[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
	if records[0].Line != "run one line 1" || records[3].Line != "run two line 1" {
		t.Errorf("History returned wrong records: %+v", records)
	}
}

func TestStoreTailSpansManagerRestart(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(Config{Dir: dir, RingCapacity: 100})
	store, err := m1.Open("inst-1")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	for i := 1; i <= 5; i++ {
		store.Append(SourceStdout, fmt.Sprintf("old line %d", i))
	}
	m1.Close()

	m2 := NewManager(Config{Dir: dir, RingCapacity: 100})
	t.Cleanup(m2.Close)
	store, err = m2.Open("inst-1")
	if err != nil {
		t.Fatalf("Open after reopen returned error: %v", err)
	}

	// The ring is empty after reopen; the tail still comes from disk.
	records, err := store.Tail(3)
	if err != nil {
		t.Fatalf("Tail returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Tail returned %d records, want 3", len(records))
	}
	if records[0].Line != "old line 3" || records[2].Line != "old line 5" {
		t.Errorf("Tail returned wrong records: %+v", records)
	}

	// Fresh lines and durable history mix in sequence order.
	store.Append(SourceStderr, "new line 1")
	records, err = store.Tail(3)
	if err != nil {
		t.Fatalf("Tail returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Tail returned %d records, want 3", len(records))
	}
	if records[0].Line != "old line 4" || records[2].Line != "new line 1" {
		t.Errorf("Tail returned wrong records: %+v", records)
	}
}

func TestFileWriterLastSeqAcrossRotations(t *testing.T) {
	dir := t.TempDir()
	w, err := newFileWriter(dir, "inst-1", 40)
	if err != nil {
		t.Fatalf("newFileWriter returned error: %v", err)
	}
	for i := 1; i <= 6; i++ {
		rec := Record{Seq: int64(i), Timestamp: time.Now(), Source: SourceStdout, Line: "rotating output"}
		if err := w.append(rec); err != nil {
			t.Fatalf("append returned error: %v", err)
		}
	}
	w.close()

	reopened, err := newFileWriter(dir, "inst-1", 40)
	if err != nil {
		t.Fatalf("reopening writer: %v", err)
	}
	defer reopened.close()
	if got := reopened.lastSeq(); got != 6 {
		t.Errorf("lastSeq = %d, want 6", got)
	}

	fresh, err := newFileWriter(t.TempDir(), "inst-2", 0)
	if err != nil {
		t.Fatalf("newFileWriter returned error: %v", err)
	}
	defer fresh.close()
	if got := fresh.lastSeq(); got != 0 {
		t.Errorf("lastSeq on empty history = %d, want 0", got)
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := setupStore(t, 100, 0)

	sub := store.Subscribe(10)
	defer sub.Cancel()

	store.Append(SourceStdout, "hello")

	select {
	case rec := <-sub.C:
		if rec.Line != "hello" || rec.Source != SourceStdout {
			t.Errorf("received wrong record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the record")
	}

	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Cancel")
	}
}

func TestStoreCapture(t *testing.T) {
	store := setupStore(t, 100, 0)

	var closeErr error
	closed := make(chan struct{})
	r := strings.NewReader("first\nsecond\nthird\n")
	go store.Capture(r, SourceStdout, func(err error) {
		closeErr = err
		close(closed)
	})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("capture did not finish")
	}
	if closeErr != nil {
		t.Fatalf("capture close error: %v", closeErr)
	}

	records := store.Latest(10)
	if len(records) != 3 {
		t.Fatalf("captured %d records, want 3", len(records))
	}
	if records[0].Line != "first" || records[2].Line != "third" {
		t.Errorf("captured wrong lines: %+v", records)
	}
}

func TestFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := newFileWriter(dir, "inst-rot", 50)
	if err != nil {
		t.Fatalf("newFileWriter returned error: %v", err)
	}
	defer w.close()

	for i := 1; i <= 8; i++ {
		rec := Record{Seq: int64(i), Timestamp: time.Now(), Source: SourceStdout, Line: "some log output"}
		if err := w.append(rec); err != nil {
			t.Fatalf("append returned error: %v", err)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "inst-rot.log.*"))
	if len(matches) == 0 {
		t.Fatal("no rotated files created")
	}

	// Active file still exists and is below the threshold.
	info, err := os.Stat(filepath.Join(dir, "inst-rot.log"))
	if err != nil {
		t.Fatalf("active log file missing: %v", err)
	}
	if info.Size() >= 100 {
		t.Errorf("active file did not rotate: %d bytes", info.Size())
	}
}

func TestParseRecordLineRoundTrip(t *testing.T) {
	rec := Record{
		Seq:       42,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Source:    SourceSystem,
		Line:      "contains\ttabs and spaces",
	}
	line := fmt.Sprintf("%s\t%s\t%d\t%s",
		rec.Timestamp.Format(time.RFC3339Nano), rec.Source, rec.Seq, rec.Line)

	parsed, ok := parseRecordLine(line)
	if !ok {
		t.Fatal("parseRecordLine rejected a valid line")
	}
	if parsed.Seq != rec.Seq || parsed.Source != rec.Source || parsed.Line != rec.Line {
		t.Errorf("parsed = %+v, want %+v", parsed, rec)
	}

	if _, ok := parseRecordLine("garbage"); ok {
		t.Error("parseRecordLine accepted garbage")
	}
}
