package logbuf

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fileWriter appends records to a per-instance log file and rotates it by
// size. Rotation renames the current file to "<name>.log.<n>" and opens a
// fresh one; history is never truncated.
type fileWriter struct {
	mu          sync.Mutex
	dir         string
	name        string
	maxBytes    int64
	file        *os.File
	currentSize int64
}

func newFileWriter(dir, name string, maxBytes int64) (*fileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &fileWriter{dir: dir, name: name, maxBytes: maxBytes}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *fileWriter) activePath() string {
	return filepath.Join(w.dir, w.name+".log")
}

func (w *fileWriter) open() error {
	f, err := os.OpenFile(w.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// append writes one record in the durable line format and rotates if the
// active file has grown past the threshold.
func (w *fileWriter) append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	n, err := fmt.Fprintf(w.file, "%s\t%s\t%d\t%s\n",
		rec.Timestamp.Format(time.RFC3339Nano), rec.Source, rec.Seq, rec.Line)
	if err != nil {
		return err
	}
	w.currentSize += int64(n)

	if w.maxBytes > 0 && w.currentSize >= w.maxBytes {
		return w.rotate()
	}
	return nil
}

func (w *fileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	next := 1
	for _, idx := range w.rotatedIndexes() {
		if idx >= next {
			next = idx + 1
		}
	}
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s.log.%d", w.name, next))
	if err := os.Rename(w.activePath(), rotated); err != nil {
		return err
	}
	return w.open()
}

func (w *fileWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotatedIndexes returns the numeric suffixes of rotated files, ascending.
func (w *fileWriter) rotatedIndexes() []int {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.name+".log.*"))
	if err != nil {
		return nil
	}
	var indexes []int
	prefix := w.name + ".log."
	for _, m := range matches {
		suffix := strings.TrimPrefix(filepath.Base(m), prefix)
		if idx, err := strconv.Atoi(suffix); err == nil {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	return indexes
}

// allFiles returns every log file for this instance, oldest first (rotated
// files in rotation order, then the active file).
func (w *fileWriter) allFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var files []string
	for _, idx := range w.rotatedIndexes() {
		files = append(files, filepath.Join(w.dir, fmt.Sprintf("%s.log.%d", w.name, idx)))
	}
	files = append(files, w.activePath())
	return files
}

// lastSeq returns the highest sequence number already on disk for this
// instance, scanning the newest file first. Returns 0 when no records exist.
func (w *fileWriter) lastSeq() int64 {
	files := w.allFiles()
	for i := len(files) - 1; i >= 0; i-- {
		f, err := os.Open(files[i])
		if err != nil {
			continue
		}
		var last int64
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if rec, ok := parseRecordLine(scanner.Text()); ok {
				last = rec.Seq
			}
		}
		f.Close()
		if last > 0 {
			return last
		}
	}
	return 0
}

// readRecords scans a log file for records with Seq > fromSeq, appending to
// out until limit is reached. Unparseable lines are skipped.
func readRecords(path string, fromSeq int64, limit int, out []Record) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		rec, ok := parseRecordLine(scanner.Text())
		if !ok || rec.Seq <= fromSeq {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, scanner.Err()
}

func parseRecordLine(line string) (Record, bool) {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) != 4 {
		return Record{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Record{}, false
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Record{}, false
	}
	return Record{
		Seq:       seq,
		Timestamp: ts,
		Source:    Source(parts[1]),
		Line:      parts[3],
	}, true
}
