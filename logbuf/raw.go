package logbuf

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rawPollInterval is how often a live tailer checks the stream files for
// new output.
const rawPollInterval = 150 * time.Millisecond

// rawOffsets records how far each raw stream file has been folded into the
// structured log. Persisted next to the stream files so capture resumes
// where it left off in a later launcher run.
type rawOffsets struct {
	Stdout int64 `json:"stdout"`
	Stderr int64 `json:"stderr"`
}

// rawTracker follows the per-instance raw stream files. The child process
// writes them through inherited descriptors, so its output keeps landing on
// disk even while no launcher process is alive; the tracker folds whatever
// accumulated into the ring and the durable record.
type rawTracker struct {
	mu         sync.Mutex
	dir        string
	instanceID string
	offsets    rawOffsets
}

func newRawTracker(dir, instanceID string) *rawTracker {
	t := &rawTracker{dir: dir, instanceID: instanceID}
	if data, err := os.ReadFile(t.offsetsPath()); err == nil {
		// A corrupt sidecar just means re-reading from the start.
		json.Unmarshal(data, &t.offsets)
	}
	return t
}

func (t *rawTracker) streamPath(source Source) string {
	ext := ".out"
	if source == SourceStderr {
		ext = ".err"
	}
	return filepath.Join(t.dir, t.instanceID+ext)
}

func (t *rawTracker) offsetsPath() string {
	return filepath.Join(t.dir, t.instanceID+".offsets")
}

// openForChild opens a stream file for handing to a child process.
func (t *rawTracker) openForChild(source Source) (*os.File, error) {
	return os.OpenFile(t.streamPath(source), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// sync folds new complete lines from both stream files into append. When
// flushPartial is set a trailing line without a newline is folded too;
// otherwise it stays in the file until the writer finishes it.
func (t *rawTracker) sync(flushPartial bool, append func(Source, string)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	advanced := false
	for _, source := range []Source{SourceStdout, SourceStderr} {
		off := t.offsetFor(source)
		n, err := t.syncStream(source, *off, flushPartial, append)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if n != *off {
			*off = n
			advanced = true
		}
	}
	if advanced {
		if err := t.saveOffsets(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *rawTracker) offsetFor(source Source) *int64 {
	if source == SourceStderr {
		return &t.offsets.Stderr
	}
	return &t.offsets.Stdout
}

func (t *rawTracker) syncStream(source Source, offset int64, flushPartial bool, append func(Source, string)) (int64, error) {
	f, err := os.Open(t.streamPath(source))
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil
		}
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		// The stream file was removed or truncated; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		switch {
		case err == nil:
			append(source, strings.TrimSuffix(line, "\n"))
			offset += int64(len(line))
		case err == io.EOF:
			if flushPartial && line != "" {
				append(source, line)
				offset += int64(len(line))
			}
			return offset, nil
		default:
			return offset, err
		}
	}
}

func (t *rawTracker) saveOffsets() error {
	data, err := json.Marshal(t.offsets)
	if err != nil {
		return err
	}
	return os.WriteFile(t.offsetsPath(), data, 0644)
}
