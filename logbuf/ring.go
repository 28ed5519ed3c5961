// Package logbuf captures child process output into bounded in-memory rings
// mirrored by append-only, rotatable on-disk files. The ring is a cache; the
// file is the durable record.
package logbuf

import (
	"sync"
	"time"
)

// Source tags where a log line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	// SourceSystem marks lines emitted by the launcher itself, e.g.
	// lifecycle markers and install progress.
	SourceSystem Source = "system"
)

// Record is a single captured log line. Seq is monotonic per instance.
type Record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Line      string    `json:"line"`
}

// Ring is a bounded FIFO buffer of records. Eviction is strictly oldest
// first. It is safe for concurrent use; readers always receive copies.
type Ring struct {
	mu       sync.RWMutex
	entries  []Record
	capacity int
	nextSeq  int64
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	return NewRingFrom(capacity, 0)
}

// NewRingFrom creates a ring whose first appended record gets lastSeq+1.
// Sequence numbers are monotonic per instance across launcher restarts, so
// a ring rebuilt over an existing log file must continue where the file
// left off rather than restart at 1.
func NewRingFrom(capacity int, lastSeq int64) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	if lastSeq < 0 {
		lastSeq = 0
	}
	return &Ring{
		entries:  make([]Record, 0, capacity),
		capacity: capacity,
		nextSeq:  lastSeq + 1,
	}
}

// Append adds a line and returns the stored record.
func (r *Ring) Append(source Source, line string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{
		Seq:       r.nextSeq,
		Timestamp: time.Now(),
		Source:    source,
		Line:      line,
	}
	if len(r.entries) >= r.capacity {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, rec)
	r.nextSeq++
	return rec
}

// Since returns up to limit records with Seq > fromSeq. limit <= 0 means
// no limit.
func (r *Ring) Since(fromSeq int64, limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.entries {
		if rec.Seq > fromSeq {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Latest returns the most recent count records.
func (r *Ring) Latest(count int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if count <= 0 || len(r.entries) == 0 {
		return nil
	}
	start := len(r.entries) - count
	if start < 0 {
		start = 0
	}
	out := make([]Record, len(r.entries)-start)
	copy(out, r.entries[start:])
	return out
}

// OldestSeq returns the sequence number of the oldest retained record, or 0
// when the ring is empty.
func (r *Ring) OldestSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[0].Seq
}

// LatestSeq returns the most recent sequence number handed out.
func (r *Ring) LatestSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq - 1
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
