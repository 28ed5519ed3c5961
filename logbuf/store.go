package logbuf

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openclaw/launchpad/events"
)

// maxLineBytes bounds a single captured log line. Longer lines are split by
// the scanner's buffer limit rather than killing the capture.
const maxLineBytes = 1024 * 1024

// Subscription is a live feed of records for one instance, starting at the
// subscription point. Cancel closes C.
type Subscription struct {
	C      <-chan Record
	ch     chan Record
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Store owns the log pipeline for one instance: the in-memory ring, the
// durable file, and the live subscribers. The capture goroutines are the
// only writers; readers get copies.
type Store struct {
	instanceID string
	ring       *Ring
	writer     *fileWriter
	raw        *rawTracker
	bus        *events.Bus
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]bool
}

// Append records one line: into the ring, onto disk, and out to subscribers
// and the event bus. A disk write failure is logged but does not drop the
// in-memory record.
func (s *Store) Append(source Source, line string) Record {
	rec := s.ring.Append(source, line)

	if err := s.writer.append(rec); err != nil {
		s.logger.Error("Failed to append log record to disk",
			"instanceID", s.instanceID, "error", err)
	}

	s.mu.Lock()
	for sub := range s.subs {
		select {
		case sub.ch <- rec:
		default:
			// Slow subscriber: it can refetch via History.
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.LogAppended,
			InstanceID: s.instanceID,
			Data: events.LogLine{
				Seq:    rec.Seq,
				Source: string(rec.Source),
				Line:   rec.Line,
			},
		})
	}
	return rec
}

// Subscribe returns a live feed starting at the current position.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Record, buffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(ch)
	}

	s.mu.Lock()
	s.subs[sub] = true
	s.mu.Unlock()
	return sub
}

// History returns up to limit records with Seq > fromSeq. Requests the ring
// can satisfy are served from memory; older ranges fall back to the on-disk
// files, including rotated ones.
func (s *Store) History(fromSeq int64, limit int) ([]Record, error) {
	oldest := s.ring.OldestSeq()
	if oldest != 0 && fromSeq+1 >= oldest {
		return s.ring.Since(fromSeq, limit), nil
	}

	var out []Record
	var err error
	for _, path := range s.writer.allFiles() {
		out, err = readRecords(path, fromSeq, limit, out)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Latest returns the most recent count records from the ring.
func (s *Store) Latest(count int) []Record {
	return s.ring.Latest(count)
}

// Tail returns the most recent count records across the instance's full
// history. The ring only caches records appended during this launcher run,
// so when it cannot supply count records on its own the tail is assembled
// from the on-disk files instead.
func (s *Store) Tail(count int) ([]Record, error) {
	if count <= 0 {
		return nil, nil
	}
	if s.ring.Len() >= count || s.ring.OldestSeq() == 1 {
		return s.ring.Latest(count), nil
	}
	all, err := s.History(0, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > count {
		all = all[len(all)-count:]
	}
	return all, nil
}

// LatestSeq returns the most recent sequence number.
func (s *Store) LatestSeq() int64 {
	return s.ring.LatestSeq()
}

// RawFiles opens the instance's raw stream files for handing to a child
// process as its stdout and stderr. The descriptors are plain append-mode
// files, so the child keeps valid output streams even after the launcher
// process that spawned it exits.
func (s *Store) RawFiles() (stdout, stderr *os.File, err error) {
	stdout, err = s.raw.openForChild(SourceStdout)
	if err != nil {
		return nil, nil, err
	}
	stderr, err = s.raw.openForChild(SourceStderr)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// SyncRaw folds output accumulated in the raw stream files into the log.
// flushPartial also folds a trailing line without a newline; pass it only
// once the writer is known to be done.
func (s *Store) SyncRaw(flushPartial bool) error {
	return s.raw.sync(flushPartial, func(source Source, line string) {
		s.Append(source, line)
	})
}

// TailRaw follows the raw stream files until stop is closed, folding new
// lines into the log as they appear, then makes a final flushing pass. The
// caller closes stop after the writing process has exited, so the final
// pass observes everything the child wrote.
func (s *Store) TailRaw(stop <-chan struct{}) {
	ticker := time.NewTicker(rawPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SyncRaw(false); err != nil {
				s.logger.Warn("Failed to sync raw stream files",
					"instanceID", s.instanceID, "error", err)
			}
		case <-stop:
			if err := s.SyncRaw(true); err != nil {
				s.logger.Warn("Failed to sync raw stream files",
					"instanceID", s.instanceID, "error", err)
			}
			return
		}
	}
}

// Capture consumes r line by line, tagging each record with source, until r
// is exhausted. onClose is invoked with the scanner error (nil on clean EOF),
// so a caller streaming a command's pipes can treat the close as the end of
// that command's output.
func (s *Store) Capture(r io.Reader, source Source, onClose func(error)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.Append(source, scanner.Text())
	}
	err := scanner.Err()
	if err != nil {
		s.logger.Warn("Log stream closed with error",
			"instanceID", s.instanceID, "source", source, "error", err)
	}
	if onClose != nil {
		onClose(err)
	}
}

// Close stops the store's file writer and cancels all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	return s.writer.close()
}
