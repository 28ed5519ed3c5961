// Package events implements the typed event stream consumed by front ends
// (GUI or CLI). Components publish events; subscribers receive copies over
// buffered channels and never hold a mutable view of launcher state.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of an Event.
type Type string

const (
	StateChanged      Type = "stateChanged"
	LogAppended       Type = "logAppended"
	DependencyUpdated Type = "dependencyUpdated"
	BackupCompleted   Type = "backupCompleted"
	RestoreCompleted  Type = "restoreCompleted"
	ErrorOccurred     Type = "error"
)

// Event is a single notification on the bus. Data holds one of the payload
// types below, depending on Type.
type Event struct {
	Type       Type      `json:"type"`
	InstanceID string    `json:"instanceId"`
	Time       time.Time `json:"time"`
	Data       any       `json:"data,omitempty"`
}

// StateChange is the payload for StateChanged events.
type StateChange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

// LogLine is the payload for LogAppended events.
type LogLine struct {
	Seq    int64  `json:"seq"`
	Source string `json:"source"`
	Line   string `json:"line"`
}

// DependencyStatus is the payload for DependencyUpdated events, one per
// probed dependency.
type DependencyStatus struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Present  bool   `json:"present"`
	Version  string `json:"version,omitempty"`
}

// ArchiveInfo is the payload for BackupCompleted and RestoreCompleted.
type ArchiveInfo struct {
	ArchiveID string `json:"archiveId"`
	Path      string `json:"path"`
	Files     int    `json:"files"`
}

// ErrorInfo is the payload for ErrorOccurred events.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Subscription is a live feed of events. Cancel must be called when the
// subscriber is done; C is closed afterwards.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription from the bus and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event, which keeps a stalled consumer from
// backing up the supervisor.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	logger *slog.Logger
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]bool),
		logger: logger.With("component", "EventBus"),
	}
}

// Subscribe registers a new subscriber with the given channel buffer size.
// A buffer of 0 is bumped to a sane default.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(ch)
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber. Slow subscribers are skipped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("Dropping event for slow subscriber",
				"type", ev.Type, "instanceID", ev.InstanceID)
		}
	}
}

// PublishError translates err into an ErrorOccurred event for instanceID.
// kind should come from launcher.KindOf.
func (b *Bus) PublishError(instanceID, kind string, err error) {
	b.Publish(Event{
		Type:       ErrorOccurred,
		InstanceID: instanceID,
		Data:       ErrorInfo{Kind: kind, Message: err.Error()},
	})
}
