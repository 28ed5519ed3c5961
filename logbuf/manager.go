package logbuf

import (
	"log/slog"
	"sync"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/launcher"
)

// Manager hands out one Store per instance. Stores live for the lifetime of
// the manager, not of the process, so log history survives restarts of the
// managed instance.
type Manager struct {
	dir      string
	capacity int
	maxBytes int64
	bus      *events.Bus
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// Config holds Manager options.
type Config struct {
	// Dir is the directory holding per-instance log files.
	Dir string
	// RingCapacity is the in-memory ring size per instance.
	RingCapacity int
	// RotateBytes is the on-disk rotation threshold.
	RotateBytes int64
	Bus         *events.Bus
	Logger      *slog.Logger
}

// NewManager creates a log manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	return &Manager{
		dir:      cfg.Dir,
		capacity: capacity,
		maxBytes: cfg.RotateBytes,
		bus:      cfg.Bus,
		logger:   logger.With("component", "LogManager"),
		stores:   make(map[string]*Store),
	}
}

// Open returns the store for instanceID, creating it on first use.
func (m *Manager) Open(instanceID string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if store, ok := m.stores[instanceID]; ok {
		return store, nil
	}

	writer, err := newFileWriter(m.dir, instanceID, m.maxBytes)
	if err != nil {
		return nil, &launcher.StorageError{Op: "open instance log", Err: err}
	}
	store := &Store{
		instanceID: instanceID,
		ring:       NewRingFrom(m.capacity, writer.lastSeq()),
		writer:     writer,
		raw:        newRawTracker(m.dir, instanceID),
		bus:        m.bus,
		logger:     m.logger,
		subs:       make(map[*Subscription]bool),
	}
	// The child writes its stream files whether or not a launcher is
	// running; fold anything that accumulated since the last sync.
	if err := store.SyncRaw(false); err != nil {
		m.logger.Warn("Failed to import accumulated instance output",
			"instanceID", instanceID, "error", err)
	}
	m.stores[instanceID] = store
	return store, nil
}

// Close shuts down every store.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, store := range m.stores {
		if err := store.Close(); err != nil {
			m.logger.Error("Failed to close log store", "instanceID", id, "error", err)
		}
	}
	m.stores = make(map[string]*Store)
}
