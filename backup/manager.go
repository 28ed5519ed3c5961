package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/launchpad/events"
	"github.com/openclaw/launchpad/launcher"
	"github.com/openclaw/launchpad/registry"
)

// Archive is the public record of one backup in the index.
type Archive struct {
	ID         string
	InstanceID string
	Path       string
	SizeBytes  int64
	FileCount  int
	CreatedAt  time.Time
}

// BusyFunc reports whether an instance currently has a live or transitioning
// process. Backup and restore both refuse to touch a busy instance.
type BusyFunc func(instanceID string) bool

// Manager creates and restores instance data archives and keeps the sqlite
// index of known archives.
type Manager struct {
	db     *sqlx.DB
	reg    *registry.Registry
	busy   BusyFunc
	dir    string
	bus    *events.Bus
	logger *slog.Logger
}

func NewManager(db *sqlx.DB, reg *registry.Registry, busy BusyFunc, dir string, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if err := BackupDBInit(db); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &launcher.StorageError{Op: "create backups dir", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		reg:    reg,
		busy:   busy,
		dir:    dir,
		bus:    bus,
		logger: logger.With("component", "BackupManager"),
	}, nil
}

// Backup archives the instance's data directory into a new zip file and
// records it in the index. The instance must not be running; a snapshot of
// live data could tear mid-write.
func (m *Manager) Backup(ctx context.Context, instanceID string) (Archive, error) {
	inst, err := m.reg.Get(instanceID)
	if err != nil {
		return Archive{}, err
	}
	if m.busy != nil && m.busy(instanceID) {
		return Archive{}, &launcher.InstanceRunningError{InstanceID: instanceID, Op: "backup"}
	}

	entries, err := buildManifest(inst.Path)
	if err != nil {
		return Archive{}, &launcher.StorageError{Op: "scan instance data", Err: err}
	}

	archiveID := uuid.New().String()
	createdAt := time.Now().UTC()
	manifest := Manifest{
		ArchiveID:  archiveID,
		InstanceID: instanceID,
		CreatedAt:  createdAt,
		Entries:    entries,
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%s-%s-%s.zip",
		inst.Name, createdAt.Format("20060102-150405"), archiveID[:8]))

	if err := writeArchive(ctx, path, inst.Path, manifest); err != nil {
		os.Remove(path)
		return Archive{}, &launcher.StorageError{Op: "write archive", Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		os.Remove(path)
		return Archive{}, &launcher.StorageError{Op: "stat archive", Err: err}
	}

	row := archiveRow{
		ID:         archiveID,
		InstanceID: instanceID,
		Path:       path,
		SizeBytes:  info.Size(),
		FileCount:  len(entries),
		CreatedAt:  createdAt,
	}
	if err := backupDBInsert(m.db, row); err != nil {
		os.Remove(path)
		return Archive{}, err
	}

	m.logger.Info("Backup created", "instanceId", instanceID, "archiveId", archiveID, "files", len(entries), "bytes", info.Size())
	m.bus.Publish(events.Event{
		Type:       events.BackupCompleted,
		InstanceID: instanceID,
		Data:       events.ArchiveInfo{ArchiveID: archiveID, Path: path, Files: len(entries)},
	})
	return rowToArchive(row), nil
}

// Restore replaces an instance's data directory with the contents of the
// named archive. Archives are self-contained, so targetInstanceID may name
// any instance, including one created after the backup; empty means the
// instance the archive was taken from. Every entry's checksum is verified
// before any byte is written anywhere; the tree is then extracted into a
// staging directory and the live directory only touched once the staged
// tree is complete, so a failed restore leaves the instance as it was.
func (m *Manager) Restore(ctx context.Context, archiveID, targetInstanceID string) error {
	row, err := backupDBGet(m.db, archiveID)
	if err != nil {
		return err
	}
	if targetInstanceID == "" {
		targetInstanceID = row.InstanceID
	}
	inst, err := m.reg.Get(targetInstanceID)
	if err != nil {
		return err
	}
	if m.busy != nil && m.busy(inst.ID) {
		return &launcher.InstanceRunningError{InstanceID: inst.ID, Op: "restore"}
	}

	manifest, err := readManifest(row.Path)
	if err != nil {
		return &launcher.StorageError{Op: "read archive manifest", Err: err}
	}
	if manifest.ArchiveID != archiveID {
		return &launcher.StorageError{Op: "read archive manifest",
			Err: fmt.Errorf("archive %s carries manifest for %s", archiveID, manifest.ArchiveID)}
	}

	staging := inst.Path + ".restore-" + archiveID[:8]
	if err := os.MkdirAll(staging, 0755); err != nil {
		return &launcher.StorageError{Op: "create staging dir", Err: err}
	}
	if err := extractArchive(ctx, row.Path, staging, manifest); err != nil {
		os.RemoveAll(staging)
		return &launcher.StorageError{Op: "extract archive", Err: err}
	}

	// Swap the staged tree in. The old tree is renamed aside first so an
	// interrupted swap never leaves a half-written live directory.
	old := inst.Path + ".old-" + archiveID[:8]
	if err := os.Rename(inst.Path, old); err != nil {
		os.RemoveAll(staging)
		return &launcher.StorageError{Op: "move old data aside", Err: err}
	}
	if err := os.Rename(staging, inst.Path); err != nil {
		// Put the original tree back before reporting.
		if rerr := os.Rename(old, inst.Path); rerr != nil {
			m.logger.Error("Failed to roll back restore swap", "instanceId", inst.ID, "error", rerr)
		}
		os.RemoveAll(staging)
		return &launcher.StorageError{Op: "swap restored data", Err: err}
	}
	if err := os.RemoveAll(old); err != nil {
		m.logger.Warn("Failed to remove pre-restore data", "instanceId", inst.ID, "path", old, "error", err)
	}

	m.logger.Info("Restore completed", "instanceId", inst.ID, "archiveId", archiveID, "files", len(manifest.Entries))
	m.bus.Publish(events.Event{
		Type:       events.RestoreCompleted,
		InstanceID: inst.ID,
		Data:       events.ArchiveInfo{ArchiveID: archiveID, Path: row.Path, Files: len(manifest.Entries)},
	})
	return nil
}

// Get returns one archive record by ID.
func (m *Manager) Get(archiveID string) (Archive, error) {
	row, err := backupDBGet(m.db, archiveID)
	if err != nil {
		return Archive{}, err
	}
	return rowToArchive(row), nil
}

// List returns the instance's archives, newest first.
func (m *Manager) List(instanceID string) ([]Archive, error) {
	rows, err := backupDBList(m.db, instanceID)
	if err != nil {
		return nil, err
	}
	archives := make([]Archive, 0, len(rows))
	for _, row := range rows {
		archives = append(archives, rowToArchive(row))
	}
	return archives, nil
}

func rowToArchive(row archiveRow) Archive {
	return Archive{
		ID:         row.ID,
		InstanceID: row.InstanceID,
		Path:       row.Path,
		SizeBytes:  row.SizeBytes,
		FileCount:  row.FileCount,
		CreatedAt:  row.CreatedAt,
	}
}
