// Package registry is the durable catalog of managed instances. It is the
// single source of truth for declared configuration: every mutation is
// committed to sqlite before the call returns, so a crash never loses an
// acknowledged change. Lifecycle state is deliberately not persisted here;
// it belongs to the supervisor and is re-derived on startup.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/launchpad/launcher"
)

// SourceSpec declares where an instance's application code comes from.
type SourceSpec struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
}

// Instance is one managed installation of the application. Identifiers are
// unique for the lifetime of the registry, even across deletion, so
// historical backups stay addressable.
type Instance struct {
	ID           string
	Name         string
	Path         string
	Source       SourceSpec
	EnvOverrides map[string]string

	// LastPID is the pid recorded at the most recent start. It is a hint
	// for post-restart recovery, never trusted as live state.
	LastPID int

	CreatedAt     int64 // unix seconds
	LastStartedAt int64
	LastStoppedAt int64
}

// BusyFunc reports whether an instance currently has a live process or an
// in-flight transition. The supervisor provides it after construction; until
// then every instance counts as idle.
type BusyFunc func(instanceID string) bool

// Registry manages the instance catalog.
type Registry struct {
	db         *sqlx.DB
	busy       BusyFunc
	envChanged func(instanceID string)
	logger     *slog.Logger
}

// NewRegistry initializes the registry schema on db.
func NewRegistry(db *sqlx.DB, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := InstanceDBInit(db); err != nil {
		return nil, &launcher.StorageError{Op: "registry init", Err: err}
	}
	return &Registry{
		db:     db,
		logger: logger.With("component", "Registry"),
	}, nil
}

// SetBusyCheck wires in the supervisor's view of live instances.
func (r *Registry) SetBusyCheck(busy BusyFunc) {
	r.busy = busy
}

// SetEnvChangedHook registers a callback fired after a committed update
// that changed an instance's path or env overrides. Dependency resolution
// depends on those fields, so stale probe caches hang off this hook.
func (r *Registry) SetEnvChangedHook(fn func(instanceID string)) {
	r.envChanged = fn
}

func (r *Registry) isBusy(id string) bool {
	return r.busy != nil && r.busy(id)
}

// Create registers a new instance. The data directory is created if it does
// not exist yet.
func (r *Registry) Create(name, path string, source SourceSpec) (*Instance, error) {
	if name == "" {
		return nil, &launcher.InvalidPathError{Path: path, Reason: "instance name is empty"}
	}
	if path == "" || !filepath.IsAbs(path) {
		return nil, &launcher.InvalidPathError{Path: path, Reason: "path must be absolute"}
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, &launcher.InvalidPathError{Path: path, Reason: "path exists and is not a directory"}
	}

	taken, err := InstanceDBNameTaken(r.db, name)
	if err != nil {
		return nil, &launcher.StorageError{Op: "create instance", Err: err}
	}
	if taken {
		return nil, &launcher.DuplicateNameError{Name: name}
	}

	inst := &Instance{
		ID:           uuid.New().String(),
		Name:         name,
		Path:         path,
		Source:       source,
		EnvOverrides: make(map[string]string),
		CreatedAt:    time.Now().Unix(),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, &launcher.InvalidPathError{Path: path, Reason: err.Error()}
	}

	sourceJSON, overridesJSON, err := instanceToJSON(inst)
	if err != nil {
		return nil, &launcher.StorageError{Op: "create instance", Err: err}
	}
	_, err = r.db.Exec(insertInstanceV1Sql,
		inst.ID, inst.Name, inst.Path, sourceJSON, overridesJSON, inst.CreatedAt)
	if err != nil {
		return nil, &launcher.StorageError{Op: "create instance", Err: err}
	}

	r.logger.Info("Instance created", "instanceID", inst.ID, "name", name, "path", path)
	return inst, nil
}

// Get returns the instance with the given ID.
func (r *Registry) Get(id string) (*Instance, error) {
	row, err := InstanceDBGet(r.db, id)
	if err != nil {
		return nil, &launcher.StorageError{Op: "get instance", Err: err}
	}
	if row == nil {
		return nil, &launcher.NotFoundError{ID: id}
	}
	return rowToInstance(row)
}

// GetByName returns the live instance with the given display name.
func (r *Registry) GetByName(name string) (*Instance, error) {
	instances, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, &launcher.NotFoundError{ID: name}
}

// List returns all live instances in creation order.
func (r *Registry) List() ([]*Instance, error) {
	rows, err := InstanceDBList(r.db)
	if err != nil {
		return nil, &launcher.StorageError{Op: "list instances", Err: err}
	}
	instances := make([]*Instance, 0, len(rows))
	for i := range rows {
		inst, err := rowToInstance(&rows[i])
		if err != nil {
			return nil, &launcher.StorageError{Op: "list instances", Err: err}
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Update applies mutate to a copy of the instance and persists the result.
// Changing the path or env overrides of an instance the supervisor considers
// busy is rejected: those fields feed directly into a running process.
func (r *Registry) Update(id string, mutate func(*Instance) error) (*Instance, error) {
	inst, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	updated := *inst
	updated.EnvOverrides = make(map[string]string, len(inst.EnvOverrides))
	for k, v := range inst.EnvOverrides {
		updated.EnvOverrides[k] = v
	}
	if err := mutate(&updated); err != nil {
		return nil, err
	}
	updated.ID = inst.ID // the identifier is immutable
	updated.CreatedAt = inst.CreatedAt

	envChanged := supervisedFieldsChanged(inst, &updated)
	if r.isBusy(id) && envChanged {
		return nil, &launcher.InvalidStateError{
			InstanceID: id, State: "running", Op: "edit path or environment of",
		}
	}

	if updated.Name != inst.Name {
		taken, err := InstanceDBNameTaken(r.db, updated.Name)
		if err != nil {
			return nil, &launcher.StorageError{Op: "update instance", Err: err}
		}
		if taken {
			return nil, &launcher.DuplicateNameError{Name: updated.Name}
		}
	}

	sourceJSON, overridesJSON, err := instanceToJSON(&updated)
	if err != nil {
		return nil, &launcher.StorageError{Op: "update instance", Err: err}
	}
	_, err = r.db.Exec(updateInstanceV1Sql,
		updated.ID, updated.Name, updated.Path, sourceJSON, overridesJSON)
	if err != nil {
		return nil, &launcher.StorageError{Op: "update instance", Err: err}
	}

	if envChanged && r.envChanged != nil {
		r.envChanged(id)
	}

	r.logger.Info("Instance updated", "instanceID", id)
	return &updated, nil
}

func supervisedFieldsChanged(old, upd *Instance) bool {
	if old.Path != upd.Path {
		return true
	}
	if len(old.EnvOverrides) != len(upd.EnvOverrides) {
		return true
	}
	for k, v := range old.EnvOverrides {
		if upd.EnvOverrides[k] != v {
			return true
		}
	}
	return false
}

// Delete tombstones an instance. The registry row is kept with a deletion
// timestamp so the ID is never reused. When removeData is set the data
// directory is deleted as well, which is irreversible and logged loudly.
func (r *Registry) Delete(id string, removeData bool) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	if r.isBusy(id) {
		return &launcher.InstanceRunningError{InstanceID: id, Op: "delete"}
	}

	_, err = r.db.Exec(tombstoneInstanceV1Sql, id, time.Now().Unix())
	if err != nil {
		return &launcher.StorageError{Op: "delete instance", Err: err}
	}

	if removeData {
		r.logger.Warn("Removing instance data directory",
			"instanceID", id, "path", inst.Path)
		if err := os.RemoveAll(inst.Path); err != nil {
			return &launcher.StorageError{Op: "remove instance data", Err: err}
		}
	}

	r.logger.Info("Instance deleted", "instanceID", id, "removedData", removeData)
	return nil
}

// RecordStarted persists the pid of a freshly spawned process.
func (r *Registry) RecordStarted(id string, pid int) error {
	_, err := r.db.Exec(recordStartedV1Sql, id, pid, time.Now().Unix())
	if err != nil {
		return &launcher.StorageError{Op: "record start", Err: err}
	}
	return nil
}

// RecordStopped clears the recorded pid after the process exits.
func (r *Registry) RecordStopped(id string) error {
	_, err := r.db.Exec(recordStoppedV1Sql, id, time.Now().Unix())
	if err != nil {
		return &launcher.StorageError{Op: "record stop", Err: err}
	}
	return nil
}
