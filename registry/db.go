package registry

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
)

// instanceRow is the persisted form of an Instance. Env overrides and the
// source spec are JSON documents so new fields can be added without a schema
// migration; unknown keys are ignored on read.
type instanceRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Path          string `db:"path"`
	SourceJSON    []byte `db:"source"`
	OverridesJSON []byte `db:"env_overrides"`
	LastPID       int    `db:"last_pid"`
	CreatedAt     int64  `db:"created_at"`
	LastStartedAt int64  `db:"last_started_at"`
	LastStoppedAt int64  `db:"last_stopped_at"`
	DeletedAt     int64  `db:"deleted_at"`
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS instances_v1 (
	id TEXT PRIMARY KEY NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	source JSONB NOT NULL,
	env_overrides JSONB NOT NULL,
	last_pid INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_started_at INTEGER NOT NULL DEFAULT 0,
	last_stopped_at INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER NOT NULL DEFAULT 0
);
`

const insertInstanceV1Sql = `
INSERT INTO instances_v1 (id, name, path, source, env_overrides, created_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6);
`

const getInstanceV1Sql = `
SELECT * FROM instances_v1 WHERE id = ?1 AND deleted_at = 0;
`

const listInstancesV1Sql = `
SELECT * FROM instances_v1 WHERE deleted_at = 0 ORDER BY created_at, id;
`

const getInstanceByNameV1Sql = `
SELECT id FROM instances_v1 WHERE name = ?1 AND deleted_at = 0;
`

const updateInstanceV1Sql = `
UPDATE instances_v1 SET name = ?2, path = ?3, source = ?4, env_overrides = ?5
WHERE id = ?1 AND deleted_at = 0;
`

const recordStartedV1Sql = `
UPDATE instances_v1 SET last_pid = ?2, last_started_at = ?3 WHERE id = ?1;
`

const recordStoppedV1Sql = `
UPDATE instances_v1 SET last_pid = 0, last_stopped_at = ?2 WHERE id = ?1;
`

const tombstoneInstanceV1Sql = `
UPDATE instances_v1 SET deleted_at = ?2 WHERE id = ?1 AND deleted_at = 0;
`

// InstanceDBInit creates the registry schema.
func InstanceDBInit(db *sqlx.DB) error {
	_, err := db.Exec(instanceSchema)
	return err
}

// InstanceDBNameTaken reports whether a live instance already uses name.
func InstanceDBNameTaken(db *sqlx.DB, name string) (bool, error) {
	var id string
	err := db.Get(&id, getInstanceByNameV1Sql, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InstanceDBGet fetches a live instance row by ID, or nil when absent.
func InstanceDBGet(db *sqlx.DB, id string) (*instanceRow, error) {
	var row instanceRow
	err := db.Get(&row, getInstanceV1Sql, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InstanceDBList returns all live instance rows in creation order.
func InstanceDBList(db *sqlx.DB) ([]instanceRow, error) {
	var rows []instanceRow
	err := db.Select(&rows, listInstancesV1Sql)
	return rows, err
}

// rowToInstance decodes the JSON columns. Unknown JSON fields are ignored,
// keeping old launchers compatible with records written by newer ones.
func rowToInstance(row *instanceRow) (*Instance, error) {
	inst := &Instance{
		ID:            row.ID,
		Name:          row.Name,
		Path:          row.Path,
		LastPID:       row.LastPID,
		CreatedAt:     row.CreatedAt,
		LastStartedAt: row.LastStartedAt,
		LastStoppedAt: row.LastStoppedAt,
	}
	if len(row.SourceJSON) > 0 {
		if err := json.Unmarshal(row.SourceJSON, &inst.Source); err != nil {
			return nil, err
		}
	}
	if len(row.OverridesJSON) > 0 {
		if err := json.Unmarshal(row.OverridesJSON, &inst.EnvOverrides); err != nil {
			return nil, err
		}
	}
	if inst.EnvOverrides == nil {
		inst.EnvOverrides = make(map[string]string)
	}
	return inst, nil
}

func instanceToJSON(inst *Instance) (source, overrides []byte, err error) {
	source, err = json.Marshal(inst.Source)
	if err != nil {
		return nil, nil, err
	}
	overrides, err = json.Marshal(inst.EnvOverrides)
	if err != nil {
		return nil, nil, err
	}
	return source, overrides, nil
}
