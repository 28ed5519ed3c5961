package backup

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/launchpad/launcher"
)

type archiveRow struct {
	ID         string    `db:"id"`
	InstanceID string    `db:"instance_id"`
	Path       string    `db:"path"`
	SizeBytes  int64     `db:"size_bytes"`
	FileCount  int       `db:"file_count"`
	CreatedAt  time.Time `db:"created_at"`
}

const backupSchemaV1 = `
CREATE TABLE IF NOT EXISTS backups_v1 (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	file_count INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS backups_v1_instance ON backups_v1 (instance_id, created_at);
`

const insertBackupV1 = `
INSERT INTO backups_v1 (id, instance_id, path, size_bytes, file_count, created_at)
VALUES (:id, :instance_id, :path, :size_bytes, :file_count, :created_at);
`

const getBackupV1 = `
SELECT id, instance_id, path, size_bytes, file_count, created_at
FROM backups_v1 WHERE id = $1;
`

const listBackupsV1 = `
SELECT id, instance_id, path, size_bytes, file_count, created_at
FROM backups_v1 WHERE instance_id = $1 ORDER BY created_at DESC, id;
`

// BackupDBInit creates the backup index tables if they do not exist.
func BackupDBInit(db *sqlx.DB) error {
	if _, err := db.Exec(backupSchemaV1); err != nil {
		return &launcher.StorageError{Op: "init backups schema", Err: err}
	}
	return nil
}

func backupDBInsert(db *sqlx.DB, row archiveRow) error {
	if _, err := db.NamedExec(insertBackupV1, row); err != nil {
		return &launcher.StorageError{Op: "insert backup", Err: err}
	}
	return nil
}

func backupDBGet(db *sqlx.DB, id string) (archiveRow, error) {
	var row archiveRow
	err := db.Get(&row, getBackupV1, id)
	if err == sql.ErrNoRows {
		return archiveRow{}, &launcher.NotFoundError{ID: id}
	}
	if err != nil {
		return archiveRow{}, &launcher.StorageError{Op: "get backup", Err: err}
	}
	return row, nil
}

func backupDBList(db *sqlx.DB, instanceID string) ([]archiveRow, error) {
	rows := []archiveRow{}
	if err := db.Select(&rows, listBackupsV1, instanceID); err != nil {
		return nil, &launcher.StorageError{Op: "list backups", Err: err}
	}
	return rows, nil
}
