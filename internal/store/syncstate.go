package store

import (
	"database/sql"
	"strconv"
	"time"
)

const checkpointPrefix = "last_sync."

// SetCheckpoint records the last successful poll of a task.
func (db *DB) SetCheckpoint(task string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		checkpointPrefix+task, strconv.FormatInt(at.UnixMilli(), 10), time.Now().UnixMilli())
	return err
}

// Checkpoint returns the last successful poll of a task, zero when none.
func (db *DB) Checkpoint(task string) (time.Time, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, checkpointPrefix+task).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}
