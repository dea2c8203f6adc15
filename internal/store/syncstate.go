package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetSyncState upserts a checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// SyncState returns a checkpoint value. ok is false when the key was never set.
func (db *DB) SyncState(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteSyncState removes a checkpoint. Missing keys are not an error.
func (db *DB) DeleteSyncState(key string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, key)
	return err
}
