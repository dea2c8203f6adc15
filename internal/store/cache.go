package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveConversations replaces userID's cached conversation list with raws, in
// order. Other users' rows are untouched.
func (db *DB) SaveConversations(userID string, raws []json.RawMessage, ids []string) error {
	if userID == "" {
		return errors.New("save conversations: empty user id")
	}
	if len(raws) != len(ids) {
		return fmt.Errorf("save conversations: %d payloads for %d ids", len(raws), len(ids))
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversation_cache WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	now := time.Now().UnixMilli()
	for i, raw := range raws {
		if _, err := tx.Exec(`
			INSERT INTO conversation_cache (user_id, id, position, raw, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, id) DO UPDATE SET position = excluded.position, raw = excluded.raw, updated_at = excluded.updated_at`,
			userID, ids[i], i, string(raw), now); err != nil {
			return fmt.Errorf("cache %s: %w", ids[i], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache: %w", err)
	}
	return nil
}

// LoadConversations returns userID's cached list in the order it was saved.
func (db *DB) LoadConversations(userID string) ([]CachedConversation, error) {
	rows, err := db.Query(`SELECT id, raw, updated_at FROM conversation_cache WHERE user_id = ? ORDER BY position ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CachedConversation
	for rows.Next() {
		var (
			c   CachedConversation
			raw string
			ts  int64
		)
		if err := rows.Scan(&c.ID, &raw, &ts); err != nil {
			return nil, err
		}
		c.Raw = []byte(raw)
		c.UpdatedAt = time.UnixMilli(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearConversations drops userID's cached list.
func (db *DB) ClearConversations(userID string) error {
	_, err := db.Exec(`DELETE FROM conversation_cache WHERE user_id = ?`, userID)
	return err
}
