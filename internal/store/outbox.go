package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrOutboxNotFound is returned when no ledger row has the client id.
var ErrOutboxNotFound = errors.New("outbox entry not found")

// QueueOutbox records a new pending send.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	attachments, err := json.Marshal(nonNil(e.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, sender_id, recipient_id, message_type, body, attachments, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 1, ?, ?)`,
		e.ClientMsgID, e.ConversationID, e.SenderID, e.RecipientID, e.MessageType, e.Body, string(attachments), now, now)
	if err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	return nil
}

// MarkOutboxSent updates an entry to sent with the server message id.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string, attachmentIDs []string) error {
	attachments, err := json.Marshal(nonNil(attachmentIDs))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	now := time.Now().UnixMilli()
	return db.updateOutbox(`UPDATE outbox SET status = 'sent', server_msg_id = ?, attachments = ?, error_message = '', updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, string(attachments), now, clientMsgID)
}

// MarkOutboxFailed updates an entry to failed with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	return db.updateOutbox(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, now, clientMsgID)
}

// RetryOutbox puts a failed entry back to pending and counts the attempt.
func (db *DB) RetryOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	return db.updateOutbox(`UPDATE outbox SET status = 'pending', error_message = '', attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ? AND status = 'failed'`,
		now, clientMsgID)
}

// DeleteOutbox removes an entry.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	return db.updateOutbox(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
}

// GetOutbox returns the entry for clientMsgID.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(outboxSelect+` WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutboxNotFound
	}
	return e, err
}

// ListOutbox returns entries with the given status, oldest first. An empty
// status lists everything.
func (db *DB) ListOutbox(status string) ([]OutboxEntry, error) {
	query := outboxSelect + ` ORDER BY created_at ASC, id ASC`
	args := []any{}
	if status != "" {
		query = outboxSelect + ` WHERE status = ? ORDER BY created_at ASC, id ASC`
		args = append(args, status)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// FailAbandonedOutbox marks every pending entry failed. A pending row at
// startup belongs to a send that died with the previous process.
func (db *DB) FailAbandonedOutbox(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE status = 'pending'`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const outboxSelect = `
	SELECT id, client_msg_id, conversation_id, sender_id, recipient_id, message_type, body, attachments,
		status, error_message, server_msg_id, attempts, created_at, updated_at
	FROM outbox`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (*OutboxEntry, error) {
	var (
		e                    OutboxEntry
		attachments          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.SenderID, &e.RecipientID, &e.MessageType, &e.Body,
		&attachments, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &e.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", e.ClientMsgID, err)
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return &e, nil
}

func (db *DB) updateOutbox(query string, args ...any) error {
	res, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
