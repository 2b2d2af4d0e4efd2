package store

import (
	"encoding/json"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, content, content_type, status, edited, edited_at, deleted, reply_to, attachments, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			client_id = excluded.client_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			status = excluded.status,
			edited = excluded.edited,
			edited_at = excluded.edited_at,
			deleted = excluded.deleted,
			attachments = excluded.attachments`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.Content, m.ContentType, m.Status,
		m.Edited, m.EditedAt, m.Deleted, m.ReplyTo, string(attachments), m.Timestamp, now)
	return err
}

// ResolveMessageID replaces a temporary message id with the server-assigned
// one in place. Returns false if no row carried the temporary id.
func (db *DB) ResolveMessageID(conversationID, tempID string, confirmed *Message) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages
		SET msg_id = ?, client_id = ?, sender_id = ?, content = ?, status = ?, timestamp = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		confirmed.ID, tempID, confirmed.SenderID, confirmed.Content, confirmed.Status,
		confirmed.Timestamp, conversationID, tempID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkMessageStatus updates the delivery status of a message.
func (db *DB) MarkMessageStatus(conversationID, msgID string, status MessageStatus) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// MarkMessageDeleted tombstones a message, clearing its content.
func (db *DB) MarkMessageDeleted(conversationID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1, content = '' WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, client_id, sender_id, content, content_type, status, edited, edited_at, deleted, reply_to, attachments, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var attachments string
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.Content, &m.ContentType,
			&m.Status, &m.Edited, &m.EditedAt, &m.Deleted, &m.ReplyTo, &attachments, &m.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
