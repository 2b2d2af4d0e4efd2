package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates a conversation record. last_activity
// only moves forward so out-of-order writes cannot rewind it.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, conv_type, title, participants, last_activity, last_message_id, last_message_preview, unread_count, archived, pinned, muted, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conv_type = excluded.conv_type,
			title = excluded.title,
			participants = excluded.participants,
			last_activity = MAX(conversations.last_activity, excluded.last_activity),
			last_message_id = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_id ELSE conversations.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_activity >= conversations.last_activity THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			pinned = excluded.pinned,
			muted = excluded.muted,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, c.Title, string(participants), c.LastActivity, c.LastMessageID, c.LastMessagePreview,
		c.UnreadCount, c.Archived, c.Pinned, c.Muted, c.Encrypted, now)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conv_type, title, participants, last_activity, last_message_id, last_message_preview, unread_count, archived, pinned, muted, encrypted
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, conv_type, title, participants, last_activity, last_message_id, last_message_preview, unread_count, archived, pinned, muted, encrypted
		FROM conversations
		WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetUnreadCount overwrites the local unread count for a conversation.
func (db *DB) SetUnreadCount(id string, count int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`, count, now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := row.Scan(&c.ID, &c.Type, &c.Title, &participants, &c.LastActivity, &c.LastMessageID,
		&c.LastMessagePreview, &c.UnreadCount, &c.Archived, &c.Pinned, &c.Muted, &c.Encrypted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}
