package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// ReplaceConversations stores a conversation-list snapshot. Conversations
// missing from the snapshot are removed together with their messages.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS keep_keys (thread_key TEXT PRIMARY KEY)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM keep_keys`); err != nil {
		return err
	}
	for _, c := range convs {
		key := c.ThreadKey()
		_, err := tx.Exec(`
			INSERT INTO conversations (thread_key, conversation_id, peer_id, peer_name, peer_picture, last_message_preview, last_message_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_key) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				peer_id = excluded.peer_id,
				peer_name = excluded.peer_name,
				peer_picture = excluded.peer_picture,
				last_message_preview = excluded.last_message_preview,
				last_message_at = excluded.last_message_at,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			key, c.ID, c.PeerID, c.PeerName, c.PeerPicture, c.LastMessagePreview, millis(c.LastMessageAt), c.UnreadCount, now)
		if err != nil {
			return fmt.Errorf("upsert conversation %s: %w", key, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO keep_keys (thread_key) VALUES (?)`, key); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_key NOT IN (SELECT thread_key FROM keep_keys)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE thread_key NOT IN (SELECT thread_key FROM keep_keys)`); err != nil {
		return err
	}
	return tx.Commit()
}

// ListConversations returns cached conversations, newest first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT conversation_id, peer_id, peer_name, peer_picture, last_message_preview, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var lastAt int64
		if err := rows.Scan(&c.ID, &c.PeerID, &c.PeerName, &c.PeerPicture, &c.LastMessagePreview, &lastAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromMillis(lastAt)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
