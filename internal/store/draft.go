package store

import "github.com/matheus3301/hsync/internal/model"

// SaveDraft inserts or replaces a failed message.
func (db *DB) SaveDraft(d *Draft) error {
	_, err := db.Exec(`
		INSERT INTO drafts (temp_id, thread_key, conversation_id, peer_id, sender_id, content, kind, media_ref, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			thread_key = excluded.thread_key,
			conversation_id = excluded.conversation_id,
			error_message = excluded.error_message`,
		d.TempID, d.ThreadKey, d.ConversationID, d.PeerID, d.SenderID, d.Content, string(d.Kind), d.MediaRef, d.ErrorMessage, millis(d.CreatedAt))
	return err
}

// DeleteDraft removes a draft. Deleting a missing draft is not an error.
func (db *DB) DeleteDraft(tempID string) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE temp_id = ?`, tempID)
	return err
}

// ListDrafts returns all drafts, oldest first.
func (db *DB) ListDrafts() ([]*Draft, error) {
	rows, err := db.Query(`
		SELECT temp_id, thread_key, conversation_id, peer_id, sender_id, content, kind, media_ref, error_message, created_at
		FROM drafts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var drafts []*Draft
	for rows.Next() {
		var d Draft
		var kind string
		var created int64
		if err := rows.Scan(&d.TempID, &d.ThreadKey, &d.ConversationID, &d.PeerID, &d.SenderID, &d.Content, &kind, &d.MediaRef, &d.ErrorMessage, &created); err != nil {
			return nil, err
		}
		d.Kind = model.MessageKind(kind)
		d.CreatedAt = fromMillis(created)
		drafts = append(drafts, &d)
	}
	return drafts, rows.Err()
}
