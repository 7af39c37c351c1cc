package store

import (
	"fmt"

	"github.com/matheus3301/hsync/internal/model"
)

// ReplaceThread stores the confirmed messages of a thread view. Local
// (pending or failed) entries are skipped; failed ones live in drafts.
func (db *DB) ReplaceThread(threadKey string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_key = ?`, threadKey); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Pending || m.Failed {
			continue
		}
		_, err := tx.Exec(`
			INSERT INTO messages (thread_key, msg_id, conversation_id, sender_id, content, kind, media_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_key, msg_id) DO UPDATE SET
				content = excluded.content,
				kind = excluded.kind,
				media_ref = excluded.media_ref,
				created_at = excluded.created_at`,
			threadKey, m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Kind), m.MediaRef, millis(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListThread returns the newest limit messages of a thread in chronological order.
func (db *DB) ListThread(threadKey string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, content, kind, media_ref, created_at
		FROM (
			SELECT * FROM messages WHERE thread_key = ?
			ORDER BY created_at DESC, msg_id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, msg_id ASC`, threadKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner, extra ...any) (model.Message, error) {
	var m model.Message
	var kind string
	var created int64
	dest := append([]any{&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &kind, &m.MediaRef, &created}, extra...)
	if err := s.Scan(dest...); err != nil {
		return m, err
	}
	m.Kind = model.MessageKind(kind)
	m.CreatedAt = fromMillis(created)
	return m, nil
}
