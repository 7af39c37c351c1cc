package store

import "github.com/matheus3301/hsync/internal/model"

// RecordCall stores a finished call. Recording the same session twice keeps
// the latest values.
func (db *DB) RecordCall(r *CallRecord) error {
	_, err := db.Exec(`
		INSERT INTO call_log (session_id, peer_id, peer_name, kind, direction, reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			reason = excluded.reason,
			connected_at = excluded.connected_at,
			ended_at = excluded.ended_at`,
		r.SessionID, r.PeerID, r.PeerName, string(r.Kind), r.Direction, r.Reason,
		millis(r.StartedAt), millis(r.ConnectedAt), millis(r.EndedAt))
	return err
}

// ListCalls returns the most recent calls first.
func (db *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT session_id, peer_id, peer_name, kind, direction, reason, started_at, connected_at, ended_at
		FROM call_log
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []CallRecord
	for rows.Next() {
		var r CallRecord
		var kind string
		var started, connected, ended int64
		if err := rows.Scan(&r.SessionID, &r.PeerID, &r.PeerName, &kind, &r.Direction, &r.Reason, &started, &connected, &ended); err != nil {
			return nil, err
		}
		r.Kind = model.CallKind(kind)
		r.StartedAt = fromMillis(started)
		r.ConnectedAt = fromMillis(connected)
		r.EndedAt = fromMillis(ended)
		calls = append(calls, r)
	}
	return calls, rows.Err()
}
