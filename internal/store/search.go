package store

import (
	"strings"
	"unicode/utf8"
)

const snippetRadius = 32

// SearchMessages performs a case-insensitive substring search on cached
// message content, newest first. An empty threadKey searches all threads.
func (db *DB) SearchMessages(query string, threadKey string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT msg_id, conversation_id, sender_id, content, kind, media_ref, created_at, thread_key
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`

	args := []any{"%" + escapeLike(query) + "%"}
	if threadKey != "" {
		q += " AND thread_key = ?"
		args = append(args, threadKey)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m, err := scanMessage(rows, &r.ThreadKey)
		if err != nil {
			return nil, err
		}
		r.Message = m
		r.Snippet = snippet(m.Content, query)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match of query in content with << >>.
func snippet(content, query string) string {
	lower := strings.ToLower(content)
	if len(lower) != len(content) {
		return content
	}
	i := strings.Index(lower, strings.ToLower(query))
	if i < 0 {
		return content
	}
	start := max(0, i-snippetRadius)
	end := min(len(content), i+len(query)+snippetRadius)
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:i])
	b.WriteString("<<")
	b.WriteString(content[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(content[i+len(query) : end])
	if end < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
