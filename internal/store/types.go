package store

import (
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// Draft is a message whose submission failed.
type Draft struct {
	TempID         string
	ThreadKey      string
	ConversationID string
	PeerID         string
	SenderID       string
	Content        string
	Kind           model.MessageKind
	MediaRef       string
	ErrorMessage   string
	CreatedAt      time.Time
}

// DraftFromMessage builds a draft for a failed local entry.
func DraftFromMessage(m model.Message, threadKey, peerID, errMsg string) *Draft {
	return &Draft{
		TempID:         m.ID,
		ThreadKey:      threadKey,
		ConversationID: m.ConversationID,
		PeerID:         peerID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		MediaRef:       m.MediaRef,
		ErrorMessage:   errMsg,
		CreatedAt:      m.CreatedAt,
	}
}

// Message returns the failed thread entry the draft stands for.
func (d *Draft) Message() model.Message {
	return model.Message{
		ID:             d.TempID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Kind:           d.Kind,
		MediaRef:       d.MediaRef,
		CreatedAt:      d.CreatedAt,
		Failed:         true,
	}
}

// CallRecord is a finished call.
type CallRecord struct {
	SessionID   string
	PeerID      string
	PeerName    string
	Kind        model.CallKind
	Direction   string
	Reason      string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Duration returns how long the call was connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	ThreadKey string
	Message   model.Message
	Snippet   string
}
