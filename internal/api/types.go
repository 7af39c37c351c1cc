package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/store"
)

// StatusReply describes the daemon and its engine.
type StatusReply struct {
	Profile      string              `json:"profile"`
	State        string              `json:"state"`
	Since        time.Time           `json:"since"`
	UptimeMs     int64               `json:"uptime_ms"`
	Tasks        []string            `json:"tasks"`
	ActiveThread *model.Conversation `json:"active_thread,omitempty"`
	Call         *call.Session       `json:"call,omitempty"`
	TotalUnread  int                 `json:"total_unread"`
	Failed       int                 `json:"failed"`
}

// ConversationsReply is the aggregated conversation list.
type ConversationsReply struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
}

// ConversationRef names a conversation by server id or by peer.
type ConversationRef struct {
	ConversationID string `json:"conversation_id,omitempty"`
	PeerID         string `json:"peer_id,omitempty"`
}

func (r ConversationRef) conversation() model.Conversation {
	return model.Conversation{ID: r.ConversationID, PeerID: r.PeerID}
}

// ThreadRequest selects a thread. An empty ThreadKey means the open thread.
type ThreadRequest struct {
	ThreadKey string `json:"thread_key,omitempty"`
}

// ThreadReply is a reconciled thread view.
type ThreadReply struct {
	Conversation *model.Conversation `json:"conversation,omitempty"`
	ThreadKey    string              `json:"thread_key"`
	Messages     []model.Message     `json:"messages"`
}

// SendRequest submits a message.
type SendRequest struct {
	ConversationRef
	Content  string            `json:"content"`
	Kind     model.MessageKind `json:"kind,omitempty"`
	MediaRef string            `json:"media_ref,omitempty"`
}

// RetryRequest resubmits a failed message.
type RetryRequest struct {
	ID string `json:"id"`
}

// MessageReply carries the local entry of a send. Error is set when the
// submission failed and the entry was flagged.
type MessageReply struct {
	Message model.Message `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// PlaceCallRequest starts an outgoing call.
type PlaceCallRequest struct {
	PeerID      string         `json:"peer_id"`
	PeerName    string         `json:"peer_name,omitempty"`
	PeerPicture string         `json:"peer_picture,omitempty"`
	Kind        model.CallKind `json:"kind,omitempty"`
}

// CallReply is the call session after an action. SignalError is set when the
// local transition happened but the peer could not be signalled.
type CallReply struct {
	Session     *call.Session `json:"session,omitempty"`
	SignalError string        `json:"signal_error,omitempty"`
}

// LimitRequest bounds list replies.
type LimitRequest struct {
	Limit int `json:"limit,omitempty"`
}

// CallLogEntry is a finished call.
type CallLogEntry struct {
	SessionID   string         `json:"session_id"`
	PeerID      string         `json:"peer_id"`
	PeerName    string         `json:"peer_name,omitempty"`
	Kind        model.CallKind `json:"kind"`
	Direction   string         `json:"direction"`
	Reason      string         `json:"reason"`
	StartedAt   time.Time      `json:"started_at"`
	ConnectedAt time.Time      `json:"connected_at"`
	EndedAt     time.Time      `json:"ended_at"`
	DurationMs  int64          `json:"duration_ms"`
}

func callLogEntry(r store.CallRecord) CallLogEntry {
	return CallLogEntry{
		SessionID:   r.SessionID,
		PeerID:      r.PeerID,
		PeerName:    r.PeerName,
		Kind:        r.Kind,
		Direction:   r.Direction,
		Reason:      r.Reason,
		StartedAt:   r.StartedAt,
		ConnectedAt: r.ConnectedAt,
		EndedAt:     r.EndedAt,
		DurationMs:  r.Duration().Milliseconds(),
	}
}

// CallsReply is the call log, newest first.
type CallsReply struct {
	Calls []CallLogEntry `json:"calls"`
}

// SearchRequest searches cached messages.
type SearchRequest struct {
	Query     string `json:"query"`
	ThreadKey string `json:"thread_key,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SearchHit is one matching message.
type SearchHit struct {
	ThreadKey string        `json:"thread_key"`
	Message   model.Message `json:"message"`
	Snippet   string        `json:"snippet"`
}

// SearchReply lists matches, newest first.
type SearchReply struct {
	Results []SearchHit `json:"results"`
}

// LoginRequest installs a session token. UserID, when set, replaces the
// configured local user id.
type LoginRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// StateReply is the engine state after a lifecycle action.
type StateReply struct {
	State string `json:"state"`
}

// WatchRequest filters the event stream by kind prefix.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope wraps one bus event on the watch stream.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
