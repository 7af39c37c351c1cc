package model

import "time"

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

// Conversation is a server-authoritative conversation summary.
// ID is empty for a conversation with a new recipient that the server has
// not created yet.
type Conversation struct {
	ID                 string    `json:"id"`
	PeerID             string    `json:"peer_id"`
	PeerName           string    `json:"peer_name,omitempty"`
	PeerPicture        string    `json:"peer_picture,omitempty"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

// ThreadKey identifies the local thread a conversation maps to. Conversations
// without a server id are keyed by peer.
func (c Conversation) ThreadKey() string {
	if c.ID != "" {
		return c.ID
	}
	return "peer:" + c.PeerID
}

// Message is a single entry of a thread. Pending entries carry a temporary
// client-assigned id until a poll confirms them.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	MediaRef       string      `json:"media_ref,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Pending        bool        `json:"pending,omitempty"`
	Failed         bool        `json:"failed,omitempty"`
}

// SignalType enumerates call signals exchanged through the signal queue.
type SignalType string

const (
	SignalIncomingCall SignalType = "incoming_call"
	SignalCallAccepted SignalType = "call_accepted"
	SignalCallRejected SignalType = "call_rejected"
	SignalCallEnded    SignalType = "call_ended"
)

// CallKind is the media kind of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// SignalPayload is the caller-supplied data attached to a signal.
type SignalPayload struct {
	CallerName    string   `json:"caller_name,omitempty"`
	CallerPicture string   `json:"caller_picture,omitempty"`
	CallKind      CallKind `json:"call_type,omitempty"`
	Room          string   `json:"room,omitempty"`
}

// CallSignal is an ephemeral entry of the call-signal queue.
type CallSignal struct {
	Type    SignalType    `json:"type"`
	From    string        `json:"from"`
	To      string        `json:"to,omitempty"`
	Payload SignalPayload `json:"payload"`
	At      time.Time     `json:"at"`
}

// SignalMode selects whether a signal read consumes the queue.
type SignalMode string

const (
	ModePreview SignalMode = "preview"
	ModeConsume SignalMode = "consume"
)

// Outgoing is a message submission. PeerID is always set; ConversationID is
// empty for a conversation the server has not created yet.
type Outgoing struct {
	PeerID         string
	ConversationID string
	Content        string
	Kind           MessageKind
	MediaRef       string
}

// SendReceipt is the server's answer to a submission. It confirms acceptance
// only; the message itself is confirmed by the next thread poll.
type SendReceipt struct {
	ConversationID string
	MessageID      string
	Accepted       bool
}

// OutboundSignal is a call signal addressed to a peer.
type OutboundSignal struct {
	Type    SignalType
	Target  string
	Payload SignalPayload
}
