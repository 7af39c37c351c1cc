package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so the
// part before the dot doubles as the namespace.
const (
	KindThreadUpdated        = "thread.updated"
	KindConversationsUpdated = "conversations.updated"
	KindNotify               = "notify.raised"
	KindCallStateChanged     = "call.state_changed"
	KindCallEffect           = "call.effect"
	KindSendAccepted         = "send.accepted"
	KindSendFailed           = "send.failed"
	KindStatusChanged        = "engine.status_changed"
	KindPollCompleted        = "poll.completed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// Notification kinds carried by notify.raised events.
const (
	NotifyMessage      = "message"
	NotifyIncomingCall = "incoming_call"
)

// Notification asks the host to alert the user. Ref points at the call
// session for incoming calls and is empty for messages.
type Notification struct {
	Kind  string `json:"kind"`
	Ref   string `json:"ref,omitempty"`
	From  string `json:"from,omitempty"`
	Name  string `json:"name,omitempty"`
	Count int    `json:"count,omitempty"`
}
