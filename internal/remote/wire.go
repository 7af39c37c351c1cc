package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// flexInt decodes a JSON number or a decimal string. COUNT(*) columns arrive
// as strings from some database drivers.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid count %s", b)
	}
	*n = flexInt(v)
	return nil
}

// flexString decodes a JSON string or number id.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		*s = flexString(b)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

// flexTime decodes an ISO-8601 string, a SQL datetime or epoch milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		*t = flexTime{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", b)
		}
		*t = flexTime(time.UnixMilli(ms).UTC())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			*t = flexTime(v.UTC())
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

type conversationsResponse struct {
	Success       bool               `json:"success"`
	Error         string             `json:"error"`
	Conversations []wireConversation `json:"conversations"`
}

type wireConversation struct {
	ConversationID flexString `json:"conversation_id"`
	UserID         flexString `json:"user_id"`
	Name           string     `json:"name"`
	Picture        string     `json:"picture"`
	LastMessage    string     `json:"last_message"`
	LastMessageAt  flexTime   `json:"last_message_at"`
	UnreadCount    flexInt    `json:"unread_count"`
}

func (w wireConversation) model() model.Conversation {
	return model.Conversation{
		ID:                 string(w.ConversationID),
		PeerID:             string(w.UserID),
		PeerName:           w.Name,
		PeerPicture:        w.Picture,
		LastMessagePreview: w.LastMessage,
		LastMessageAt:      time.Time(w.LastMessageAt),
		UnreadCount:        int(w.UnreadCount),
	}
}

type messagesResponse struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error"`
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	MessageID      flexString `json:"message_id"`
	ConversationID flexString `json:"conversation_id"`
	SenderID       flexString `json:"sender_id"`
	Content        string     `json:"content"`
	MessageType    string     `json:"message_type"`
	MediaURL       string     `json:"media_url"`
	CreatedAt      flexTime   `json:"created_at"`
}

func (w wireMessage) model() model.Message {
	kind := model.MessageKind(w.MessageType)
	if kind == "" {
		kind = model.KindText
	}
	return model.Message{
		ID:             string(w.MessageID),
		ConversationID: string(w.ConversationID),
		SenderID:       string(w.SenderID),
		Content:        w.Content,
		Kind:           kind,
		MediaRef:       w.MediaURL,
		CreatedAt:      time.Time(w.CreatedAt),
	}
}

type sendRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	MediaURL    string `json:"mediaUrl,omitempty"`
}

type sendResponse struct {
	Success        bool       `json:"success"`
	Error          string     `json:"error"`
	ConversationID flexString `json:"conversationId"`
	MessageID      flexString `json:"messageId"`
}

type signalsResponse struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Signals []wireSignal `json:"signals"`
}

type wireSignal struct {
	Type      string              `json:"type"`
	From      flexString          `json:"from"`
	To        flexString          `json:"to"`
	Data      model.SignalPayload `json:"data"`
	Timestamp flexTime            `json:"timestamp"`
}

func (w wireSignal) model() model.CallSignal {
	return model.CallSignal{
		Type:    model.SignalType(w.Type),
		From:    string(w.From),
		To:      string(w.To),
		Payload: w.Data,
		At:      time.Time(w.Timestamp),
	}
}

type signalRequest struct {
	Type   string              `json:"type"`
	Target string              `json:"target"`
	Data   model.SignalPayload `json:"data"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
