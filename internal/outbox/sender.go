package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/metrics"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/store"
)

// TempPrefix marks client-assigned message ids.
const TempPrefix = "tmp-"

var (
	ErrNoRecipient    = errors.New("recipient required")
	ErrEmptyMessage   = errors.New("message has neither content nor media")
	ErrInvalidKind    = errors.New("invalid message kind")
	ErrNotAccepted    = errors.New("server did not accept the message")
	ErrUnknownMessage = errors.New("unknown local message")
	ErrNotFailed      = errors.New("message has not failed")
)

// API submits messages to the server.
type API interface {
	SendMessage(ctx context.Context, out model.Outgoing) (model.SendReceipt, error)
}

// Threads is the optimistic thread store the sender writes local entries to.
type Threads interface {
	AddLocal(key string, m model.Message)
	MarkFailed(key, id string) (model.Message, bool)
	RemoveLocal(key, id string) (model.Message, bool)
	FindLocal(id string) (string, model.Message, bool)
	Rekey(from, to, conversationID string)
}

// Drafts persists failed sends so they survive a restart.
type Drafts interface {
	SaveDraft(d *store.Draft) error
	DeleteDraft(id string) error
}

// SendError is returned when a submission failed. The message stays in its
// thread flagged as failed, and a draft has been saved.
type SendError struct {
	Message model.Message
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Message.ID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Accepted is the payload of send.accepted events.
type Accepted struct {
	TempID         string `json:"temp_id"`
	PreviousKey    string `json:"previous_key,omitempty"`
	ThreadKey      string `json:"thread_key"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

// Failure is the payload of send.failed events.
type Failure struct {
	ThreadKey string        `json:"thread_key"`
	Message   model.Message `json:"message"`
	Error     string        `json:"error"`
}

type target struct {
	peerID string
	key    string
}

// Sender runs the optimistic send pipeline: a pending entry appears in the
// thread immediately, the message is submitted, and the entry is either left
// for the next thread poll to confirm or flagged as failed.
type Sender struct {
	api     API
	threads Threads
	drafts  Drafts
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	selfID     string
	targets    map[string]target
	onAccepted func(Accepted)
}

// NewSender creates a new outbox sender. drafts, b and m may be nil.
func NewSender(api API, threads Threads, drafts Drafts, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		api:     api,
		threads: threads,
		drafts:  drafts,
		bus:     b,
		logger:  logger.Named("outbox"),
		metrics: m,
		now:     time.Now,
		newID:   func() string { return TempPrefix + uuid.NewString() },
		targets: make(map[string]target),
	}
}

// SetSelf sets the sender id stamped on optimistic entries. It must match the
// id the server reports for the local user.
func (s *Sender) SetSelf(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// OnAccepted registers a hook run after every accepted submission.
func (s *Sender) OnAccepted(fn func(Accepted)) {
	s.mu.Lock()
	s.onAccepted = fn
	s.mu.Unlock()
}

// Send submits a message to conv. The returned message is the pending entry;
// on failure it is the failed entry and the error is a *SendError.
func (s *Sender) Send(ctx context.Context, conv model.Conversation, content string, kind model.MessageKind, mediaRef string) (model.Message, error) {
	if conv.PeerID == "" {
		return model.Message{}, ErrNoRecipient
	}
	if kind == "" {
		kind = model.KindText
	}
	if !kind.Valid() {
		return model.Message{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if content == "" && mediaRef == "" {
		return model.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	msg := model.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       s.selfID,
		Content:        content,
		Kind:           kind,
		MediaRef:       mediaRef,
		CreatedAt:      s.now(),
		Pending:        true,
	}
	key := conv.ThreadKey()
	s.targets[msg.ID] = target{peerID: conv.PeerID, key: key}
	s.mu.Unlock()

	s.threads.AddLocal(key, msg)
	return s.submit(ctx, key, conv.PeerID, msg)
}

// Retry resubmits a failed message under a new temporary id.
func (s *Sender) Retry(ctx context.Context, id string) (model.Message, error) {
	key, old, ok := s.threads.FindLocal(id)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if !old.Failed {
		return model.Message{}, fmt.Errorf("%w: %s", ErrNotFailed, id)
	}

	s.mu.Lock()
	tgt, ok := s.targets[id]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("%w: no recipient for %s", ErrUnknownMessage, id)
	}
	delete(s.targets, id)
	msg := old
	msg.ID = s.newID()
	msg.CreatedAt = s.now()
	msg.Pending = true
	msg.Failed = false
	s.targets[msg.ID] = tgt
	s.mu.Unlock()

	s.threads.RemoveLocal(key, id)
	s.deleteDraft(id)
	s.threads.AddLocal(key, msg)
	s.logger.Info("retrying message", zap.String("previous_id", id), zap.String("temp_id", msg.ID))
	return s.submit(ctx, key, tgt.peerID, msg)
}

// Restore re-installs persisted drafts as failed entries.
func (s *Sender) Restore(drafts []*store.Draft) {
	for _, d := range drafts {
		m := d.Message()
		s.mu.Lock()
		s.targets[m.ID] = target{peerID: d.PeerID, key: d.ThreadKey}
		s.mu.Unlock()
		s.threads.AddLocal(d.ThreadKey, m)
	}
	if len(drafts) > 0 {
		s.logger.Info("restored failed messages", zap.Int("count", len(drafts)))
	}
}

func (s *Sender) submit(ctx context.Context, key, peerID string, msg model.Message) (model.Message, error) {
	receipt, err := s.api.SendMessage(ctx, model.Outgoing{
		PeerID:         peerID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		MediaRef:       msg.MediaRef,
	})
	if err == nil && !receipt.Accepted {
		err = ErrNotAccepted
	}
	if err != nil {
		return s.fail(key, peerID, msg, err)
	}

	s.metrics.MessageSent("accepted")
	s.logger.Info("message accepted",
		zap.String("temp_id", msg.ID),
		zap.String("conversation_id", receipt.ConversationID),
		zap.String("message_id", receipt.MessageID),
	)

	acc := Accepted{
		TempID:         msg.ID,
		ThreadKey:      key,
		ConversationID: msg.ConversationID,
		MessageID:      receipt.MessageID,
	}
	if msg.ConversationID == "" && receipt.ConversationID != "" {
		acc.PreviousKey = key
		acc.ThreadKey = receipt.ConversationID
		acc.ConversationID = receipt.ConversationID
		msg.ConversationID = receipt.ConversationID
		s.threads.Rekey(key, receipt.ConversationID, receipt.ConversationID)
		s.rekeyTargets(key, receipt.ConversationID)
	}

	s.mu.Lock()
	delete(s.targets, msg.ID)
	hook := s.onAccepted
	s.mu.Unlock()

	s.bus.Emit(bus.KindSendAccepted, acc)
	if hook != nil {
		hook(acc)
	}
	return msg, nil
}

func (s *Sender) fail(key, peerID string, msg model.Message, cause error) (model.Message, error) {
	s.metrics.MessageSent("failed")
	s.logger.Error("failed to send message", zap.Error(cause), zap.String("temp_id", msg.ID))

	failed, ok := s.threads.MarkFailed(key, msg.ID)
	if !ok {
		failed = msg
		failed.Pending = false
		failed.Failed = true
	}
	if s.drafts != nil {
		d := store.DraftFromMessage(failed, key, peerID, cause.Error())
		if err := s.drafts.SaveDraft(d); err != nil {
			s.logger.Warn("failed to save draft", zap.Error(err), zap.String("temp_id", msg.ID))
		}
	}
	s.bus.Emit(bus.KindSendFailed, Failure{ThreadKey: key, Message: failed, Error: cause.Error()})
	return failed, &SendError{Message: failed, Err: cause}
}

func (s *Sender) deleteDraft(id string) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.DeleteDraft(id); err != nil {
		s.logger.Warn("failed to delete draft", zap.Error(err), zap.String("temp_id", id))
	}
}

func (s *Sender) rekeyTargets(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.targets {
		if t.key == from {
			t.key = to
			s.targets[id] = t
		}
	}
}
