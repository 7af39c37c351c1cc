package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/store"
)

// Persister mirrors engine state into the local cache. It subscribes to the
// bus and writes conversation snapshots, thread views, finished calls and
// poll checkpoints. Cache writes never feed back into the engine.
type Persister struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPersister creates a new cache persister.
func NewPersister(db *store.DB, b *bus.Bus, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		db:     db,
		bus:    b,
		logger: logger.Named("persist"),
	}
}

// Start subscribes to engine events on the bus.
func (p *Persister) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	ch, unsub := p.bus.Subscribe("", 256)

	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the persister and waits for the current write.
func (p *Persister) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Persister) handleEvent(evt bus.Event) {
	var err error
	switch payload := evt.Payload.(type) {
	case ConversationsUpdate:
		err = p.db.ReplaceConversations(payload.Conversations)
	case ThreadUpdate:
		err = p.db.ReplaceThread(payload.Key, payload.Messages)
	case call.Change:
		if payload.Session.State == call.Ended {
			err = p.db.RecordCall(CallRecord(payload.Session))
		}
	case PollCompleted:
		err = p.db.SetCheckpoint(payload.Task, payload.At)
	default:
		return
	}
	if err != nil {
		p.logger.Error("failed to persist event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// LoadCache reads the cached conversations and their threads for Engine.Warm.
func LoadCache(db *store.DB, threadLimit int) ([]model.Conversation, map[string][]model.Message, error) {
	convs, err := db.ListConversations()
	if err != nil {
		return nil, nil, fmt.Errorf("list conversations: %w", err)
	}
	threads := make(map[string][]model.Message, len(convs))
	for _, c := range convs {
		msgs, err := db.ListThread(c.ThreadKey(), threadLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("list thread %s: %w", c.ThreadKey(), err)
		}
		if len(msgs) > 0 {
			threads[c.ThreadKey()] = msgs
		}
	}
	return convs, threads, nil
}

// CallRecord converts an ended session for the call log.
func CallRecord(s call.Session) *store.CallRecord {
	return &store.CallRecord{
		SessionID:   s.ID,
		PeerID:      s.Peer,
		PeerName:    s.PeerName,
		Kind:        s.Kind,
		Direction:   string(s.Direction),
		Reason:      string(s.Reason),
		StartedAt:   s.StartedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
	}
}
