package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/config"
	"github.com/matheus3301/hsync/internal/metrics"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/outbox"
	"github.com/matheus3301/hsync/internal/poll"
	"github.com/matheus3301/hsync/internal/remote"
	"github.com/matheus3301/hsync/internal/status"
)

// Poll task names.
const (
	TaskConversations = "conversations"
	TaskThread        = "thread"
	TaskCallSignals   = "call-signals"
)

var (
	ErrNotRunning          = errors.New("engine not running")
	ErrNotPolling          = errors.New("engine is not polling")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNoThread            = errors.New("no thread is open")
)

// API is the remote surface the engine polls and writes to.
type API interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	outbox.API
	call.SignalAPI
}

type tokenSetter interface {
	SetToken(token string)
	HasToken() bool
}

// Options configures an Engine.
type Options struct {
	Self          call.Identity
	Poll          config.PollConfig
	Call          call.Options
	MatchWindow   time.Duration
	DegradedAfter int
}

// OptionsFromConfig maps a profile config onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Self: call.Identity{ID: cfg.API.UserID},
		Poll: cfg.Poll,
		Call: call.Options{
			RingTimeout:      cfg.Call.RingTimeout,
			SignalTTL:        cfg.Call.SignalTTL,
			VibrationPattern: cfg.Call.VibrationPattern,
		},
		MatchWindow:   cfg.Sync.MatchWindow,
		DegradedAfter: cfg.Sync.DegradedAfter,
	}
}

// ConversationsUpdate is the payload of conversations.updated events.
type ConversationsUpdate struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
}

// PollCompleted is the payload of poll.completed events.
type PollCompleted struct {
	Task string    `json:"task"`
	At   time.Time `json:"at"`
}

// Snapshot summarizes the engine for status queries.
type Snapshot struct {
	State        status.State
	Since        time.Time
	Tasks        []string
	ActiveThread *model.Conversation
	Call         *call.Session
	TotalUnread  int
	Failed       int
}

// Engine runs the poll tasks and routes their results into the thread
// state, the conversation aggregator and the call machine. Poll results are
// applied under the scheduler's per-task lock; those applies never take
// e.mu, so e.mu may be held while scheduling or cancelling tasks.
type Engine struct {
	api     API
	sched   *poll.Scheduler
	state   *State
	agg     *Aggregator
	outbox  *outbox.Sender
	calls   *call.Machine
	status  *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu           gosync.Mutex
	self         call.Identity
	running      bool
	polling      bool
	active       *model.Conversation
	convH        poll.Handle
	threadH      poll.Handle
	signalH      poll.Handle
	signalActive bool
	failures     map[string]int
	cancel       context.CancelFunc
	done         chan struct{}

	callCh chan struct{}
}

// NewEngine wires an engine. drafts and m may be nil.
func NewEngine(api API, drafts outbox.Drafts, st *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if st == nil {
		st = status.NewMachine(b)
	}
	callOpts := opts.Call
	callOpts.Self = opts.Self

	state := NewState(Reconciler{Window: opts.MatchWindow}, b)
	e := &Engine{
		api:      api,
		state:    state,
		agg:      NewAggregator(),
		outbox:   outbox.NewSender(api, state, drafts, b, m, logger),
		calls:    call.NewMachine(api, callOpts, b, m, logger),
		status:   st,
		bus:      b,
		logger:   logger.Named("engine"),
		metrics:  m,
		opts:     opts,
		self:     opts.Self,
		failures: make(map[string]int),
		callCh:   make(chan struct{}, 1),
	}
	e.sched = poll.New(logger, m, poll.WithResultHook(e.onPollResult))
	e.outbox.SetSelf(opts.Self.ID)
	e.outbox.OnAccepted(e.handleAccepted)
	e.calls.OnChange(func(call.Session) {
		select {
		case e.callCh <- struct{}{}:
		default:
		}
	})
	return e
}

// Calls returns the call machine.
func (e *Engine) Calls() *call.Machine { return e.calls }

// Outbox returns the send pipeline.
func (e *Engine) Outbox() *outbox.Sender { return e.outbox }

// Status returns the engine status machine.
func (e *Engine) Status() *status.Machine { return e.status }

// Start begins polling. Without a token the engine waits in AUTH_REQUIRED
// until Authenticate is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}
	if e.status.Current() == status.Stopped {
		if err := e.status.Transition(status.Booting); err != nil {
			return err
		}
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.running = true
	go e.watchCalls(ctx, e.done)

	if ts, ok := e.api.(tokenSetter); ok && !ts.HasToken() {
		e.logger.Info("no session token, waiting for login")
		return e.status.Transition(status.AuthRequired)
	}
	e.startPollsLocked()
	return e.status.Transition(status.Ready)
}

// Stop cancels all poll tasks, waits for in-flight requests and ends a live
// call.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.polling = false
	e.resetHandlesLocked()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	e.sched.Stop()
	cancel()
	<-done
	e.calls.Abort(call.ReasonBackground)
	_ = e.status.Transition(status.Stopped)
	e.logger.Info("engine stopped")
}

// Warm installs cached conversations and threads so the host has something
// to show before the first poll completes.
func (e *Engine) Warm(convs []model.Conversation, threads map[string][]model.Message) {
	e.agg.Seed(convs)
	for key, msgs := range threads {
		e.state.Seed(key, msgs)
	}
}

// SetSelf changes the local identity stamped on sends and call signals.
// Switching to a different user drops the in-memory threads and
// conversations; the result reports whether that happened.
func (e *Engine) SetSelf(id call.Identity) bool {
	e.mu.Lock()
	changed := e.self.ID != "" && e.self.ID != id.ID
	e.self = id
	e.mu.Unlock()

	e.outbox.SetSelf(id.ID)
	e.calls.SetIdentity(id)
	if changed {
		e.state.Clear()
		e.agg.Reset()
		e.logger.Info("user changed, cached state dropped", zap.String("user_id", id.ID))
	}
	return changed
}

// Self returns the local identity.
func (e *Engine) Self() call.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Authenticate installs a new token and restarts polling.
func (e *Engine) Authenticate(token string) error {
	if token == "" {
		return errors.New("token required")
	}
	ts, ok := e.api.(tokenSetter)
	if !ok {
		return errors.New("remote does not accept tokens")
	}
	ts.SetToken(token)
	e.agg.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.stopPollsLocked()
	e.startPollsLocked()
	e.status.TransitionIf(status.Ready, status.AuthRequired, status.Suspended, status.Degraded)
	e.logger.Info("authenticated, polling restarted")
	return nil
}

// Suspend stops polling while the host is in the background. A live call is
// ended.
func (e *Engine) Suspend() error {
	e.mu.Lock()
	if !e.polling {
		e.mu.Unlock()
		return ErrNotPolling
	}
	e.stopPollsLocked()
	e.mu.Unlock()

	e.calls.Abort(call.ReasonBackground)
	if !e.status.TransitionIf(status.Suspended, status.Ready, status.Degraded) {
		return fmt.Errorf("cannot suspend from %s", e.status.Current())
	}
	return nil
}

// Resume restarts polling after Suspend.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.status.Current() != status.Suspended {
		return fmt.Errorf("cannot resume from %s", e.status.Current())
	}
	e.startPollsLocked()
	return e.status.Transition(status.Ready)
}

// OpenThread makes conv the active thread and starts polling it. A previous
// thread's task is cancelled first, so none of its responses land after this
// returns. The cached view is returned.
func (e *Engine) OpenThread(conv model.Conversation) ([]model.Message, error) {
	conv, err := e.resolve(conv)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threadH.Valid() {
		e.sched.Cancel(e.threadH)
		e.threadH = poll.Handle{}
	}
	e.active = &conv
	if e.polling {
		e.scheduleThreadLocked()
	}
	e.logger.Info("thread opened", zap.String("thread", conv.ThreadKey()))
	return e.state.Thread(conv.ThreadKey()), nil
}

// CloseThread stops polling the active thread.
func (e *Engine) CloseThread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threadH.Valid() {
		e.sched.Cancel(e.threadH)
		e.threadH = poll.Handle{}
	}
	e.active = nil
}

// ActiveThread returns the open conversation, if any.
func (e *Engine) ActiveThread() (model.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return model.Conversation{}, false
	}
	return *e.active, true
}

// Thread returns the reconciled view of a thread.
func (e *Engine) Thread(key string) []model.Message {
	return e.state.Thread(key)
}

// Conversations returns the last aggregated conversation list.
func (e *Engine) Conversations() ([]model.Conversation, int) {
	return e.agg.Snapshot()
}

// Send submits a message through the optimistic pipeline.
func (e *Engine) Send(ctx context.Context, conv model.Conversation, content string, kind model.MessageKind, mediaRef string) (model.Message, error) {
	conv, err := e.resolve(conv)
	if err != nil {
		return model.Message{}, err
	}
	msg, err := e.outbox.Send(ctx, conv, content, kind, mediaRef)
	e.checkAuth(err)
	return msg, err
}

// Retry resubmits a failed message.
func (e *Engine) Retry(ctx context.Context, id string) (model.Message, error) {
	msg, err := e.outbox.Retry(ctx, id)
	e.checkAuth(err)
	return msg, err
}

// Snapshot returns a summary of the engine.
func (e *Engine) Snapshot() Snapshot {
	_, total := e.agg.Snapshot()
	snap := Snapshot{
		State:       e.status.Current(),
		Since:       e.status.Since(),
		Tasks:       e.sched.Running(),
		TotalUnread: total,
		Failed:      len(e.state.Failed()),
	}
	if conv, ok := e.ActiveThread(); ok {
		snap.ActiveThread = &conv
	}
	if s, ok := e.calls.Current(); ok {
		snap.Call = &s
	}
	return snap
}

// resolve fills in the missing half of a conversation reference from the
// last conversation list.
func (e *Engine) resolve(conv model.Conversation) (model.Conversation, error) {
	switch {
	case conv.ID == "" && conv.PeerID == "":
		return conv, errors.New("conversation id or peer required")
	case conv.PeerID == "":
		known, ok := e.agg.Find(conv.ID, "")
		if !ok {
			return conv, fmt.Errorf("%w: %s", ErrUnknownConversation, conv.ID)
		}
		return known, nil
	case conv.ID == "":
		if known, ok := e.agg.Find("", conv.PeerID); ok {
			return known, nil
		}
	}
	return conv, nil
}

func (e *Engine) startPollsLocked() {
	e.polling = true
	e.failures = make(map[string]int)
	e.convH = e.sched.Schedule(TaskConversations, e.opts.Poll.Conversations, e.pollConversations)
	e.sched.Trigger(e.convH)
	e.scheduleSignalsLocked(e.calls.State() == call.Ringing || e.calls.State() == call.Connected)
	if e.active != nil {
		e.scheduleThreadLocked()
	}
}

func (e *Engine) stopPollsLocked() {
	e.polling = false
	for _, h := range []poll.Handle{e.convH, e.threadH, e.signalH} {
		if h.Valid() {
			e.sched.Cancel(h)
		}
	}
	e.resetHandlesLocked()
}

func (e *Engine) resetHandlesLocked() {
	e.convH, e.threadH, e.signalH = poll.Handle{}, poll.Handle{}, poll.Handle{}
	e.signalActive = false
}

func (e *Engine) scheduleThreadLocked() {
	conv := *e.active
	if conv.ID == "" {
		// Nothing to poll until the first send creates the conversation.
		return
	}
	e.threadH = e.sched.Schedule(TaskThread, e.opts.Poll.Thread, e.threadTask(conv))
	e.sched.Trigger(e.threadH)
}

// scheduleSignalsLocked installs the preview poll, or the faster active-call
// poll while a call is live. Both run under the same task name, so swapping
// one for the other discards the old task's in-flight response.
func (e *Engine) scheduleSignalsLocked(active bool) {
	if active {
		e.signalH = e.sched.Schedule(TaskCallSignals, e.opts.Poll.ActiveCall, e.pollActiveCall)
	} else {
		e.signalH = e.sched.Schedule(TaskCallSignals, e.opts.Poll.CallSignals, e.pollSignalPreview)
	}
	e.signalActive = active
	e.sched.Trigger(e.signalH)
}

func (e *Engine) watchCalls(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.callCh:
			active := e.calls.State() == call.Ringing || e.calls.State() == call.Connected
			e.mu.Lock()
			if e.polling && active != e.signalActive {
				e.scheduleSignalsLocked(active)
				e.logger.Debug("call signal poll switched", zap.Bool("active_call", active))
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) pollConversations(ctx context.Context) (poll.Apply, error) {
	convs, err := e.api.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		agg := e.agg.Apply(convs)
		e.metrics.SetUnread(agg.TotalUnread)
		e.bus.Emit(bus.KindConversationsUpdated, ConversationsUpdate{Conversations: agg.Conversations, TotalUnread: agg.TotalUnread})
		if agg.UnreadIncreased {
			e.bus.Emit(bus.KindNotify, bus.Notification{Kind: bus.NotifyMessage, Count: agg.TotalUnread})
		}
	}, nil
}

func (e *Engine) threadTask(conv model.Conversation) poll.Task {
	key := conv.ThreadKey()
	return func(ctx context.Context) (poll.Apply, error) {
		msgs, err := e.api.Messages(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		return func() {
			e.state.ApplyFetched(key, msgs)
			// Fetching a thread marks it read on the server.
			if agg, changed := e.agg.MarkRead(conv.ID, latest(msgs)); changed {
				e.metrics.SetUnread(agg.TotalUnread)
				e.bus.Emit(bus.KindConversationsUpdated, ConversationsUpdate{Conversations: agg.Conversations, TotalUnread: agg.TotalUnread})
			}
		}, nil
	}
}

func latest(msgs []model.Message) time.Time {
	var t time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(t) {
			t = m.CreatedAt
		}
	}
	return t
}

func (e *Engine) pollSignalPreview(ctx context.Context) (poll.Apply, error) {
	return e.pollSignals(ctx, model.ModePreview)
}

func (e *Engine) pollActiveCall(ctx context.Context) (poll.Apply, error) {
	return e.pollSignals(ctx, e.calls.SignalMode())
}

func (e *Engine) pollSignals(ctx context.Context, mode model.SignalMode) (poll.Apply, error) {
	signals, err := e.api.CallSignals(ctx, mode)
	if err != nil {
		return nil, err
	}
	return func() {
		e.calls.HandleSignals(signals)
	}, nil
}

func (e *Engine) onPollResult(task string, err error) {
	if errors.Is(err, remote.ErrUnauthorized) {
		go e.authLost()
		return
	}

	e.mu.Lock()
	if err == nil {
		e.failures[task] = 0
	} else {
		e.failures[task]++
	}
	degraded := false
	for _, n := range e.failures {
		if n >= e.opts.DegradedAfter {
			degraded = true
		}
	}
	e.mu.Unlock()

	if err == nil {
		e.bus.Emit(bus.KindPollCompleted, PollCompleted{Task: task, At: time.Now()})
	}
	if degraded {
		if e.status.TransitionIf(status.Degraded, status.Ready) {
			e.logger.Warn("polling degraded", zap.String("task", task), zap.Error(err))
		}
	} else if e.status.TransitionIf(status.Ready, status.Degraded) {
		e.logger.Info("polling recovered", zap.String("task", task))
	}
}

func (e *Engine) checkAuth(err error) {
	if errors.Is(err, remote.ErrUnauthorized) {
		go e.authLost()
	}
}

// authLost stops every poll task and ends a live call until Authenticate.
func (e *Engine) authLost() {
	e.mu.Lock()
	if !e.polling {
		e.mu.Unlock()
		return
	}
	e.stopPollsLocked()
	e.mu.Unlock()

	e.calls.Abort(call.ReasonAuthLost)
	e.status.TransitionIf(status.AuthRequired, status.Ready, status.Degraded, status.Suspended)
	e.logger.Warn("session token rejected, polling stopped")
}

// handleAccepted adopts a server-assigned conversation id for the active
// thread and triggers the polls that will confirm the message.
func (e *Engine) handleAccepted(acc outbox.Accepted) {
	e.state.Link(acc.ThreadKey, acc.TempID, acc.MessageID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && acc.PreviousKey != "" && e.active.ThreadKey() == acc.PreviousKey {
		e.active.ID = acc.ConversationID
		if e.polling {
			e.scheduleThreadLocked()
		}
		e.logger.Info("conversation created", zap.String("conversation_id", acc.ConversationID))
	} else if e.active != nil && e.active.ThreadKey() == acc.ThreadKey && e.threadH.Valid() {
		e.sched.Trigger(e.threadH)
	}
	if e.convH.Valid() {
		e.sched.Trigger(e.convH)
	}
}
