package call

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
)

// DefaultRingTimeout bounds how long an outgoing call rings.
const DefaultRingTimeout = 30 * time.Second

// signalSendTimeout bounds best-effort signals sent outside a caller context.
const signalSendTimeout = 5 * time.Second

// SignalAPI is the remote side of the call-signal queue.
type SignalAPI interface {
	SendCallSignal(ctx context.Context, sig model.OutboundSignal) error
	CallSignals(ctx context.Context, mode model.SignalMode) ([]model.CallSignal, error)
}

// Identity is how the local user presents itself to callees.
type Identity struct {
	ID      string
	Name    string
	Picture string
}

// Peer is the callee of an outgoing call.
type Peer struct {
	ID      string
	Name    string
	Picture string
}

// SignalError reports a signal that could not be delivered after a retry.
// The local transition has already happened when it is returned.
type SignalError struct {
	Type model.SignalType
	Err  error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("send %s signal: %v", e.Type, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

// Change is the payload of call.state_changed events.
type Change struct {
	From    State   `json:"from"`
	Session Session `json:"session"`
}

// Options configures a Machine.
type Options struct {
	Self             Identity
	RingTimeout      time.Duration
	SignalTTL        time.Duration
	VibrationPattern []int
}

// Machine owns the single live call session. Every transition, whether driven
// by a local action, a polled signal or the ring timer, goes through it.
type Machine struct {
	mu          sync.Mutex
	current     *Session
	interp      *Interpreter
	timer       *time.Timer
	api         SignalAPI
	self        Identity
	ringTimeout time.Duration
	now         func() time.Time

	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onChange func(Session)
}

// NewMachine creates a call machine. bus and m may be nil.
func NewMachine(api SignalAPI, opts Options, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.SignalTTL <= 0 {
		opts.SignalTTL = DefaultSignalTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		interp:      NewInterpreter(opts.SignalTTL, opts.VibrationPattern),
		api:         api,
		self:        opts.Self,
		ringTimeout: opts.RingTimeout,
		now:         time.Now,
		bus:         b,
		logger:      logger.Named("call"),
		metrics:     m,
	}
}

// OnChange registers a hook run after every state change, outside the
// machine's lock. It must not block.
func (m *Machine) OnChange(fn func(Session)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetIdentity replaces the identity sent with outgoing calls.
func (m *Machine) SetIdentity(id Identity) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
}

// Current returns a copy of the current session, if any. Ended sessions are
// returned until the next call starts.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// State returns the current call state, Idle when there is no live session.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Idle
	}
	return m.current.State
}

// SignalMode is the read mode the signal poll should use: preview while an
// incoming call waits for an answer, consume otherwise.
func (m *Machine) SignalMode() model.SignalMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.RingingIncoming() {
		return model.ModePreview
	}
	return model.ModeConsume
}

// HandleSignals interprets polled signals against the current session.
func (m *Machine) HandleSignals(signals []model.CallSignal) []Command {
	if len(signals) == 0 {
		return nil
	}
	m.mu.Lock()
	prev := m.current
	next, cmds := m.interp.Interpret(signals, prev, m.now())
	changed := next != prev
	if changed {
		m.setLocked(next)
	}
	m.mu.Unlock()

	if changed {
		m.publish(prev, next, cmds)
		if next.RingingIncoming() {
			m.bus.Emit(bus.KindNotify, bus.Notification{Kind: bus.NotifyIncomingCall, Ref: next.ID, From: next.Peer, Name: next.PeerName})
		}
	}
	return cmds
}

// PlaceCall starts an outgoing call. The session is ringing on return even
// when the signal could not be delivered; the error is then a *SignalError.
func (m *Machine) PlaceCall(ctx context.Context, peer Peer, kind model.CallKind) (Session, error) {
	if peer.ID == "" {
		return Session{}, errors.New("call target required")
	}
	if kind == "" {
		kind = model.CallAudio
	}

	m.mu.Lock()
	if m.current.Active() {
		m.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	s := &Session{
		ID:          uuid.NewString(),
		Peer:        peer.ID,
		PeerName:    peer.Name,
		PeerPicture: peer.Picture,
		Kind:        kind,
		Room:        uuid.NewString(),
		Direction:   Outgoing,
		State:       Ringing,
		StartedAt:   m.now(),
	}
	prev := m.current
	m.setLocked(s)
	self := m.self
	id := s.ID
	m.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(id) })
	m.mu.Unlock()

	m.publish(prev, s, nil)

	err := m.sendSignal(ctx, model.OutboundSignal{
		Type:   model.SignalIncomingCall,
		Target: peer.ID,
		Payload: model.SignalPayload{
			CallerName:    self.Name,
			CallerPicture: self.Picture,
			CallKind:      kind,
			Room:          s.Room,
		},
	})
	return *s, err
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) (Session, error) {
	next, err := m.localTransition(func(cur *Session) (State, EndReason, error) {
		if !cur.RingingIncoming() {
			return "", "", ErrNoCall
		}
		return Connected, ReasonNone, nil
	})
	if err != nil {
		return Session{}, err
	}
	err = m.sendSignal(ctx, m.replySignal(model.SignalCallAccepted, next))
	m.drain(ctx)
	return m.snapshotOr(next), err
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) (Session, error) {
	next, err := m.localTransition(func(cur *Session) (State, EndReason, error) {
		if !cur.RingingIncoming() {
			return "", "", ErrNoCall
		}
		return Ended, ReasonRejected, nil
	})
	if err != nil {
		return Session{}, err
	}
	err = m.sendSignal(ctx, m.replySignal(model.SignalCallRejected, next))
	m.drain(ctx)
	return m.snapshotOr(next), err
}

// Hangup ends the current call. A ringing incoming call is rejected, a ringing
// outgoing call is cancelled.
func (m *Machine) Hangup(ctx context.Context) (Session, error) {
	m.mu.Lock()
	incoming := m.current.RingingIncoming()
	m.mu.Unlock()
	if incoming {
		return m.Reject(ctx)
	}

	next, err := m.localTransition(func(cur *Session) (State, EndReason, error) {
		switch {
		case cur.RingingOutgoing():
			return Ended, ReasonCancelled, nil
		case cur != nil && cur.State == Connected:
			return Ended, ReasonHangup, nil
		}
		return "", "", ErrNoCall
	})
	if err != nil {
		return Session{}, err
	}
	err = m.sendSignal(ctx, m.replySignal(model.SignalCallEnded, next))
	return *next, err
}

// Abort ends any live call without user input, e.g. on auth loss or when
// the host goes to background. The peer is notified best-effort.
func (m *Machine) Abort(reason EndReason) (Session, bool) {
	next, err := m.localTransition(func(cur *Session) (State, EndReason, error) {
		if !cur.Active() {
			return "", "", ErrNoCall
		}
		return Ended, reason, nil
	})
	if err != nil {
		return Session{}, false
	}
	if reason != ReasonAuthLost {
		sig := model.SignalCallEnded
		if next.Direction == Incoming && next.ConnectedAt.IsZero() {
			sig = model.SignalCallRejected
		}
		go m.sendDetached(m.replySignal(sig, next))
	}
	return *next, true
}

func (m *Machine) expire(id string) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || cur.ID != id || !cur.RingingOutgoing() {
		m.mu.Unlock()
		return
	}
	next, err := advance(cur, Ended, ReasonNoAnswer, m.now())
	if err != nil {
		m.mu.Unlock()
		return
	}
	m.setLocked(next)
	m.mu.Unlock()

	m.logger.Info("outgoing call not answered", zap.String("session", id), zap.String("peer", next.Peer))
	m.publish(cur, next, endEffects(cur, next))
	m.sendDetached(m.replySignal(model.SignalCallEnded, next))
}

// localTransition applies a user-driven transition chosen by decide.
func (m *Machine) localTransition(decide func(cur *Session) (State, EndReason, error)) (*Session, error) {
	m.mu.Lock()
	cur := m.current
	to, reason, err := decide(cur)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next, err := advance(cur, to, reason, m.now())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.setLocked(next)
	m.mu.Unlock()

	var cmds []Command
	switch to {
	case Connected:
		cmds = connectEffects(next)
	case Ended:
		cmds = endEffects(cur, next)
	}
	m.publish(cur, next, cmds)
	return next, nil
}

// setLocked installs s as the live session and stops the ring timer once the
// session leaves Ringing.
func (m *Machine) setLocked(s *Session) {
	m.current = s
	if s.State != Ringing && m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) snapshotOr(s *Session) Session {
	if cur, ok := m.Current(); ok && cur.ID == s.ID {
		return cur
	}
	return *s
}

func (m *Machine) replySignal(t model.SignalType, s *Session) model.OutboundSignal {
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	return model.OutboundSignal{
		Type:   t,
		Target: s.Peer,
		Payload: model.SignalPayload{
			CallerName: self.Name,
			CallKind:   s.Kind,
			Room:       s.Room,
		},
	}
}

// sendSignal delivers sig, retrying once immediately on failure.
func (m *Machine) sendSignal(ctx context.Context, sig model.OutboundSignal) error {
	if m.api == nil {
		return nil
	}
	err := m.api.SendCallSignal(ctx, sig)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		m.logger.Warn("call signal failed, retrying", zap.String("type", string(sig.Type)), zap.Error(err))
		err = m.api.SendCallSignal(ctx, sig)
		if err == nil {
			return nil
		}
	}
	m.logger.Error("call signal not delivered", zap.String("type", string(sig.Type)), zap.String("target", sig.Target), zap.Error(err))
	return &SignalError{Type: sig.Type, Err: err}
}

func (m *Machine) sendDetached(sig model.OutboundSignal) {
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	_ = m.sendSignal(ctx, sig)
}

// drain consumes the signal queue once after answering so the answered
// incoming_call is not shown again. Signals read here still go through the
// interpreter; a call_ended racing with the answer ends the session.
func (m *Machine) drain(ctx context.Context) {
	if m.api == nil {
		return
	}
	signals, err := m.api.CallSignals(ctx, model.ModeConsume)
	if err != nil {
		m.logger.Debug("signal drain failed", zap.Error(err))
		return
	}
	m.HandleSignals(signals)
}

func (m *Machine) publish(prev, next *Session, cmds []Command) {
	from := Idle
	if prev != nil && prev.ID == next.ID {
		from = prev.State
	}
	m.metrics.CallTransition(string(from), string(next.State))
	m.logger.Info("call state changed",
		zap.String("session", next.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next.State)),
		zap.String("direction", string(next.Direction)),
		zap.String("reason", string(next.Reason)),
	)
	m.bus.Emit(bus.KindCallStateChanged, Change{From: from, Session: *next})
	for _, c := range cmds {
		m.bus.Emit(bus.KindCallEffect, c)
	}

	m.mu.Lock()
	hook := m.onChange
	m.mu.Unlock()
	if hook != nil {
		hook(*next)
	}
}
