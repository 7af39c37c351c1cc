package call

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/hsync/internal/model"
)

const (
	DefaultSignalTTL = 30 * time.Second
)

// DefaultVibrationPattern is the incoming-call pattern in milliseconds
// (wait, vibrate, wait, vibrate).
var DefaultVibrationPattern = []int{0, 500, 200, 500}

// Interpreter maps raw signals onto session transitions. It remembers every
// signal it has seen for the signal TTL so that preview reads, which return
// the same signals on every poll, are interpreted once.
type Interpreter struct {
	ttl       time.Duration
	vibration []int
	seen      map[string]time.Time
	newID     func() string
}

// NewInterpreter creates an interpreter. A zero ttl disables staleness checks
// and keeps seen keys for DefaultSignalTTL.
func NewInterpreter(ttl time.Duration, vibration []int) *Interpreter {
	if len(vibration) == 0 {
		vibration = DefaultVibrationPattern
	}
	return &Interpreter{
		ttl:       ttl,
		vibration: vibration,
		seen:      make(map[string]time.Time),
		newID:     uuid.NewString,
	}
}

// Interpret applies signals to current and returns the resulting session and
// the side effects to run. current is never modified; a changed session is
// returned as a new value. A nil current means idle.
func (in *Interpreter) Interpret(signals []model.CallSignal, current *Session, now time.Time) (*Session, []Command) {
	in.expire(now)

	ordered := make([]model.CallSignal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	var cmds []Command
	for _, sig := range ordered {
		key := signalKey(sig)
		if _, ok := in.seen[key]; ok {
			continue
		}
		in.seen[key] = now

		next, effects := in.apply(sig, current, now)
		if next != nil {
			current = next
		}
		cmds = append(cmds, effects...)
	}
	return current, cmds
}

func (in *Interpreter) apply(sig model.CallSignal, cur *Session, now time.Time) (*Session, []Command) {
	switch sig.Type {
	case model.SignalIncomingCall:
		if cur.Active() {
			return nil, nil
		}
		if in.ttl > 0 && !sig.At.IsZero() && now.Sub(sig.At) > in.ttl {
			return nil, nil
		}
		kind := sig.Payload.CallKind
		if kind == "" {
			kind = model.CallAudio
		}
		s := &Session{
			ID:          in.newID(),
			Peer:        sig.From,
			PeerName:    sig.Payload.CallerName,
			PeerPicture: sig.Payload.CallerPicture,
			Kind:        kind,
			Room:        sig.Payload.Room,
			Direction:   Incoming,
			State:       Ringing,
			StartedAt:   now,
		}
		return s, ringEffects(s, in.vibration)

	case model.SignalCallAccepted:
		if !cur.RingingOutgoing() || sig.From != cur.Peer {
			return nil, nil
		}
		next, err := advance(cur, Connected, ReasonNone, now)
		if err != nil {
			return nil, nil
		}
		return next, connectEffects(next)

	case model.SignalCallRejected, model.SignalCallEnded:
		if !cur.Active() || sig.From != cur.Peer {
			return nil, nil
		}
		next, err := advance(cur, Ended, remoteEndReason(sig.Type, cur), now)
		if err != nil {
			return nil, nil
		}
		return next, endEffects(cur, next)
	}
	return nil, nil
}

func remoteEndReason(t model.SignalType, cur *Session) EndReason {
	switch {
	case t == model.SignalCallRejected:
		return ReasonDeclined
	case cur.RingingIncoming():
		return ReasonMissed
	case cur.RingingOutgoing():
		return ReasonDeclined
	default:
		return ReasonRemoteHangup
	}
}

func (in *Interpreter) expire(now time.Time) {
	keep := in.ttl
	if keep <= 0 {
		keep = DefaultSignalTTL
	}
	for k, at := range in.seen {
		if now.Sub(at) > keep {
			delete(in.seen, k)
		}
	}
}

// Seen returns the number of remembered signals.
func (in *Interpreter) Seen() int { return len(in.seen) }

func signalKey(sig model.CallSignal) string {
	at := ""
	if !sig.At.IsZero() {
		at = strconv.FormatInt(sig.At.UnixMilli(), 10)
	}
	return string(sig.Type) + "|" + sig.From + "|" + at + "|" + sig.Payload.Room
}
