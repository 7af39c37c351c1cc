package call

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// State is the lifecycle state of a call session.
type State string

const (
	Idle      State = "IDLE"
	Ringing   State = "RINGING"
	Connected State = "CONNECTED"
	Ended     State = "ENDED"
)

// Direction tells who placed the call.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// EndReason records why a session ended.
type EndReason string

const (
	ReasonNone         EndReason = ""
	ReasonRejected     EndReason = "rejected"
	ReasonDeclined     EndReason = "declined"
	ReasonNoAnswer     EndReason = "no answer"
	ReasonHangup       EndReason = "hangup"
	ReasonRemoteHangup EndReason = "remote hangup"
	ReasonCancelled    EndReason = "cancelled"
	ReasonMissed       EndReason = "missed"
	ReasonAuthLost     EndReason = "auth lost"
	ReasonBackground   EndReason = "background"
)

var (
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrNoCall            = errors.New("no call in progress")
	ErrInvalidTransition = errors.New("invalid call transition")
)

// validTransitions defines allowed state transitions. Ended is terminal; a new
// call starts a fresh session.
var validTransitions = map[State][]State{
	Idle:      {Ringing},
	Ringing:   {Connected, Ended},
	Connected: {Ended},
}

// Session is a single call. Only the Machine mutates the live session;
// everything else receives copies.
type Session struct {
	ID          string         `json:"id"`
	Peer        string         `json:"peer"`
	PeerName    string         `json:"peer_name,omitempty"`
	PeerPicture string         `json:"peer_picture,omitempty"`
	Kind        model.CallKind `json:"kind"`
	Room        string         `json:"room,omitempty"`
	Direction   Direction      `json:"direction"`
	State       State          `json:"state"`
	Reason      EndReason      `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	ConnectedAt time.Time      `json:"connected_at,omitzero"`
	EndedAt     time.Time      `json:"ended_at,omitzero"`
}

// Active reports whether the session is ringing or connected.
func (s *Session) Active() bool {
	return s != nil && (s.State == Ringing || s.State == Connected)
}

// RingingIncoming reports whether the session waits for the local user to answer.
func (s *Session) RingingIncoming() bool {
	return s != nil && s.State == Ringing && s.Direction == Incoming
}

// RingingOutgoing reports whether the session waits for the peer to answer.
func (s *Session) RingingOutgoing() bool {
	return s != nil && s.State == Ringing && s.Direction == Outgoing
}

// Duration returns how long the call was connected.
func (s *Session) Duration() time.Duration {
	if s == nil || s.ConnectedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ConnectedAt)
}

// advance returns a copy of s moved to the given state.
func advance(s *Session, to State, reason EndReason, now time.Time) (*Session, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no session", ErrInvalidTransition)
	}
	from := s.State
	if !slices.Contains(validTransitions[from], to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	next := *s
	next.State = to
	switch to {
	case Connected:
		next.ConnectedAt = now
	case Ended:
		next.Reason = reason
		next.EndedAt = now
	}
	return &next, nil
}
