package call

import (
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func incoming(from string, at time.Time) model.CallSignal {
	return model.CallSignal{
		Type:    model.SignalIncomingCall,
		From:    from,
		Payload: model.SignalPayload{CallerName: "Ana", CallKind: model.CallVideo, Room: "room-" + from},
		At:      at,
	}
}

func signal(t model.SignalType, from string, at time.Time) model.CallSignal {
	return model.CallSignal{Type: t, From: from, At: at}
}

func TestIncomingCallFromIdle(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)

	next, cmds := in.Interpret([]model.CallSignal{incoming("u2", t0)}, nil, t0.Add(time.Second))
	if next == nil || next.State != Ringing || next.Direction != Incoming {
		t.Fatalf("session = %+v, want ringing incoming", next)
	}
	if next.Peer != "u2" || next.PeerName != "Ana" || next.Kind != model.CallVideo || next.Room != "room-u2" {
		t.Errorf("session fields = %+v", next)
	}
	want := []CommandType{CmdShowIncomingPrompt, CmdStartRingtone, CmdStartVibration}
	if got := Types(cmds); !slices.Equal(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
	if !slices.Equal(cmds[2].Pattern, DefaultVibrationPattern) {
		t.Errorf("vibration pattern = %v, want %v", cmds[2].Pattern, DefaultVibrationPattern)
	}
}

func TestPreviewReplayInterpretedOnce(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	sig := incoming("u2", t0)

	s1, cmds := in.Interpret([]model.CallSignal{sig}, nil, t0)
	if len(cmds) != 3 {
		t.Fatalf("first read commands = %d, want 3", len(cmds))
	}
	s2, cmds := in.Interpret([]model.CallSignal{sig}, s1, t0.Add(3*time.Second))
	if s2 != s1 || len(cmds) != 0 {
		t.Errorf("replayed signal changed state: session %p -> %p, commands %v", s1, s2, Types(cmds))
	}
}

func TestSecondIncomingCallIgnoredWhileActive(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	s, _ := in.Interpret([]model.CallSignal{incoming("u2", t0)}, nil, t0)

	next, cmds := in.Interpret([]model.CallSignal{incoming("u3", t0.Add(time.Second))}, s, t0.Add(time.Second))
	if next != s {
		t.Errorf("session replaced by a second incoming call: %+v", next)
	}
	if len(cmds) != 0 {
		t.Errorf("commands = %v, want none", Types(cmds))
	}
}

func TestStaleIncomingCallIgnored(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	next, cmds := in.Interpret([]model.CallSignal{incoming("u2", t0)}, nil, t0.Add(31*time.Second))
	if next != nil || len(cmds) != 0 {
		t.Errorf("stale signal produced session %+v commands %v", next, Types(cmds))
	}
}

func TestAcceptedConnectsOutgoing(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	cur := &Session{ID: "s1", Peer: "u2", Direction: Outgoing, State: Ringing, Room: "r"}

	next, cmds := in.Interpret([]model.CallSignal{signal(model.SignalCallAccepted, "u2", t0)}, cur, t0)
	if next.State != Connected || next.ConnectedAt.IsZero() {
		t.Fatalf("session = %+v, want connected", next)
	}
	if cur.State != Ringing {
		t.Error("Interpret modified the current session")
	}
	if got := Types(cmds); !slices.Equal(got, []CommandType{CmdStartMedia}) {
		t.Errorf("commands = %v", got)
	}
}

func TestSignalsFromOtherPeersIgnored(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	cur := &Session{ID: "s1", Peer: "u2", Direction: Outgoing, State: Ringing}

	next, cmds := in.Interpret([]model.CallSignal{
		signal(model.SignalCallAccepted, "u9", t0),
		signal(model.SignalCallEnded, "u9", t0),
	}, cur, t0)
	if next != cur || len(cmds) != 0 {
		t.Errorf("foreign signals changed the session: %+v %v", next, Types(cmds))
	}
}

func TestRemoteTermination(t *testing.T) {
	tests := []struct {
		name   string
		cur    Session
		signal model.SignalType
		reason EndReason
		want   []CommandType
	}{
		{
			name:   "rejected while ringing outgoing",
			cur:    Session{Direction: Outgoing, State: Ringing},
			signal: model.SignalCallRejected,
			reason: ReasonDeclined,
			want:   []CommandType{CmdShowNotAnswered, CmdCloseCallUI},
		},
		{
			name:   "caller gave up while ringing incoming",
			cur:    Session{Direction: Incoming, State: Ringing},
			signal: model.SignalCallEnded,
			reason: ReasonMissed,
			want:   []CommandType{CmdStopRingtone, CmdStopVibration, CmdCloseCallUI},
		},
		{
			name:   "peer hung up while connected",
			cur:    Session{Direction: Incoming, State: Connected},
			signal: model.SignalCallEnded,
			reason: ReasonRemoteHangup,
			want:   []CommandType{CmdReleaseMedia, CmdCloseCallUI},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInterpreter(30*time.Second, nil)
			cur := tt.cur
			cur.ID, cur.Peer = "s1", "u2"

			next, cmds := in.Interpret([]model.CallSignal{signal(tt.signal, "u2", t0)}, &cur, t0)
			if next.State != Ended || next.Reason != tt.reason {
				t.Errorf("session = %s/%q, want ENDED/%q", next.State, next.Reason, tt.reason)
			}
			if got := Types(cmds); !slices.Equal(got, tt.want) {
				t.Errorf("commands = %v, want %v", got, tt.want)
			}

			// Replaying the same signal against the ended session is a no-op.
			again, cmds := in.Interpret([]model.CallSignal{signal(tt.signal, "u2", t0)}, next, t0)
			if again != next || len(cmds) != 0 {
				t.Errorf("replay after end changed state")
			}
		})
	}
}

func TestSeenKeysExpire(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	in.Interpret([]model.CallSignal{incoming("u2", t0)}, nil, t0)
	if in.Seen() != 1 {
		t.Fatalf("seen = %d, want 1", in.Seen())
	}
	in.Interpret(nil, nil, t0.Add(time.Minute))
	if in.Seen() != 0 {
		t.Errorf("seen = %d after TTL, want 0", in.Seen())
	}
}

// A batch is applied in timestamp order, so an incoming call followed by the
// caller hanging up leaves an ended session.
func TestBatchAppliedInOrder(t *testing.T) {
	in := NewInterpreter(30*time.Second, nil)
	next, cmds := in.Interpret([]model.CallSignal{
		signal(model.SignalCallEnded, "u2", t0.Add(time.Second)),
		incoming("u2", t0),
	}, nil, t0.Add(2*time.Second))
	if next == nil || next.State != Ended || next.Reason != ReasonMissed {
		t.Fatalf("session = %+v, want ended/missed", next)
	}
	if len(cmds) != 6 {
		t.Errorf("commands = %v, want ring then stop effects", Types(cmds))
	}
}
