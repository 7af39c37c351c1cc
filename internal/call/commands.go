package call

// CommandType is a UI or media side effect requested by a call transition.
type CommandType string

const (
	CmdShowIncomingPrompt CommandType = "show_incoming_prompt"
	CmdStartRingtone      CommandType = "start_ringtone"
	CmdStopRingtone       CommandType = "stop_ringtone"
	CmdStartVibration     CommandType = "start_vibration"
	CmdStopVibration      CommandType = "stop_vibration"
	CmdStartMedia         CommandType = "start_media"
	CmdReleaseMedia       CommandType = "release_media"
	CmdCloseCallUI        CommandType = "close_call_ui"
	CmdShowNotAnswered    CommandType = "show_not_answered"
)

// Command is published on the bus as a call.effect event.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	Pattern   []int       `json:"pattern,omitempty"`
	Room      string      `json:"room,omitempty"`
}

// Types returns the command types in order.
func Types(cmds []Command) []CommandType {
	out := make([]CommandType, len(cmds))
	for i, c := range cmds {
		out[i] = c.Type
	}
	return out
}

func ringEffects(s *Session, pattern []int) []Command {
	return []Command{
		{Type: CmdShowIncomingPrompt, SessionID: s.ID},
		{Type: CmdStartRingtone, SessionID: s.ID},
		{Type: CmdStartVibration, SessionID: s.ID, Pattern: pattern},
	}
}

func connectEffects(s *Session) []Command {
	var cmds []Command
	if s.Direction == Incoming {
		cmds = append(cmds,
			Command{Type: CmdStopRingtone, SessionID: s.ID},
			Command{Type: CmdStopVibration, SessionID: s.ID},
		)
	}
	return append(cmds, Command{Type: CmdStartMedia, SessionID: s.ID, Room: s.Room})
}

// endEffects covers every transition into Ended. prev is the session before
// the transition.
func endEffects(prev, next *Session) []Command {
	id := next.ID
	var cmds []Command
	if prev.RingingIncoming() {
		cmds = append(cmds,
			Command{Type: CmdStopRingtone, SessionID: id},
			Command{Type: CmdStopVibration, SessionID: id},
		)
	}
	if prev.State == Connected {
		cmds = append(cmds, Command{Type: CmdReleaseMedia, SessionID: id})
	}
	if prev.RingingOutgoing() && (next.Reason == ReasonDeclined || next.Reason == ReasonNoAnswer) {
		cmds = append(cmds, Command{Type: CmdShowNotAnswered, SessionID: id})
	}
	return append(cmds, Command{Type: CmdCloseCallUI, SessionID: id})
}
