package bus

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies an inbound host command.
type CommandType string

const (
	// CmdAnswerCall accepts a ringing call with the host's answer SDP.
	CmdAnswerCall CommandType = "answer_call"
	// CmdDenyCall rejects a ringing call.
	CmdDenyCall CommandType = "deny_call"
	// CmdStartCall places an outbound call with the host's offer SDP.
	CmdStartCall CommandType = "start_call"
	// CmdEndCall terminates a session.
	CmdEndCall CommandType = "end_call"
	// CmdSeekCall re-announces ringing calls on a line.
	CmdSeekCall CommandType = "seek_call"
	// CmdNewICECandidate forwards one remote connectivity candidate.
	CmdNewICECandidate CommandType = "new_ice_candidate"
)

// Command is one inbound host command. Fields beyond Type are populated
// per command kind; unused fields stay zero.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	SDP       string      `json:"sdp,omitempty"`

	// start_call
	Caller string `json:"caller,omitempty"`
	Callee string `json:"callee,omitempty"`

	// seek_call
	LineID string `json:"line_id,omitempty"`

	// new_ice_candidate; an empty Candidate string is the
	// end-of-candidates marker.
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// DecodeCommand parses one command message off the wire.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return cmd, nil
}

// CommandHandler consumes inbound commands. The bridge's signaling relay
// implements this.
type CommandHandler interface {
	HandleCommand(cmd Command)
}
