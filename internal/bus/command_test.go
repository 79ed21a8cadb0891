package bus

import "testing"

func TestDecodeCommand(t *testing.T) {
	data := []byte(`{"type":"answer_call","session_id":"abc","sdp":"v=0"}`)
	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Type != CmdAnswerCall {
		t.Errorf("Type = %q, want answer_call", cmd.Type)
	}
	if cmd.SessionID != "abc" || cmd.SDP != "v=0" {
		t.Errorf("fields = %+v", cmd)
	}
}

func TestDecodeCommandStartCall(t *testing.T) {
	data := []byte(`{"type":"start_call","caller":"homeassistant","callee":"100","sdp":"v=0 offer"}`)
	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Caller != "homeassistant" || cmd.Callee != "100" {
		t.Errorf("parties = %q -> %q", cmd.Caller, cmd.Callee)
	}
}

func TestDecodeCommandMissingType(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"session_id":"abc"}`)); err == nil {
		t.Error("missing type accepted")
	}
}

func TestDecodeCommandMalformed(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{not json`)); err == nil {
		t.Error("malformed payload accepted")
	}
}
