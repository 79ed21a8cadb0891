package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCallSubjects(t *testing.T) {
	cases := []struct {
		event   Event
		subject string
		typ     EventType
	}{
		{NewIncomingCall("c1", Party{Number: "100"}, Party{Number: "200"}, "v=0"), "voicebridge.calls.c1.incoming", IncomingCall},
		{NewOutgoingCall("c2", Party{Number: "200"}, Party{Number: "100"}, "v=0"), "voicebridge.calls.c2.outgoing", OutgoingCall},
		{NewCallEnded("c3", Party{}, Party{}, "Call ended by user"), "voicebridge.calls.c3.ended", CallEnded},
	}
	for _, tc := range cases {
		if got := tc.event.Subject(); got != tc.subject {
			t.Errorf("Subject() = %q, want %q", got, tc.subject)
		}
		if got := tc.event.Type(); got != tc.typ {
			t.Errorf("Type() = %q, want %q", got, tc.typ)
		}
	}
}

func TestEventIDsUnique(t *testing.T) {
	a := NewIncomingCall("c1", Party{}, Party{}, "")
	b := NewIncomingCall("c1", Party{}, Party{}, "")
	if a.EventID == b.EventID {
		t.Error("two events share an ID")
	}
	if a.EventTime.IsZero() {
		t.Error("event time not set")
	}
}

func TestCallEndedMarshal(t *testing.T) {
	e := NewCallEnded("c9", Party{Name: "Alice", Number: "100"}, Party{Number: "200"}, "Call denied")
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["reason"] != "Call denied" {
		t.Errorf("reason = %v", decoded["reason"])
	}
	if decoded["session_id"] != "c9" {
		t.Errorf("session_id = %v", decoded["session_id"])
	}
}

func TestMemoryPublisherRecords(t *testing.T) {
	p := NewMemoryPublisher()
	_ = p.Publish(context.Background(), NewCallEnded("c1", Party{}, Party{}, "Call ended by user"))
	_ = p.Publish(context.Background(), NewIncomingCall("c2", Party{}, Party{}, ""))

	if got := len(p.Events()); got != 2 {
		t.Fatalf("len(Events) = %d, want 2", got)
	}
	ended := p.ByType(CallEnded)
	if len(ended) != 1 || ended[0].Session() != "c1" {
		t.Errorf("ByType(CallEnded) = %v", ended)
	}
}
