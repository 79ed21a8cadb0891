// Package bus carries the host-facing protocol: lifecycle notifications
// published by the bridge and commands consumed from the host.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a notification kind.
type EventType string

const (
	// IncomingCall announces a ringing inbound call with a local offer.
	IncomingCall EventType = "call.incoming"
	// OutgoingCall announces a placed outbound call with a local answer.
	OutgoingCall EventType = "call.outgoing"
	// CallEnded announces session termination with its recorded reason.
	CallEnded EventType = "call.ended"
)

// Subject naming:
//
//	voicebridge.calls.<session_id>.incoming
//	voicebridge.calls.<session_id>.outgoing
//	voicebridge.calls.<session_id>.ended
const subjectPrefix = "voicebridge.calls"

// CallSubject builds the subject for one call event.
func CallSubject(sessionID string, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, sessionID, suffix)
}

// Party identifies one end of a call in a notification payload.
type Party struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Event is the interface all notifications implement.
type Event interface {
	Subject() string
	Type() EventType
	Session() string
}

// BaseEvent holds the fields common to every notification.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	SessionID string    `json:"session_id"`
}

func newBase(t EventType, sessionID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: t,
		EventTime: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType { return e.EventType }

// Session returns the session ID the event belongs to.
func (e BaseEvent) Session() string { return e.SessionID }

// IncomingCallEvent carries the local offer for a ringing inbound call.
type IncomingCallEvent struct {
	BaseEvent
	Caller Party  `json:"caller"`
	Callee Party  `json:"callee"`
	SDP    string `json:"sdp"`
}

// NewIncomingCall builds an IncomingCallEvent.
func NewIncomingCall(sessionID string, caller, callee Party, sdp string) *IncomingCallEvent {
	return &IncomingCallEvent{
		BaseEvent: newBase(IncomingCall, sessionID),
		Caller:    caller,
		Callee:    callee,
		SDP:       sdp,
	}
}

// Subject returns the event's subject.
func (e *IncomingCallEvent) Subject() string { return CallSubject(e.SessionID, "incoming") }

// OutgoingCallEvent carries the local answer for a placed outbound call.
type OutgoingCallEvent struct {
	BaseEvent
	Caller Party  `json:"caller"`
	Callee Party  `json:"callee"`
	SDP    string `json:"sdp"`
}

// NewOutgoingCall builds an OutgoingCallEvent.
func NewOutgoingCall(sessionID string, caller, callee Party, sdp string) *OutgoingCallEvent {
	return &OutgoingCallEvent{
		BaseEvent: newBase(OutgoingCall, sessionID),
		Caller:    caller,
		Callee:    callee,
		SDP:       sdp,
	}
}

// Subject returns the event's subject.
func (e *OutgoingCallEvent) Subject() string { return CallSubject(e.SessionID, "outgoing") }

// CallEndedEvent is published exactly once per terminated session.
type CallEndedEvent struct {
	BaseEvent
	Caller Party  `json:"caller"`
	Callee Party  `json:"callee"`
	Reason string `json:"reason"`
}

// NewCallEnded builds a CallEndedEvent.
func NewCallEnded(sessionID string, caller, callee Party, reason string) *CallEndedEvent {
	return &CallEndedEvent{
		BaseEvent: newBase(CallEnded, sessionID),
		Caller:    caller,
		Callee:    callee,
		Reason:    reason,
	}
}

// Subject returns the event's subject.
func (e *CallEndedEvent) Subject() string { return CallSubject(e.SessionID, "ended") }
