// Package bridge implements the call-bridge orchestrator: it keeps one
// SIP call leg and one WebRTC media session per bridged call, relays
// signaling between them and the host, streams audio in both directions,
// and guarantees that every session is torn down exactly once.
package bridge

import "fmt"

// LegState represents the current state of the telephony call leg.
// Ended and Denied are absorbing.
type LegState int

const (
	// LegRinging indicates the leg exists but has not been answered.
	LegRinging LegState = iota
	// LegAnswered indicates the call is established and audio flows.
	LegAnswered
	// LegEnded indicates the leg has terminated.
	LegEnded
	// LegDenied indicates the leg was rejected locally.
	LegDenied
)

// String returns the string representation of LegState.
func (s LegState) String() string {
	switch s {
	case LegRinging:
		return "Ringing"
	case LegAnswered:
		return "Answered"
	case LegEnded:
		return "Ended"
	case LegDenied:
		return "Denied"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the leg can make no further progress.
func (s LegState) IsTerminal() bool {
	return s == LegEnded || s == LegDenied
}

// MediaState represents the media session's connection state.
// Failed and Closed are absorbing.
type MediaState int

const (
	// MediaNew indicates the session exists but connectivity has not started.
	MediaNew MediaState = iota
	// MediaConnecting indicates connectivity checks are in progress.
	MediaConnecting
	// MediaConnected indicates encrypted media is flowing.
	MediaConnected
	// MediaFailed indicates connectivity was lost and will not recover.
	MediaFailed
	// MediaClosed indicates the session was closed locally.
	MediaClosed
)

// String returns the string representation of MediaState.
func (s MediaState) String() string {
	switch s {
	case MediaNew:
		return "New"
	case MediaConnecting:
		return "Connecting"
	case MediaConnected:
		return "Connected"
	case MediaFailed:
		return "Failed"
	case MediaClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the media session can make no further progress.
func (s MediaState) IsTerminal() bool {
	return s == MediaFailed || s == MediaClosed
}

// Direction indicates which side originated the bridged call.
type Direction int

const (
	// DirectionInbound is a call received on a SIP line.
	DirectionInbound Direction = iota
	// DirectionOutbound is a call placed on behalf of the host.
	DirectionOutbound
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "Inbound"
	case DirectionOutbound:
		return "Outbound"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// EndedReason classifies why a session terminated. Exactly one reason is
// recorded per session and it is immutable once set.
type EndedReason string

const (
	// ReasonAudioTrackFailed: the inbound media track errored mid-call.
	ReasonAudioTrackFailed EndedReason = "Audio track failed"
	// ReasonCallDenied: the call was rejected before answer.
	ReasonCallDenied EndedReason = "Call denied"
	// ReasonCallEndedByRemote: the remote telephony party hung up.
	ReasonCallEndedByRemote EndedReason = "Call ended by remote party"
	// ReasonCallEndedByUser: the host issued an end command.
	ReasonCallEndedByUser EndedReason = "Call ended by user"
	// ReasonCallNotAnswered: the leg ended while still ringing.
	ReasonCallNotAnswered EndedReason = "Call not answered"
)
