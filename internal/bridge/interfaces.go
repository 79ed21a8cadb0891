package bridge

import (
	"context"

	"github.com/sebas/voicebridge/internal/audio"
)

// Party identifies one end of a call as carried in the telephony
// request headers.
type Party struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// CallLeg is the telephony side of a bridged call, provided by the SIP
// line driver. All methods are safe for concurrent use. The bridge owns
// the leg exclusively for the session's lifetime.
type CallLeg interface {
	// ID returns the leg's call identifier, stable for its lifetime.
	// It doubles as the bridge session ID.
	ID() string

	// State returns the current leg state, readable anytime.
	State() LegState

	// Caller and Callee return the identities from the request headers.
	// Stable once the leg exists.
	Caller() Party
	Callee() Party

	// Answer accepts a ringing inbound leg.
	Answer() error

	// Deny rejects a ringing inbound leg. May fail if the leg already
	// transitioned; callers treat deny as best-effort.
	Deny() error

	// Hangup terminates an answered leg.
	Hangup() error

	// Bye terminates the leg at the protocol level regardless of whether
	// it was ever answered.
	Bye() error

	// ForceEnded marks the leg Ended locally without signaling. Used when
	// a deny races the remote party's own teardown.
	ForceEnded()

	// ReadAudio returns up to frameSize bytes of 8-bit biased linear PCM.
	// With blocking set it waits until a full frame is available or the
	// leg ends; it may suspend the calling goroutine and must not be
	// called from the signaling path.
	ReadAudio(frameSize int, blocking bool) ([]byte, error)

	// WriteAudio buffers 8-bit biased linear PCM for transmission.
	// Non-blocking.
	WriteAudio(p []byte) error
}

// Line is one configured SIP account. Provided by the line driver.
type Line interface {
	// ID returns the line identifier (the account's user part).
	ID() string

	// Dial places an outbound call to the given number and returns the
	// new leg once signaling is underway.
	Dial(callee string) (CallLeg, error)

	// Ringing returns the legs currently ringing on this line.
	Ringing() []CallLeg
}

// Description is a session description exchanged during offer/answer.
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity candidate from the remote peer. An empty
// Candidate string is the end-of-candidates marker.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// MediaSession is the WebRTC side of a bridged call, provided by the
// media adapter. The outbound audio track and the inbound track reader
// are owned by the implementation; the bridge exchanges frames through
// WriteOutbound and ReadInbound so media events never call back into
// bridge state directly.
type MediaSession interface {
	// ConnectionState returns the current connection state.
	ConnectionState() MediaState

	// CreateOffer and CreateAnswer produce local descriptions.
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)

	// SetLocalDescription applies a locally created description. The
	// implementation may block briefly to finish candidate gathering so
	// that LocalDescription carries a complete set.
	SetLocalDescription(Description) error

	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(Description) error

	// LocalDescription returns the current local description, including
	// gathered candidates.
	LocalDescription() (Description, bool)

	// AddCandidate feeds one remote connectivity candidate.
	AddCandidate(Candidate) error

	// WriteOutbound hands one 16-bit frame to the outbound audio track.
	WriteOutbound(f audio.Frame) error

	// ReadInbound blocks until the next inbound 16-bit frame arrives.
	// Returns io.EOF once the inbound track ends or the session closes.
	ReadInbound(ctx context.Context) (audio.Frame, error)

	// OnStateChange registers a callback for connection-state changes.
	// Callbacks run on their own goroutine.
	OnStateChange(fn func(MediaState))

	// Close releases the session. Safe to call multiple times.
	Close() error
}

// MediaFactory creates media sessions. One session is created per
// bridged call.
type MediaFactory interface {
	NewSession() (MediaSession, error)
}
