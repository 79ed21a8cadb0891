package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/zaf/g711"

	"github.com/sebas/voicebridge/internal/audio"
	"github.com/sebas/voicebridge/internal/bridge"
)

// gatherTimeout bounds the wait for ICE candidate gathering after a
// local description is applied.
const gatherTimeout = 10 * time.Second

// inboundDepth is the inbound frame buffer in 20ms frames. When the
// bridge falls behind the newest frame is dropped; stale audio is worse
// than a gap.
const inboundDepth = 32

// Session is one peer connection bridged to a telephony leg.
type Session struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	stateFn   func(bridge.MediaState)
	closeOnce sync.Once
	closeErr  error

	inbound  chan audio.Frame
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample) *Session {
	return &Session{
		pc:      pc,
		track:   track,
		inbound: make(chan audio.Frame, inboundDepth),
		done:    make(chan struct{}),
	}
}

// ConnectionState maps the peer connection state onto the bridge's
// coarser media states.
func (s *Session) ConnectionState() bridge.MediaState {
	return mapState(s.pc.ConnectionState())
}

func mapState(state webrtc.PeerConnectionState) bridge.MediaState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return bridge.MediaNew
	case webrtc.PeerConnectionStateConnecting:
		return bridge.MediaConnecting
	case webrtc.PeerConnectionStateConnected:
		return bridge.MediaConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return bridge.MediaFailed
	case webrtc.PeerConnectionStateClosed:
		return bridge.MediaClosed
	default:
		return bridge.MediaNew
	}
}

func (s *Session) handleState(state webrtc.PeerConnectionState) {
	mapped := mapState(state)
	if mapped == bridge.MediaFailed || mapped == bridge.MediaClosed {
		s.endInbound()
	}
	s.mu.Lock()
	fn := s.stateFn
	s.mu.Unlock()
	if fn != nil {
		fn(mapped)
	}
}

// CreateOffer produces a local offer. Candidates are not yet gathered;
// SetLocalDescription completes them.
func (s *Session) CreateOffer() (bridge.Description, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return bridge.Description{}, fmt.Errorf("create offer: %w", err)
	}
	return bridge.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer produces a local answer to the applied remote offer.
func (s *Session) CreateAnswer() (bridge.Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return bridge.Description{}, fmt.Errorf("create answer: %w", err)
	}
	return bridge.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetLocalDescription applies the description and blocks until ICE
// gathering completes, so LocalDescription afterwards carries the full
// candidate set and the host needs no trickle path toward us.
func (s *Session) SetLocalDescription(d bridge.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-webrtc.GatheringCompletePromise(s.pc):
	case <-time.After(gatherTimeout):
		slog.Warn("[Media] Candidate gathering timed out, continuing with partial set")
	}
	return nil
}

// SetRemoteDescription applies the peer's description.
func (s *Session) SetRemoteDescription(d bridge.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// LocalDescription returns the current local description.
func (s *Session) LocalDescription() (bridge.Description, bool) {
	sd := s.pc.LocalDescription()
	if sd == nil {
		return bridge.Description{}, false
	}
	return bridge.Description{Type: sd.Type.String(), SDP: sd.SDP}, true
}

// AddCandidate feeds one remote ICE candidate to the peer connection.
func (s *Session) AddCandidate(c bridge.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// WriteOutbound encodes one 16-bit frame to the wire codec and writes
// it to the outbound track. Writes before the transport is up are
// accepted and dropped by pion, which is exactly what pre-answer
// silence wants.
func (s *Session) WriteOutbound(f audio.Frame) error {
	if f.Format != audio.Media16 {
		return fmt.Errorf("outbound frame format %s: %w", f.Format, audio.ErrInvalidFrameLength)
	}
	encoded := g711.EncodeUlaw(f.Data)
	return s.track.WriteSample(media.Sample{
		Data:     encoded,
		Duration: audio.FrameDuration,
	})
}

// ReadInbound returns the next decoded inbound frame. io.EOF once the
// inbound track has ended or the session is closed.
func (s *Session) ReadInbound(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-s.inbound:
		return f, nil
	case <-s.done:
		return audio.Frame{}, io.EOF
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// OnStateChange registers the connection-state callback. Only one
// callback is kept; registering replaces the previous one.
func (s *Session) OnStateChange(fn func(bridge.MediaState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFn = fn
}

// Close shuts the peer connection down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
		s.endInbound()
	})
	return s.closeErr
}

// readRemote pumps the inbound track into the frame buffer until the
// track ends. Packets are decoded from the wire codec to 16-bit PCM
// here so the bridge only ever sees its own formats.
func (s *Session) readRemote(remote *webrtc.TrackRemote) {
	defer s.endInbound()
	var pts int64
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				slog.Debug("[Media] Inbound track read failed", "error", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		decoded := g711.DecodeUlaw(pkt.Payload)
		f := audio.Frame{Data: decoded, Format: audio.Media16, PTS: pts}
		pts += int64(len(decoded) / 2)
		select {
		case <-s.done:
			return
		case s.inbound <- f:
		default:
			// Bridge is behind; drop rather than grow latency.
		}
	}
}

// endInbound signals end-of-stream to ReadInbound exactly once.
func (s *Session) endInbound() {
	s.doneOnce.Do(func() { close(s.done) })
}

func toSessionDescription(d bridge.Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unknown description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
