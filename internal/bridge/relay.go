package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/bus"
)

const (
	// ringPollInterval is how often the ring watcher re-checks an
	// unanswered leg for remote cancellation.
	ringPollInterval = time.Second

	publishTimeout = 5 * time.Second
)

// Service relays signaling between the telephony lines and the host
// event bus. It owns the session registry and is the single entry point
// for host commands.
type Service struct {
	registry *Registry
	coord    *Coordinator
	media    MediaFactory
	events   bus.Publisher
	ringPoll time.Duration

	linesMu sync.Mutex
	lines   map[string]Line
}

func NewService(registry *Registry, coord *Coordinator, media MediaFactory, events bus.Publisher) *Service {
	return &Service{
		registry: registry,
		coord:    coord,
		media:    media,
		events:   events,
		lines:    make(map[string]Line),
		ringPoll: ringPollInterval,
	}
}

// AddLine registers a telephony line so start_call and seek_call can
// reach it.
func (s *Service) AddLine(l Line) {
	s.linesMu.Lock()
	s.lines[l.ID()] = l
	s.linesMu.Unlock()
}

func (s *Service) line(lineID string) (Line, bool) {
	s.linesMu.Lock()
	l, ok := s.lines[lineID]
	s.linesMu.Unlock()
	return l, ok
}

// HandleIncoming admits a ringing inbound leg: it creates the session
// and its media peer, starts the audio pipeline, announces the call to
// the host and arms the ring watcher. A leg already known to the
// registry is skipped, which makes ringing re-scans safe.
func (s *Service) HandleIncoming(leg CallLeg) {
	sess, err := s.registry.Create(leg, DirectionInbound)
	if err != nil {
		slog.Debug("[Relay] Incoming leg already tracked", "session_id", leg.ID())
		return
	}

	slog.Info("[Relay] Incoming call",
		"session_id", sess.ID,
		"caller", sess.Caller.Number,
		"callee", sess.Callee.Number,
	)

	offer, ok := s.attachMediaWithOffer(sess)
	if !ok {
		return
	}

	StartPipeline(sess, s.coord)
	go s.watchRinging(sess)

	s.publish(bus.NewIncomingCall(sess.ID, busParty(sess.Caller), busParty(sess.Callee), offer.SDP))
}

// watchRinging polls an unanswered leg until it is answered or reaches
// a terminal state. Remote cancellation while still ringing is reported
// as an unanswered call; an explicit local deny carries its own reason.
func (s *Service) watchRinging(sess *Session) {
	for {
		select {
		case <-sess.Done():
			return
		case <-time.After(s.ringPoll):
		}
		switch sess.Leg.State() {
		case LegAnswered:
			return
		case LegDenied:
			s.coord.Terminate(sess, ReasonCallDenied)
			return
		case LegEnded:
			s.coord.Terminate(sess, ReasonCallNotAnswered)
			return
		}
	}
}

// HandleCommand implements bus.CommandHandler.
func (s *Service) HandleCommand(cmd bus.Command) {
	switch cmd.Type {
	case bus.CmdAnswerCall:
		s.AnswerCall(cmd.SessionID, Description{Type: "answer", SDP: cmd.SDP})
	case bus.CmdDenyCall:
		s.DenyCall(cmd.SessionID)
	case bus.CmdStartCall:
		s.StartCall(cmd.LineID, cmd.Callee, Description{Type: "offer", SDP: cmd.SDP})
	case bus.CmdEndCall:
		s.EndCall(cmd.SessionID)
	case bus.CmdSeekCall:
		s.SeekCall(cmd.LineID)
	case bus.CmdNewICECandidate:
		s.AddCandidate(cmd.SessionID, Candidate{
			Candidate:     cmd.Candidate,
			SDPMid:        cmd.SDPMid,
			SDPMLineIndex: cmd.SDPMLineIndex,
		})
	default:
		slog.Warn("[Relay] Unknown command", "type", string(cmd.Type))
	}
}

// AnswerCall applies the host's session answer and picks up the leg.
func (s *Service) AnswerCall(sessionID string, answer Description) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		slog.Warn("[Relay] Answer for unknown session", "session_id", sessionID)
		return
	}
	m := sess.Media()
	if m == nil {
		slog.Warn("[Relay] Answer with no media", "session_id", sessionID)
		return
	}
	if err := m.SetRemoteDescription(answer); err != nil {
		slog.Error("[Relay] Remote description rejected",
			"session_id", sessionID,
			"error", err,
		)
		s.coord.Abort(sess)
		return
	}
	if err := sess.Leg.Answer(); err != nil {
		slog.Error("[Relay] Answer failed", "session_id", sessionID, "error", err)
		s.coord.Abort(sess)
		return
	}
	slog.Info("[Relay] Call answered", "session_id", sessionID)
}

// DenyCall rejects a ringing leg. If the line driver refuses the deny
// the leg is forced ended locally so the session cannot linger.
func (s *Service) DenyCall(sessionID string) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		slog.Warn("[Relay] Deny for unknown session", "session_id", sessionID)
		return
	}
	s.coord.Terminate(sess, ReasonCallDenied)
	if err := sess.Leg.Deny(); err != nil {
		slog.Warn("[Relay] Deny failed, forcing leg ended",
			"session_id", sessionID,
			"error", err,
		)
		sess.Leg.ForceEnded()
	}
}

// StartCall dials an outbound leg on the named line using the host's
// media offer and announces the resulting session with the local
// answer.
func (s *Service) StartCall(lineID, callee string, offer Description) {
	line, ok := s.line(lineID)
	if !ok {
		slog.Error("[Relay] Unknown line", "line_id", lineID)
		return
	}

	leg, err := line.Dial(callee)
	if err != nil {
		slog.Error("[Relay] Dial failed", "line_id", lineID, "callee", callee, "error", err)
		return
	}

	sess, err := s.registry.Create(leg, DirectionOutbound)
	if err != nil {
		slog.Error("[Relay] Session collision on dial", "session_id", leg.ID())
		leg.ForceEnded()
		return
	}

	m, err := s.media.NewSession()
	if err != nil {
		slog.Error("[Relay] Media setup failed", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return
	}
	if err := s.registry.AttachMedia(sess.ID, m); err != nil {
		m.Close()
		s.coord.Abort(sess)
		return
	}
	s.watchMedia(sess, m)

	if err := m.SetRemoteDescription(offer); err != nil {
		slog.Error("[Relay] Offer rejected", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return
	}
	answer, err := m.CreateAnswer()
	if err != nil {
		slog.Error("[Relay] Answer creation failed", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return
	}
	if err := m.SetLocalDescription(answer); err != nil {
		slog.Error("[Relay] Local description rejected", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return
	}
	local, ok := m.LocalDescription()
	if !ok {
		slog.Error("[Relay] No local description after gathering", "session_id", sess.ID)
		s.coord.Abort(sess)
		return
	}

	StartPipeline(sess, s.coord)
	go s.watchRinging(sess)

	slog.Info("[Relay] Outgoing call",
		"session_id", sess.ID,
		"line_id", lineID,
		"callee", callee,
	)
	s.publish(bus.NewOutgoingCall(sess.ID, busParty(sess.Caller), busParty(sess.Callee), local.SDP))
}

// EndCall hangs up a session at the host's request. An answered leg
// gets a proper hangup; a still-ringing one is cancelled.
func (s *Service) EndCall(sessionID string) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		slog.Warn("[Relay] End for unknown session", "session_id", sessionID)
		return
	}

	// Claim the teardown before signaling the leg so the audio loops
	// cannot observe the resulting leg transition and misattribute the
	// hangup to the remote party.
	s.coord.Terminate(sess, ReasonCallEndedByUser)

	var err error
	if sess.Leg.State() == LegAnswered {
		err = sess.Leg.Hangup()
	} else {
		err = sess.Leg.Bye()
	}
	if err != nil {
		slog.Warn("[Relay] Hangup failed, forcing leg ended",
			"session_id", sessionID,
			"error", err,
		)
		sess.Leg.ForceEnded()
	}
}

// SeekCall re-announces the named line's ringing legs the host has not
// yet seen. Legs already in the registry are left alone, so repeated
// scans are harmless.
func (s *Service) SeekCall(lineID string) {
	line, ok := s.line(lineID)
	if !ok {
		slog.Warn("[Relay] Seek for unknown line", "line_id", lineID)
		return
	}
	for _, leg := range line.Ringing() {
		if _, tracked := s.registry.Get(leg.ID()); tracked {
			continue
		}
		s.HandleIncoming(leg)
	}
}

// AddCandidate feeds a trickled ICE candidate to the session's media
// peer. End-of-candidates markers arrive as an empty candidate string
// and are dropped without touching the peer.
func (s *Service) AddCandidate(sessionID string, c Candidate) {
	if c.Candidate == "" {
		return
	}
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		slog.Debug("[Relay] Candidate for unknown session", "session_id", sessionID)
		return
	}
	m := sess.Media()
	if m == nil {
		return
	}
	if err := m.AddCandidate(c); err != nil {
		slog.Warn("[Relay] Candidate rejected", "session_id", sessionID, "error", err)
	}
}

// attachMediaWithOffer builds the media peer for an inbound session,
// publishes nothing itself but returns the gathered local offer. On any
// failure the session is aborted quietly.
func (s *Service) attachMediaWithOffer(sess *Session) (Description, bool) {
	m, err := s.media.NewSession()
	if err != nil {
		slog.Error("[Relay] Media setup failed", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return Description{}, false
	}
	if err := s.registry.AttachMedia(sess.ID, m); err != nil {
		m.Close()
		s.coord.Abort(sess)
		return Description{}, false
	}
	s.watchMedia(sess, m)

	offer, err := m.CreateOffer()
	if err != nil {
		slog.Error("[Relay] Offer creation failed", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return Description{}, false
	}
	if err := m.SetLocalDescription(offer); err != nil {
		slog.Error("[Relay] Local description rejected", "session_id", sess.ID, "error", err)
		s.coord.Abort(sess)
		return Description{}, false
	}
	local, ok := m.LocalDescription()
	if !ok {
		slog.Error("[Relay] No local description after gathering", "session_id", sess.ID)
		s.coord.Abort(sess)
		return Description{}, false
	}
	return local, true
}

// watchMedia reacts to transport failure on the media peer: the leg is
// hung up and the session torn down without a host event, since the
// host side of the call is the part that failed.
func (s *Service) watchMedia(sess *Session, m MediaSession) {
	m.OnStateChange(func(st MediaState) {
		slog.Debug("[Relay] Media state",
			"session_id", sess.ID,
			"state", st.String(),
		)
		if st != MediaFailed {
			return
		}
		if !sess.Alive() {
			return
		}
		slog.Warn("[Relay] Media transport failed", "session_id", sess.ID)
		if sess.Leg.State() == LegAnswered {
			if err := sess.Leg.Hangup(); err != nil {
				sess.Leg.ForceEnded()
			}
		} else {
			if err := sess.Leg.Bye(); err != nil {
				sess.Leg.ForceEnded()
			}
		}
		s.coord.Abort(sess)
	})
}

func (s *Service) publish(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Error("[Relay] Publish failed", "subject", ev.Subject(), "error", err)
	}
}

func busParty(p Party) bus.Party {
	return bus.Party{Name: p.Name, Number: p.Number}
}

// SessionCount reports how many sessions the relay currently tracks.
func (s *Service) SessionCount() int { return s.registry.Len() }

var _ bus.CommandHandler = (*Service)(nil)
