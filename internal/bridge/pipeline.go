package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/voicebridge/internal/audio"
)

// Pipeline runs the two unidirectional transcoding loops for one
// session. Both loops re-check session liveness on every iteration and
// stop promptly once the termination coordinator has run; they never
// touch the legs after that point.
type Pipeline struct {
	sess  *Session
	coord *Coordinator
}

// StartPipeline spawns the legacy-to-media and media-to-legacy loops for
// the session. The legacy read may block on the line driver's socket, so
// both loops run off the signaling path.
func StartPipeline(sess *Session, coord *Coordinator) *Pipeline {
	p := &Pipeline{sess: sess, coord: coord}
	go p.legacyToMedia()
	go p.mediaToLegacy()
	return p
}

// legacyToMedia acquires one frame of telephony audio per 20ms tick,
// widens it to 16-bit and hands it to the outbound media track. While
// the leg is not answered it feeds pre-silence so the track never
// starves; if the leg ends during that silence period the remote party
// hung up before or after talking, and this loop is the observer that
// reports it.
func (p *Pipeline) legacyToMedia() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	leg := p.sess.Leg
	var pts int64
	var answered bool

	for {
		select {
		case <-p.sess.Done():
			return
		case <-ticker.C:
		}

		var raw []byte
		switch leg.State() {
		case LegAnswered:
			answered = true
			data, err := leg.ReadAudio(audio.SamplesPerFrame, true)
			if err != nil {
				slog.Debug("[Pipeline] Legacy read failed",
					"session_id", p.sess.ID,
					"error", err,
				)
				continue
			}
			raw = data
		case LegEnded:
			// A leg that ends without ever being answered was abandoned
			// by the remote party while ringing.
			if answered {
				p.coord.Terminate(p.sess, ReasonCallEndedByRemote)
			} else {
				p.coord.Terminate(p.sess, ReasonCallNotAnswered)
			}
			return
		default:
			raw = audio.SilenceFrame(pts).Data
		}

		if len(raw) < audio.SamplesPerFrame {
			// Short read near teardown: pad with silence rather than
			// shipping a truncated frame.
			padded := make([]byte, audio.SamplesPerFrame)
			copy(padded, raw)
			for i := len(raw); i < len(padded); i++ {
				padded[i] = audio.Silence
			}
			raw = padded
		}

		wide, err := audio.ToMediaFormat(raw)
		if err != nil {
			slog.Warn("[Pipeline] Widen failed", "session_id", p.sess.ID, "error", err)
			continue
		}

		m := p.sess.Media()
		if m == nil {
			pts += int64(audio.SamplesPerFrame)
			continue
		}
		if !p.sess.Alive() {
			return
		}
		if err := m.WriteOutbound(audio.Frame{Data: wide, Format: audio.Media16, PTS: pts}); err != nil {
			slog.Debug("[Pipeline] Outbound write failed",
				"session_id", p.sess.ID,
				"error", err,
			)
		}
		pts += int64(audio.SamplesPerFrame)
	}
}

// mediaToLegacy awaits inbound media frames, narrows them to the
// telephony format and writes them to the leg. End-of-stream during an
// answered call is a media fault: the leg is hung up and the session
// terminated with the audio-track reason. A track close in any other
// state is the expected shutdown order and the loop exits quietly.
func (p *Pipeline) mediaToLegacy() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.sess.Done()
		cancel()
	}()

	leg := p.sess.Leg

	for p.sess.Alive() {
		m := p.sess.Media()
		if m == nil {
			// Media not attached yet; retry shortly.
			select {
			case <-p.sess.Done():
				return
			case <-time.After(audio.FrameDuration):
			}
			continue
		}

		frame, err := m.ReadInbound(ctx)
		if err != nil {
			if !p.sess.Alive() {
				return
			}
			if leg.State() == LegAnswered {
				slog.Warn("[Pipeline] Inbound track ended mid-call",
					"session_id", p.sess.ID,
					"error", err,
				)
				if err := leg.Hangup(); err != nil {
					slog.Warn("[Pipeline] Hangup failed",
						"session_id", p.sess.ID,
						"error", err,
					)
				}
				p.coord.Terminate(p.sess, ReasonAudioTrackFailed)
			} else {
				slog.Debug("[Pipeline] Inbound track closed",
					"session_id", p.sess.ID,
					"leg_state", leg.State().String(),
				)
			}
			return
		}

		if len(frame.Data) == 0 {
			continue
		}
		narrow, err := audio.ToLegacyFormat(frame.Data)
		if err != nil {
			slog.Warn("[Pipeline] Narrow failed", "session_id", p.sess.ID, "error", err)
			continue
		}
		if !p.sess.Alive() {
			return
		}
		if err := leg.WriteAudio(narrow); err != nil {
			slog.Debug("[Pipeline] Legacy write failed",
				"session_id", p.sess.ID,
				"error", err,
			)
		}
	}
}
