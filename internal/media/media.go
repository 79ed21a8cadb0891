// Package media adapts a pion peer connection to the bridge's media
// session contract. Each session carries exactly one PCMU audio track in
// each direction; the adapter transcodes between the bridge's 16-bit
// frames and the wire codec at the track boundary.
package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/sebas/voicebridge/internal/bridge"
)

// Config controls peer connection construction.
type Config struct {
	// STUNServers lists STUN URIs used for candidate gathering, e.g.
	// "stun:stun.l.google.com:19302". Empty means host candidates only.
	STUNServers []string
}

// Factory builds one peer connection per bridged call from a shared
// webrtc API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewFactory prepares the shared media engine. Only PCMU at 8kHz is
// registered: the telephony side is fixed at that rate, and offering
// wideband codecs would invite a negotiation the bridge cannot honor.
func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}

	// Default interceptors (RTCP reports, NACK) are mandatory with a
	// custom media engine, otherwise inbound SRTP is not processed and
	// OnTrack never fires.
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
	)

	pcCfg := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	return &Factory{api: api, cfg: pcCfg}, nil
}

// NewSession creates a peer connection with a bidirectional PCMU
// transceiver and wires the track plumbing.
func (f *Factory) NewSession() (bridge.MediaSession, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"voicebridge",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	// Sendrecv so the answerer's track triggers OnTrack on our side.
	transceiver, err := pc.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	s := newSession(pc, track)

	// Drain sender RTCP so interceptor reports keep flowing.
	go func() {
		buf := make([]byte, 1500)
		sender := transceiver.Sender()
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Debug("[Media] Inbound track",
			"codec", remote.Codec().MimeType,
			"ssrc", uint32(remote.SSRC()),
		)
		go s.readRemote(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleState(state)
	})

	return s, nil
}
