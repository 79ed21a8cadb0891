package sipline

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/sebas/voicebridge/internal/audio"
)

// PCMU payload type and per-frame timestamp step at 8kHz.
const (
	payloadTypePCMU   = 0
	timestampPerFrame = uint32(audio.SamplesPerFrame)
)

// generateSSRC returns a cryptographically random 32-bit SSRC per
// RFC 3550.
func generateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// generateSequenceStart returns a random initial sequence number.
func generateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// generateTimestampStart returns a random initial timestamp.
func generateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// rtpSession is the media half of one leg: a UDP socket carrying PCMU
// both ways. The wire format is mu-law; the leg-facing buffers hold
// 8-bit biased linear samples, converted at this boundary.
type rtpSession struct {
	conn   net.PacketConn
	ssrc   uint32
	seq    uint16
	ts     uint32
	ticker *time.Ticker

	mu      sync.Mutex
	remote  net.Addr
	started bool
	closed  bool
	done    chan struct{}

	// recv carries audio from the remote party toward the bridge,
	// send the other way. Both sides are 8-bit biased linear.
	recv *audioBuffer
	send *audioBuffer
}

// newRTPSession binds a local UDP port for the leg's media. The remote
// endpoint comes from SDP and may be set later for outbound calls.
func newRTPSession(bindAddr string) (*rtpSession, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(bindAddr, "0"))
	if err != nil {
		return nil, fmt.Errorf("bind rtp socket: %w", err)
	}
	return &rtpSession{
		conn:   conn,
		ssrc:   generateSSRC(),
		seq:    generateSequenceStart(),
		ts:     generateTimestampStart(),
		ticker: time.NewTicker(audio.FrameDuration),
		done:   make(chan struct{}),
		recv:   newAudioBuffer(),
		send:   newAudioBuffer(),
	}, nil
}

// LocalPort returns the bound RTP port for SDP.
func (s *rtpSession) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote points the sender at the peer's media endpoint.
func (s *rtpSession) SetRemote(addr string, port int) error {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("resolve rtp remote: %w", err)
	}
	s.mu.Lock()
	s.remote = udpAddr
	s.mu.Unlock()
	return nil
}

// Start launches the receive and send pumps. Idempotent.
func (s *rtpSession) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.readLoop()
	go s.writeLoop()
}

// readLoop decodes inbound PCMU into the receive buffer.
func (s *rtpSession) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.recv.Close()
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[RTP] Dropping malformed packet", "error", err)
			continue
		}
		if pkt.PayloadType != payloadTypePCMU || len(pkt.Payload) == 0 {
			continue
		}
		wide := g711.DecodeUlaw(pkt.Payload)
		narrow, err := audio.ToLegacyFormat(wide)
		if err != nil {
			continue
		}
		s.recv.Write(narrow)
	}
}

// writeLoop paces one packet per frame interval, encoding buffered
// samples to PCMU. With nothing buffered it sends silence so the stream
// never goes quiet, which keeps NATs and jitter buffers settled.
func (s *rtpSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
		}

		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		if remote == nil {
			continue
		}

		frame, err := s.send.Read(audio.SamplesPerFrame, false)
		if err != nil {
			frame = silenceBytes()
		} else if len(frame) < audio.SamplesPerFrame {
			padded := silenceBytes()
			copy(padded, frame)
			frame = padded
		}

		wide, err := audio.ToMediaFormat(frame)
		if err != nil {
			continue
		}
		payload := g711.EncodeUlaw(wide)

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadTypePCMU,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := s.conn.WriteTo(data, remote); err != nil {
			slog.Debug("[RTP] Send failed", "error", err)
		}
		s.seq++
		s.ts += timestampPerFrame
	}
}

func silenceBytes() []byte {
	b := make([]byte, audio.SamplesPerFrame)
	for i := range b {
		b[i] = audio.Silence
	}
	return b
}

// ReadAudio hands received samples to the leg.
func (s *rtpSession) ReadAudio(n int, blocking bool) ([]byte, error) {
	return s.recv.Read(n, blocking)
}

// WriteAudio buffers samples for transmission.
func (s *rtpSession) WriteAudio(p []byte) {
	s.send.Write(p)
}

// Close tears the socket and both buffers down. Idempotent.
func (s *rtpSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.ticker.Stop()
	s.conn.Close()
	s.recv.Close()
	s.send.Close()
}
