package sipline

import (
	"testing"
	"time"

	"github.com/sebas/voicebridge/internal/audio"
)

func newLoopbackPair(t *testing.T) (*rtpSession, *rtpSession) {
	t.Helper()
	a, err := newRTPSession("127.0.0.1")
	if err != nil {
		t.Fatalf("newRTPSession a: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := newRTPSession("127.0.0.1")
	if err != nil {
		t.Fatalf("newRTPSession b: %v", err)
	}
	t.Cleanup(b.Close)

	if err := a.SetRemote("127.0.0.1", b.LocalPort()); err != nil {
		t.Fatalf("SetRemote a: %v", err)
	}
	if err := b.SetRemote("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("SetRemote b: %v", err)
	}
	return a, b
}

func TestRTPSessionDistinctPorts(t *testing.T) {
	a, b := newLoopbackPair(t)
	if a.LocalPort() == b.LocalPort() {
		t.Errorf("both sessions bound port %d", a.LocalPort())
	}
	if a.LocalPort() == 0 || b.LocalPort() == 0 {
		t.Error("ephemeral port not resolved")
	}
}

func TestRTPLoopbackDelivery(t *testing.T) {
	a, b := newLoopbackPair(t)
	a.Start()
	b.Start()

	// A full second of a non-silent sample so at least some 20ms frames
	// carry it despite pacing.
	payload := make([]byte, audio.Clock)
	for i := range payload {
		payload[i] = 0xC0
	}
	a.WriteAudio(payload)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := b.ReadAudio(audio.SamplesPerFrame, false)
		if err == nil {
			for _, sample := range got {
				if sample != audio.Silence {
					// µ-law round trip is lossy but must stay far from
					// the silence midpoint for a loud input.
					return
				}
			}
		}
		time.Sleep(audio.FrameDuration)
	}
	t.Fatal("no audio arrived over loopback")
}

func TestRTPSendsSilenceWhenStarved(t *testing.T) {
	a, b := newLoopbackPair(t)
	a.Start()
	b.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := b.ReadAudio(audio.SamplesPerFrame, false)
		if err == nil && len(got) > 0 {
			for _, sample := range got {
				if sample != audio.Silence {
					t.Fatalf("starved sender produced sample %#x, want silence", sample)
				}
			}
			return
		}
		time.Sleep(audio.FrameDuration)
	}
	t.Fatal("no frames arrived over loopback")
}

func TestRTPCloseIsIdempotent(t *testing.T) {
	a, err := newRTPSession("127.0.0.1")
	if err != nil {
		t.Fatalf("newRTPSession: %v", err)
	}
	a.Start()
	a.Close()
	a.Close()
}
