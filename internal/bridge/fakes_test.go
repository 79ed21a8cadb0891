package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sebas/voicebridge/internal/audio"
)

// fakeLeg is an in-memory CallLeg for exercising the bridge without a
// SIP stack.
type fakeLeg struct {
	mu     sync.Mutex
	id     string
	state  LegState
	caller Party
	callee Party

	answerErr error
	denyErr   error
	hangupErr error
	byeErr    error

	answers int
	denies  int
	hangups int
	byes    int
	forced  int

	audioIn chan []byte
	written [][]byte
	ended   chan struct{}
}

func newFakeLeg(id string) *fakeLeg {
	return &fakeLeg{
		id:      id,
		state:   LegRinging,
		caller:  Party{Name: "Alice", Number: "1000"},
		callee:  Party{Name: "Bob", Number: "2000"},
		audioIn: make(chan []byte, 16),
		ended:   make(chan struct{}),
	}
}

func (l *fakeLeg) ID() string { return l.id }

func (l *fakeLeg) State() LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLeg) setState(s LegState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if s.IsTerminal() && !prev.IsTerminal() {
		close(l.ended)
	}
}

func (l *fakeLeg) Caller() Party { return l.caller }
func (l *fakeLeg) Callee() Party { return l.callee }

func (l *fakeLeg) Answer() error {
	l.mu.Lock()
	l.answers++
	err := l.answerErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.setState(LegAnswered)
	return nil
}

func (l *fakeLeg) Deny() error {
	l.mu.Lock()
	l.denies++
	err := l.denyErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.setState(LegDenied)
	return nil
}

func (l *fakeLeg) Hangup() error {
	l.mu.Lock()
	l.hangups++
	err := l.hangupErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.setState(LegEnded)
	return nil
}

func (l *fakeLeg) Bye() error {
	l.mu.Lock()
	l.byes++
	err := l.byeErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.setState(LegEnded)
	return nil
}

func (l *fakeLeg) ForceEnded() {
	l.mu.Lock()
	l.forced++
	l.mu.Unlock()
	l.setState(LegEnded)
}

func (l *fakeLeg) ReadAudio(frameSize int, blocking bool) ([]byte, error) {
	if !blocking {
		select {
		case p := <-l.audioIn:
			return p, nil
		default:
			return nil, errors.New("no audio buffered")
		}
	}
	select {
	case p := <-l.audioIn:
		return p, nil
	case <-l.ended:
		return nil, io.EOF
	}
}

func (l *fakeLeg) WriteAudio(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	l.written = append(l.written, cp)
	return nil
}

func (l *fakeLeg) writtenFrames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}

func (l *fakeLeg) counts() (answers, denies, hangups, byes, forced int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answers, l.denies, l.hangups, l.byes, l.forced
}

// fakeMedia is an in-memory MediaSession.
type fakeMedia struct {
	mu    sync.Mutex
	state MediaState

	offerErr  error
	answerErr error
	remoteErr error

	remote     Description
	local      Description
	candidates []Candidate
	outbound   []audio.Frame
	outNotify  chan struct{}
	inbound    chan audio.Frame
	stateFn    func(MediaState)
	closed     bool
	inboundEnd sync.Once
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		state:     MediaNew,
		inbound:   make(chan audio.Frame, 16),
		outNotify: make(chan struct{}, 1),
	}
}

func (m *fakeMedia) ConnectionState() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMedia) CreateOffer() (Description, error) {
	if m.offerErr != nil {
		return Description{}, m.offerErr
	}
	return Description{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (m *fakeMedia) CreateAnswer() (Description, error) {
	if m.answerErr != nil {
		return Description{}, m.answerErr
	}
	return Description{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (m *fakeMedia) SetLocalDescription(d Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = d
	return nil
}

func (m *fakeMedia) SetRemoteDescription(d Description) error {
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = d
	return nil
}

func (m *fakeMedia) LocalDescription() (Description, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local.SDP == "" {
		return Description{}, false
	}
	return m.local, true
}

func (m *fakeMedia) AddCandidate(c Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) WriteOutbound(f audio.Frame) error {
	m.mu.Lock()
	m.outbound = append(m.outbound, f)
	m.mu.Unlock()
	select {
	case m.outNotify <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMedia) ReadInbound(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-m.inbound:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (m *fakeMedia) OnStateChange(fn func(MediaState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFn = fn
}

func (m *fakeMedia) fireState(s MediaState) {
	m.mu.Lock()
	m.state = s
	fn := m.stateFn
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *fakeMedia) outboundFrames() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audio.Frame, len(m.outbound))
	copy(out, m.outbound)
	return out
}

func (m *fakeMedia) remoteDescription() Description {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *fakeMedia) addedCandidates() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, len(m.candidates))
	copy(out, m.candidates)
	return out
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.state = MediaClosed
	m.closeInbound()
	return nil
}

// closeInbound ends the inbound stream exactly once, whether the test
// closes it directly or Close does.
func (m *fakeMedia) closeInbound() {
	m.inboundEnd.Do(func() { close(m.inbound) })
}

// fakeFactory hands out pre-built media sessions in order.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeMedia
	err      error
}

func (f *fakeFactory) NewSession() (MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m := newFakeMedia()
	f.sessions = append(f.sessions, m)
	return m, nil
}

func (f *fakeFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// fakeLine is an in-memory Line.
type fakeLine struct {
	mu      sync.Mutex
	id      string
	dialed  *fakeLeg
	dialErr error
	ringing []CallLeg
}

func (l *fakeLine) ID() string { return l.id }

func (l *fakeLine) Dial(callee string) (CallLeg, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	leg := newFakeLeg("dialed-" + callee)
	leg.callee = Party{Number: callee}
	l.dialed = leg
	return leg, nil
}

func (l *fakeLine) Ringing() []CallLeg {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallLeg, len(l.ringing))
	copy(out, l.ringing)
	return out
}
