package bridge

import (
	"sync"
	"time"
)

// teardown progress, guarded by Session.mu. Only the first caller moves
// the session out of sessionActive; everyone else observes and backs off.
type teardownState int

const (
	sessionActive teardownState = iota
	sessionEnding
	sessionEnded
)

// Session is one bridged call spanning a telephony leg and a media
// session, keyed by the leg's call ID. Caller and callee identities are
// copied out of the leg at creation so they survive leg teardown.
type Session struct {
	ID        string
	Direction Direction
	Leg       CallLeg
	Caller    Party
	Callee    Party
	CreatedAt time.Time

	mu       sync.Mutex
	media    MediaSession
	teardown teardownState
	reason   EndedReason
	done     chan struct{}
}

func newSession(leg CallLeg, dir Direction) *Session {
	return &Session{
		ID:        leg.ID(),
		Direction: dir,
		Leg:       leg,
		Caller:    leg.Caller(),
		Callee:    leg.Callee(),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Media returns the attached media session, or nil if none is attached.
func (s *Session) Media() MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// Done returns a channel closed once teardown has started. The audio
// loops select on it so they stop promptly and never touch the legs
// after the coordinator has released them.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether teardown has not started.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// beginTeardown attempts the Active -> Ending transition and records the
// session's immutable reason. It returns false if another caller already
// won the race.
func (s *Session) beginTeardown(reason EndedReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teardown != sessionActive {
		return false
	}
	s.teardown = sessionEnding
	s.reason = reason
	close(s.done)
	return true
}

func (s *Session) finishTeardown() {
	s.mu.Lock()
	s.teardown = sessionEnded
	s.mu.Unlock()
}

// Reason returns the recorded end reason. Empty until teardown begins.
func (s *Session) Reason() EndedReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Registry is the process-wide session table: the single source of truth
// for whether a session is still alive. Creation and removal are its only
// mutations and removal is idempotent.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session for the leg. Fails with
// ErrSessionExists if the leg's ID is already registered.
func (r *Registry) Create(leg CallLeg, dir Direction) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := leg.ID()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	sess := newSession(leg, dir)
	r.sessions[id] = sess
	return sess, nil
}

// AttachMedia binds a media session to an existing entry.
func (r *Registry) AttachMedia(id string, m MediaSession) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	sess.mu.Lock()
	sess.media = m
	sess.mu.Unlock()
	return nil
}

// Get returns the session for id. A session mid-teardown is still
// returned until Remove runs; after Remove it is simply absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
