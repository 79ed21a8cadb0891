package bridge

import "errors"

var (
	// ErrSessionExists is returned when creating a session whose ID is
	// already registered.
	ErrSessionExists = errors.New("bridge: session already exists")

	// ErrUnknownSession is returned when a command references a session
	// the registry no longer holds.
	ErrUnknownSession = errors.New("bridge: unknown session")

	// ErrUnknownLine is returned when a command references a line that
	// was never configured.
	ErrUnknownLine = errors.New("bridge: unknown line")

	// ErrNoMedia is returned when an operation needs a media session
	// that has not been attached yet.
	ErrNoMedia = errors.New("bridge: no media session attached")
)
