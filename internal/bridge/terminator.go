package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/voicebridge/internal/bus"
)

// Coordinator is the single choke point for session teardown. Whatever
// component observes a terminal condition first - the leg-state watcher,
// the media-failure observer, an audio loop, or an end command - calls
// Terminate; only the first caller performs the teardown, all later
// callers return without side effects.
type Coordinator struct {
	registry *Registry
	events   bus.Publisher
}

// NewCoordinator creates a termination coordinator over the registry.
func NewCoordinator(registry *Registry, events bus.Publisher) *Coordinator {
	return &Coordinator{registry: registry, events: events}
}

// Terminate tears the session down with the given reason. Ordering is
// load-bearing: the ended notification is published first so listeners
// can still resolve session metadata through the registry, the media
// session is closed next, and the registry entry is removed last so a
// Get racing the teardown never sees a half-dismantled entry.
func (c *Coordinator) Terminate(sess *Session, reason EndedReason) {
	if !sess.beginTeardown(reason) {
		slog.Debug("[Teardown] Already ending, skipping",
			"session_id", sess.ID,
			"reason", string(reason),
		)
		return
	}

	slog.Info("[Teardown] Session ending",
		"session_id", sess.ID,
		"reason", string(reason),
		"direction", sess.Direction.String(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := bus.NewCallEnded(sess.ID,
		bus.Party{Name: sess.Caller.Name, Number: sess.Caller.Number},
		bus.Party{Name: sess.Callee.Name, Number: sess.Callee.Number},
		string(reason),
	)
	if err := c.events.Publish(ctx, ev); err != nil {
		slog.Warn("[Teardown] Failed to publish call_ended",
			"session_id", sess.ID,
			"error", err,
		)
	}

	c.closeAndRemove(sess)
}

// Abort tears the session down without publishing an ended notification.
// Used for the media-failure path, where the host-visible lifecycle is
// driven by the telephony leg's own transitions.
func (c *Coordinator) Abort(sess *Session) {
	if !sess.beginTeardown("") {
		return
	}
	slog.Warn("[Teardown] Session aborted on media failure",
		"session_id", sess.ID,
	)
	c.closeAndRemove(sess)
}

func (c *Coordinator) closeAndRemove(sess *Session) {
	if m := sess.Media(); m != nil {
		if state := m.ConnectionState(); state != MediaClosed {
			if err := m.Close(); err != nil {
				slog.Warn("[Teardown] Media close failed",
					"session_id", sess.ID,
					"error", err,
				)
			}
		} else {
			slog.Debug("[Teardown] Media session already closed",
				"session_id", sess.ID,
			)
		}
	}

	c.registry.Remove(sess.ID)
	sess.finishTeardown()

	slog.Info("[Teardown] Session ended", "session_id", sess.ID)
}
