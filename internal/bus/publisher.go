package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the outward half of the host bus. Implementations may be
// no-op, logging, in-memory (for tests), or a live host connection.
type Publisher interface {
	// Publish sends a notification. Returns error only for transport
	// failures; the bridge logs but does not retry.
	Publish(ctx context.Context, event Event) error

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all notifications.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }

func (p *NoopPublisher) Close() error { return nil }

// LoggingPublisher logs notifications at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("event published",
		"subject", event.Subject(),
		"type", string(event.Type()),
		"session_id", event.Session(),
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// MemoryPublisher records notifications for inspection in tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
	closed bool
}

// NewMemoryPublisher creates an in-memory publisher. The channel buffer
// holds delivered events for tests that want to block on arrival.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{ch: make(chan Event, 64)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.events = append(p.events, event)
	select {
	case p.ch <- event:
	default:
	}
	return nil
}

// Events returns a snapshot of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByType returns published events of one type.
func (p *MemoryPublisher) ByType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// Chan exposes the delivery channel for tests that wait on events.
func (p *MemoryPublisher) Chan() <-chan Event { return p.ch }

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
