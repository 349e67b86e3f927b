package model

import core "LBTrafficGuard/internal/core/model"

// EventSink receives every attack and timeout event exactly once. Implementations
// must return quickly; anything slow belongs behind a queue.
type EventSink interface {
	HandleEvent(event core.AttackEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event core.AttackEvent)

// HandleEvent calls f(event).
func (f EventSinkFunc) HandleEvent(event core.AttackEvent) { f(event) }

// Closer is implemented by sinks holding connections that need flushing on shutdown.
type Closer interface {
	Close() error
}

// DropReporter is implemented by queued sinks that shed events when full.
type DropReporter interface {
	Name() string
	Dropped() uint64
}
