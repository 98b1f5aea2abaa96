package bus

import "context"

// DefaultCapacity is the buffer size for the event and command channels.
const DefaultCapacity = 1024

// Bus bundles the three channels of the system: the ordered event stream
// into the scheduler, the ordered command stream from the UI, and the
// best-effort broadcast back out to the UI.
type Bus struct {
	events   chan Event
	commands chan Command
	ui       chan Event
}

// New creates a bus with the given channel capacity (DefaultCapacity if
// capacity <= 0). The UI broadcast channel gets four times the capacity
// because it absorbs every re-published event including log lines.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		events:   make(chan Event, capacity),
		commands: make(chan Command, capacity),
		ui:       make(chan Event, 4*capacity),
	}
}

// Events is the scheduler's receive side of the event stream.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Commands is the scheduler's receive side of the command stream.
func (b *Bus) Commands() <-chan Command {
	return b.commands
}

// UI is the display side of the event broadcast.
func (b *Bus) UI() <-chan Event {
	return b.ui
}

// Publish delivers an event to the scheduler. It blocks when the channel is
// full (backpressure on the producer) and returns false once ctx is done.
// Supervisor events must not be dropped.
func (b *Bus) Publish(ctx context.Context, e Event) bool {
	select {
	case b.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send enqueues a user command. The UI is user-driven and rate-limited, so
// a full channel drops the command and returns false.
func (b *Bus) Send(c Command) bool {
	select {
	case b.commands <- c:
		return true
	default:
		return false
	}
}

// Broadcast re-publishes an event to the UI, dropping it when the UI cannot
// keep up.
func (b *Bus) Broadcast(e Event) bool {
	select {
	case b.ui <- e:
		return true
	default:
		return false
	}
}
