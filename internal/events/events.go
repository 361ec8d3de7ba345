package events

import "context"

// Event types
const (
	EventEscrowCreated      = "escrow_created"
	EventEscrowStateChanged = "escrow_state_changed"
)

// Stream all escrow events are published to.
const StreamEscrow = "events:escrow"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Publisher is the post-commit side channel. Publish failures must never
// roll back or block a committed transition; callers fire and forget.
type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher discards all events. Used by tests and the seed tooling.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, stream string, event Event) error { return nil }
