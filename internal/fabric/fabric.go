// Package fabric abstracts the external cross-instance message fabric
// described in spec.md §4.11: an opaque publish/subscribe-to-stream
// service used to relay broadcasts and presence events between server
// instances so that horizontal scaling works.
package fabric

import (
	"context"
	"encoding/json"
)

// Kind distinguishes the two event families relayed across instances.
type Kind string

const (
	KindBroadcast      Kind = "broadcast"
	KindPresenceTrack  Kind = "presence_track"
	KindPresenceUntrack Kind = "presence_untrack"
)

// Event is one message relayed through the fabric. Every event carries the
// originating InstanceID so that receivers can drop events they published
// themselves. Event has no id field: ids a backend assigns to its entries
// (such as a Redis stream entry id) are not passed on to sinks.
type Event struct {
	Topic      string          `json:"topic"`
	Kind       Kind            `json:"kind"`
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Sink receives fabric events in order per stream.
type Sink func(Event)

// Fabric is the minimal contract spec.md §4.11 and §9 (design notes) call
// for: publish, subscribe, unsubscribe. The concrete transport may be
// pub/sub or a polled append-only stream; callers never see the difference.
type Fabric interface {
	// Publish delivers ev at-least-once to subscribers of ev.Topic.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers sink to receive events appended to topic by other
	// instances. Calling Subscribe again for the same topic replaces the
	// previous sink.
	Subscribe(ctx context.Context, topic string, sink Sink) error

	// Unsubscribe releases the subscription for topic. Idempotent.
	Unsubscribe(topic string) error

	// Close releases any background resources (polling goroutines, etc).
	Close() error
}
