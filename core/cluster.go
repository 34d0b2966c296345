package core

import "context"

// Cluster manufactures Topic and Subscription handles for one backend.
// Repeated lookups with the same logical name return handles that behave
// identically. Constructing a handle never blocks on network I/O.
type Cluster interface {
	Topic(cfg TopicConfig) Topic
	Subscription(cfg SubscriptionConfig, topic TopicConfig) Subscription
	Close() error
}

// Topic is the publish side of a named message stream. Publish is safe for
// concurrent use.
type Topic interface {
	Name() string

	// Publish hands data to the backend. On success the message is durably
	// accepted and its ID returned. On failure no ID is returned and the
	// caller cannot tell whether the message was accepted.
	// An empty orderingKey means no ordering is requested.
	Publish(ctx context.Context, data MessageData, orderingKey string) (MessageID, error)
}

// Subscription is the consume side of a topic.
type Subscription interface {
	Name() string
	State() State

	// Subscribe runs the delivery loop, invoking h for each message, until ctx
	// is cancelled (nil error) or the backend fails unrecoverably.
	Subscribe(ctx context.Context, h SubHandler) error
}

// Driver is implemented by broker plugins. The generic Topic and Subscription
// in this package layer validation, ordering and retry policy on top of it.
type Driver interface {
	Publisher(cfg TopicConfig) (Publisher, error)
	Source(cfg SubscriptionConfig, topic TopicConfig) (Source, error)
	Close() error
}

// Publisher writes messages to one backend topic.
type Publisher interface {
	Publish(ctx context.Context, data MessageData, orderingKey string) (MessageID, error)
}

// Source yields envelopes for one subscription.
type Source interface {
	// Receive blocks until an envelope is available. Once ctx is done it
	// returns ctx.Err().
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// Envelope is a received message awaiting settlement. Exactly one of Ack or
// Nack is called per envelope.
type Envelope interface {
	Message() *Message

	// Ack confirms processing (commit offset / remove from queue).
	Ack(ctx context.Context) error

	// Nack hands the message back to the backend for redelivery.
	Nack(ctx context.Context) error
}
