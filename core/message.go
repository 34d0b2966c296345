package core

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// MessageID is the opaque identifier a backend assigns to a message at publish time.
type MessageID string

// Attribute is a single string key/value pair attached to a message.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MessageData is the immutable unit of data moved through a topic: a payload
// plus an ordered set of attributes with unique keys.
type MessageData struct {
	payload []byte
	attrs   []Attribute
}

// NewMessageData copies payload and attrs into a MessageData.
// Attribute order is preserved; repeated keys are rejected.
func NewMessageData(payload []byte, attrs ...Attribute) (MessageData, error) {
	seen := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		if _, dup := seen[a.Key]; dup {
			return MessageData{}, fmt.Errorf("%w: %q", ErrDuplicateAttribute, a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return MessageData{
		payload: slices.Clone(payload),
		attrs:   slices.Clone(attrs),
	}, nil
}

// Payload returns a copy of the message body.
func (d MessageData) Payload() []byte { return slices.Clone(d.payload) }

// Len returns the payload size in bytes.
func (d MessageData) Len() int { return len(d.payload) }

// Attributes returns a copy of the attributes in insertion order.
func (d MessageData) Attributes() []Attribute { return slices.Clone(d.attrs) }

// Attribute returns the value stored under key.
func (d MessageData) Attribute(key string) (string, bool) {
	for _, a := range d.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// WithAttribute returns a copy of d with key set to value. An existing key keeps
// its position; a new key is appended.
func (d MessageData) WithAttribute(key, value string) MessageData {
	attrs := slices.Clone(d.attrs)
	i := slices.IndexFunc(attrs, func(a Attribute) bool { return a.Key == key })
	if i >= 0 {
		attrs[i].Value = value
	} else {
		attrs = append(attrs, Attribute{Key: key, Value: value})
	}
	return MessageData{payload: d.payload, attrs: attrs}
}

// Message is a delivered envelope as seen by a SubHandler.
type Message struct {
	ID           MessageID
	Data         MessageData
	OrderingKey  string
	Topic        string
	Subscription string

	// Attempt is 1 for the first delivery to this subscription and grows with
	// every redelivery.
	Attempt     int
	PublishTime time.Time
}

// SubHandler consumes one delivered message. A nil error acknowledges the
// message; any other error hands it to the subscription's retry policy.
type SubHandler func(ctx context.Context, msg *Message) error

// Middleware wraps a SubHandler to add cross-cutting behavior.
type Middleware func(SubHandler) SubHandler

// Chain wraps h with mws. Given [A, B, C] the call order is A -> B -> C -> h.
func Chain(h SubHandler, mws ...Middleware) SubHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
