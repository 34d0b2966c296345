package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// Binder deserializes raw message bytes into a Go value.
// Implement this interface for custom serialization formats (Protobuf, Avro, etc.).
type Binder interface {
	Bind(data []byte, v any) error
}

// JSONBinder deserializes JSON message bodies.
type JSONBinder struct{}

func (JSONBinder) Bind(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}

// Bind adapts a typed handler to a SubHandler. A payload that cannot be
// decoded is unrecoverable: retrying would fail the same way.
//
//	sub.Subscribe(ctx, core.Bind(core.JSONBinder{}, func(ctx context.Context, msg *core.Message, o *Order) error {
//	    return billing.Charge(ctx, o)
//	}))
func Bind[T any](b Binder, fn func(ctx context.Context, msg *Message, v *T) error) SubHandler {
	if b == nil {
		b = JSONBinder{}
	}
	return func(ctx context.Context, msg *Message) error {
		v := new(T)
		if err := b.Bind(msg.Data.Payload(), v); err != nil {
			return Unrecoverable(fmt.Errorf("pubsub: bind message %s: %w", msg.ID, err))
		}
		return fn(ctx, msg, v)
	}
}
