// Package noop is the null backend: publishing always fails with
// core.ErrTopicNotConfigured and subscriptions never deliver.
//
// It backs every handle whose configuration names no usable backend, so that
// misconfiguration surfaces as a deterministic error instead of a panic or a
// silently dropped message.
package noop

import (
	"context"
	"fmt"

	"github.com/miladsoleymani/pubsub/core"
)

// Driver implements core.Driver without a broker.
type Driver struct {
	reason error
}

// New creates a no-op Driver.
func New(fns ...Option) *Driver {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Driver{reason: opts.reason}
}

func (d *Driver) Publisher(core.TopicConfig) (core.Publisher, error) {
	return Publisher{reason: d.reason}, nil
}

func (d *Driver) Source(core.SubscriptionConfig, core.TopicConfig) (core.Source, error) {
	return Source{}, nil
}

func (d *Driver) Close() error { return nil }

// Publisher rejects every message.
type Publisher struct {
	reason error
}

func (p Publisher) Publish(context.Context, core.MessageData, string) (core.MessageID, error) {
	if p.reason != nil {
		return "", fmt.Errorf("%w: %w", core.ErrTopicNotConfigured, p.reason)
	}
	return "", core.ErrTopicNotConfigured
}

// Source never yields a message. Receive blocks until ctx is done.
type Source struct{}

func (Source) Receive(ctx context.Context) (core.Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (Source) Close() error { return nil }

// NewTopic returns a topic handle on which every publish fails.
func NewTopic(cfg core.TopicConfig, fns ...Option) core.Topic {
	pub, _ := New(fns...).Publisher(cfg)
	return core.NewTopic(cfg, pub)
}

// NewSubscription returns a subscription handle that delivers nothing and
// stops cleanly when its context is cancelled.
func NewSubscription(cfg core.SubscriptionConfig, topic core.TopicConfig) core.Subscription {
	return core.NewSubscription(cfg, topic, Source{})
}
