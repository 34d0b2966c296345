// Package pubsub provides the top-level API. It re-exports the core types,
// so users can write:
//
//	file, _ := config.Load("pubsub.yaml")
//	m := pubsub.NewManager(file)
//	id, err := m.Topic("orders").Publish(ctx, data, "")
//
// Backends register themselves on import, e.g.
//
//	import _ "github.com/miladsoleymani/pubsub/plugins/kafka"
package pubsub

import (
	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Message            = core.Message
	MessageData        = core.MessageData
	MessageID          = core.MessageID
	Attribute          = core.Attribute
	SubHandler         = core.SubHandler
	Middleware         = core.Middleware
	Topic              = core.Topic
	Subscription       = core.Subscription
	Cluster            = core.Cluster
	TopicConfig        = core.TopicConfig
	SubscriptionConfig = core.SubscriptionConfig
	RetryPolicy        = core.RetryPolicy
	Router             = core.Router
)

// NewMessageData builds an immutable message body.
func NewMessageData(payload []byte, attrs ...Attribute) (MessageData, error) {
	return core.NewMessageData(payload, attrs...)
}

// NewCluster creates a Cluster for one backend instance.
func NewCluster(cfg cluster.Config, opts ...cluster.Option) *cluster.Cluster {
	return cluster.New(cfg, opts...)
}

// NewRouter creates a Router that runs subscriptions together.
func NewRouter(opts ...core.Option) *Router {
	return core.NewRouter(opts...)
}
