package noop

import "github.com/miladsoleymani/pubsub/core"

// Cluster is a core.Cluster whose handles are all no-ops. Handles are not
// cached; they hold no state worth sharing.
type Cluster struct {
	opts []Option
}

// NewCluster returns a Cluster backed by the no-op driver.
func NewCluster(fns ...Option) *Cluster {
	return &Cluster{opts: fns}
}

func (c *Cluster) Topic(cfg core.TopicConfig) core.Topic {
	return NewTopic(cfg, c.opts...)
}

func (c *Cluster) Subscription(cfg core.SubscriptionConfig, topic core.TopicConfig) core.Subscription {
	return NewSubscription(cfg, topic)
}

func (c *Cluster) Close() error { return nil }

var _ core.Cluster = (*Cluster)(nil)
