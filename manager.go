package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/config"
	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/plugins/noop"
)

// Manager resolves logical topic and subscription names from a configuration
// file to handles of the cluster hosting them.
//
// Clusters are opened on first use. Names missing from the file resolve to
// no-op handles: publishing fails with core.ErrTopicNotConfigured and
// subscribing delivers nothing until cancelled.
type Manager struct {
	file   *config.File
	opts   options
	logger *zap.Logger

	mu       sync.Mutex
	clusters map[string]*cluster.Cluster
	closed   bool
}

// NewManager creates a Manager for a validated file.
func NewManager(file *config.File, fns ...Option) *Manager {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if file == nil {
		file = &config.File{}
	}
	return &Manager{
		file:     file,
		opts:     opts,
		logger:   opts.logger,
		clusters: make(map[string]*cluster.Cluster),
	}
}

// Topic returns the handle for the named topic.
func (m *Manager) Topic(name string) core.Topic {
	cfg, ok := m.file.Topic(name)
	if !ok {
		m.logger.Warn("topic not configured", zap.String("topic", name))
		return missingTopic(name, fmt.Errorf("no topic %q in configuration", name))
	}
	c, err := m.cluster(cfg.Cluster)
	if err != nil {
		return missingTopic(name, err)
	}
	return c.Topic(cfg)
}

// Subscription returns the handle for the named subscription.
func (m *Manager) Subscription(name string) core.Subscription {
	cfg, ok := m.file.Subscription(name)
	if !ok {
		m.logger.Warn("subscription not configured", zap.String("subscription", name))
		return noop.NewSubscription(core.SubscriptionConfig{Name: name}, core.TopicConfig{})
	}
	topic, _ := m.file.Topic(cfg.Topic)
	c, err := m.cluster(topic.Cluster)
	if err != nil {
		return core.NewSubscription(cfg, topic, closedSource{err: err}, core.WithLogger(m.logger))
	}
	if dlq, ok := m.file.Topic(cfg.DeadLetterTopic); ok {
		// Register the configured dead-letter topic so dead-lettering uses
		// its settings rather than the defaults.
		c.Topic(dlq)
	}
	return c.Subscription(cfg, topic)
}

// Subscriptions returns the handles of every configured subscription whose
// name matches pattern, in file order. Names are dot separated; "*" matches
// one segment and "#" any number of segments.
func (m *Manager) Subscriptions(pattern string) []core.Subscription {
	var subs []core.Subscription
	for _, cfg := range m.file.Subscriptions {
		if core.MatchName(pattern, cfg.Name) {
			subs = append(subs, m.Subscription(cfg.Name))
		}
	}
	return subs
}

// Close closes every opened cluster. Handles obtained afterwards fail with
// core.ErrClosed: publishing returns it and Subscribe returns it at once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clusters := m.clusters
	m.clusters = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range clusters {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) cluster(name string) (*cluster.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	if c, ok := m.clusters[name]; ok {
		return c, nil
	}

	cfg, ok := m.file.Cluster(name)
	if !ok {
		// Validated files never get here; the no-op fallback reports it.
		cfg = cluster.Config{Name: name}
	}
	c := cluster.New(cfg, m.opts.clusterOptions()...)
	m.clusters[name] = c
	return c, nil
}

// missingTopic accepts ordering keys so every publish reports the reason.
func missingTopic(name string, reason error) core.Topic {
	return noop.NewTopic(core.TopicConfig{Name: name, OrderingEnabled: true}, noop.WithReason(reason))
}

// closedSource backs subscriptions requested after Close.
type closedSource struct{ err error }

func (s closedSource) Receive(context.Context) (core.Envelope, error) { return nil, s.err }

func (closedSource) Close() error { return nil }
