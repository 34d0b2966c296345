package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/plugins/noop"
)

// Cluster implements core.Cluster on top of a registered backend driver.
//
// Design decisions:
//   - Handles are created lazily and cached per logical name; repeated calls
//     return the same handle. Concurrent first calls build it once.
//   - Construction never touches the network; drivers connect on first use.
//   - An unknown backend or a failing factory degrades to the no-op driver,
//     so every handle fails deterministically instead of the caller panicking.
//   - Dead-letter topics are resolved through the same cluster, by name, each
//     time a message is dead-lettered.
type Cluster struct {
	cfg    Config
	driver core.Driver
	opts   options
	logger *zap.Logger

	mu      sync.RWMutex
	topics  map[string]core.Topic
	subs    map[string]core.Subscription
	sources []core.Source
	closed  bool

	group singleflight.Group
}

// New creates a Cluster for cfg. It never fails: configuration problems are
// logged and reported by the handles.
func New(cfg Config, fns ...Option) *Cluster {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	logger := opts.logger.With(zap.String("cluster", cfg.Name), zap.String("backend", cfg.Backend))

	driver, err := newDriver(cfg)
	if err == nil && driver == nil {
		err = errors.New("factory returned no driver")
	}
	if err != nil {
		logger.Warn("backend unavailable, falling back to no-op", zap.Error(err))
		driver = noop.New(noop.WithReason(fmt.Errorf("cluster %q: %w", cfg.Name, err)))
	}

	return &Cluster{
		cfg:    cfg,
		driver: driver,
		opts:   opts,
		logger: logger,
		topics: make(map[string]core.Topic),
		subs:   make(map[string]core.Subscription),
	}
}

// Name returns the logical cluster name.
func (c *Cluster) Name() string { return c.cfg.Name }

// Topic returns the handle for cfg.Name, creating it on first use.
func (c *Cluster) Topic(cfg core.TopicConfig) core.Topic {
	c.mu.RLock()
	t, ok := c.topics[cfg.Name]
	c.mu.RUnlock()
	if ok {
		return t
	}

	v, _, _ := c.group.Do("topic:"+cfg.Name, func() (any, error) {
		c.mu.RLock()
		t, ok := c.topics[cfg.Name]
		c.mu.RUnlock()
		if ok {
			return t, nil
		}

		t = c.newTopic(cfg)

		c.mu.Lock()
		c.topics[cfg.Name] = t
		c.mu.Unlock()
		return t, nil
	})
	return v.(core.Topic)
}

func (c *Cluster) newTopic(cfg core.TopicConfig) core.Topic {
	pub, err := c.driver.Publisher(cfg)
	if err != nil {
		c.logger.Warn("topic unavailable", zap.String("topic", cfg.Name), zap.Error(err))
		pub = failingPublisher{err: core.Configuration(fmt.Errorf("pubsub: topic %q: %w", cfg.Name, err))}
	}
	return core.NewTopic(cfg, &guardedPublisher{c: c, pub: pub}, core.WithLogger(c.opts.logger))
}

// Subscription returns the handle for cfg.Name, creating it on first use.
// The dead-letter topic is looked up by name on every dead-letter publish, so
// a later Topic call with its real settings takes effect; until then a
// default-configured handle is used.
func (c *Cluster) Subscription(cfg core.SubscriptionConfig, topic core.TopicConfig) core.Subscription {
	c.mu.RLock()
	s, ok := c.subs[cfg.Name]
	c.mu.RUnlock()
	if ok {
		return s
	}

	v, _, _ := c.group.Do("subscription:"+cfg.Name, func() (any, error) {
		c.mu.RLock()
		s, ok := c.subs[cfg.Name]
		c.mu.RUnlock()
		if ok {
			return s, nil
		}

		src, err := c.driver.Source(cfg, topic)
		if err != nil {
			c.logger.Warn("subscription unavailable", zap.String("subscription", cfg.Name), zap.Error(err))
			src = failingSource{err: core.Configuration(fmt.Errorf("pubsub: subscription %q: %w", cfg.Name, err))}
		}

		subOpts := []core.Option{
			core.WithLogger(c.opts.logger),
			core.WithMiddleware(c.opts.middlewares...),
		}
		if cfg.DeadLetterTopic != "" {
			subOpts = append(subOpts, core.WithDeadLetter(c.deadLetter(cfg.DeadLetterTopic)))
		}
		s = core.NewSubscription(cfg, topic, src, subOpts...)

		c.mu.Lock()
		c.subs[cfg.Name] = s
		c.sources = append(c.sources, src)
		c.mu.Unlock()
		return s, nil
	})
	return v.(core.Subscription)
}

// Close releases every source and the driver. Publishing through handles of
// a closed cluster fails with core.ErrClosed.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sources := c.sources
	c.sources = nil
	c.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pubsub: close cluster %q: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Cluster) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var _ core.Cluster = (*Cluster)(nil)

func (c *Cluster) deadLetter(name string) core.Topic {
	return &deadLetterTopic{
		c:    c,
		name: name,
		fallback: sync.OnceValue(func() core.Topic {
			return c.newTopic(core.TopicConfig{Name: name, Cluster: c.cfg.Name})
		}),
	}
}

// deadLetterTopic resolves the cached handle for name at publish time and
// never caches its own default, so it cannot shadow a configured topic.
type deadLetterTopic struct {
	c        *Cluster
	name     string
	fallback func() core.Topic
}

func (d *deadLetterTopic) Name() string { return d.name }

func (d *deadLetterTopic) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	d.c.mu.RLock()
	t, ok := d.c.topics[d.name]
	d.c.mu.RUnlock()
	if !ok {
		t = d.fallback()
	}
	return t.Publish(ctx, data, key)
}

// guardedPublisher refuses to publish once the cluster is closed.
type guardedPublisher struct {
	c   *Cluster
	pub core.Publisher
}

func (g *guardedPublisher) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	if g.c.isClosed() {
		return "", core.ErrClosed
	}
	return g.pub.Publish(ctx, data, key)
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, core.MessageData, string) (core.MessageID, error) {
	return "", p.err
}

type failingSource struct{ err error }

func (s failingSource) Receive(context.Context) (core.Envelope, error) { return nil, s.err }

func (s failingSource) Close() error { return nil }
