package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

func init() {
	cluster.Register("kafka", func(cfg cluster.Config) (core.Driver, error) {
		opts := optsFromConfig(cfg)
		return New(cfg.Brokers, cfg.Group, opts...)
	})
}

// Driver implements core.Driver for Apache Kafka using segmentio/kafka-go.
//
// Design decisions:
//   - One kafka.Writer shared across all topics (thread-safe by library).
//   - The ordering key is the Kafka message key; the hash balancer keeps a
//     key on one partition, which preserves its order.
//   - Message IDs are UUIDs carried in a header; Kafka offsets are not unique
//     across partitions.
//   - One kafka.Reader per subscription, created on first Receive, with the
//     subscription as consumer group.
//   - Offsets are committed only up to the oldest unsettled message of each
//     partition; Nack hands the message back locally.
type Driver struct {
	brokers []string
	group   string
	opts    options

	writer *kafka.Writer

	mu      sync.Mutex
	sources []*source
	closed  bool
}

// New creates a Kafka Driver. No connection is made until first use.
func New(brokers []string, group string, fns ...Option) (*Driver, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("pubsub/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     opts.balancer,
		BatchSize:    opts.batchSize,
		BatchTimeout: opts.batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	return &Driver{
		brokers: brokers,
		group:   group,
		opts:    opts,
		writer:  w,
	}, nil
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	if cfg.Resource() == "" {
		return nil, fmt.Errorf("pubsub/kafka: empty topic name")
	}
	return &publisher{d: d, topic: cfg.Resource()}, nil
}

func (d *Driver) Source(cfg core.SubscriptionConfig, topic core.TopicConfig) (core.Source, error) {
	group := cfg.Resource()
	if d.group != "" {
		group = d.group + "." + group
	}

	rc := kafka.ReaderConfig{
		Brokers:     d.brokers,
		Topic:       topic.Resource(),
		GroupID:     group,
		MinBytes:    d.opts.minBytes,
		MaxBytes:    d.opts.maxBytes,
		MaxWait:     d.opts.maxWait,
		StartOffset: d.opts.startOffset,
	}
	if d.opts.dialer != nil {
		rc.Dialer = d.opts.dialer
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrClosed
	}
	s := newSource(rc, topic.Name)
	d.sources = append(d.sources, s)
	return s, nil
}

// Close flushes the writer and closes all readers.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sources := d.sources
	d.mu.Unlock()

	var errs []error
	if err := d.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pubsub/kafka: close writer: %w", err))
	}
	for _, s := range sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type publisher struct {
	d     *Driver
	topic string
}

func (p *publisher) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	if p.d.isClosed() {
		return "", core.ErrClosed
	}

	id := uuid.NewString()
	km := kafka.Message{
		Topic:   p.topic,
		Value:   data.Payload(),
		Headers: toHeaders(id, key, data.Attributes()),
		Time:    time.Now(),
	}
	if key != "" {
		km.Key = []byte(key)
	}
	if err := p.d.writer.WriteMessages(ctx, km); err != nil {
		return "", fmt.Errorf("pubsub/kafka: publish to %q: %w", p.topic, classify(err))
	}
	return core.MessageID(id), nil
}

// classify maps kafka-go errors onto core error kinds.
func classify(err error) error {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				err = e
				break
			}
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return core.Transport(err)
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.SASLAuthenticationFailed,
			kafka.TopicAuthorizationFailed,
			kafka.GroupAuthorizationFailed,
			kafka.ClusterAuthorizationFailed:
			return core.Fatal(err)
		case kafka.InvalidTopic, kafka.UnknownTopicOrPartition:
			return core.Configuration(err)
		}
	}
	return core.Transport(err)
}

// optsFromConfig extracts options from the cluster.Config.Extra map.
func optsFromConfig(cfg cluster.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["batch_size"].(int); ok {
		opts = append(opts, WithBatchSize(v))
	}
	if v, ok := cfg.Extra["batch_timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithBatchTimeout(d))
		}
	}
	if v, ok := cfg.Extra["max_bytes"].(int); ok {
		opts = append(opts, WithMaxBytes(v))
	}
	if v, ok := cfg.Extra["max_wait"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithMaxWait(d))
		}
	}
	switch cfg.Extra["start_offset"] {
	case "first":
		opts = append(opts, WithStartOffset(kafka.FirstOffset))
	case "last":
		opts = append(opts, WithStartOffset(kafka.LastOffset))
	}
	return opts
}
