package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

func init() {
	cluster.Register("nats", func(cfg cluster.Config) (core.Driver, error) {
		opts := optsFromConfig(cfg)
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("pubsub/nats: at least one broker URL is required")
		}
		return New(cfg.Brokers[0], cfg.Group, opts...)
	})
}

// Driver implements core.Driver for NATS JetStream.
//
// Design decisions:
//   - One NATS connection per Driver, dialed on first use.
//   - Each topic is a subject backed by a stream of the same (sanitized) name,
//     created or updated on first use.
//   - Each subscription is a durable consumer with explicit acks; Nack asks
//     the server to redeliver.
//   - The message ID is the stream sequence; Nats-Msg-Id carries a UUID so
//     the server drops duplicate publishes.
type Driver struct {
	url   string
	group string
	opts  options

	mu      sync.Mutex
	conn    *nats.Conn
	js      jetstream.JetStream
	streams map[string]jetstream.Stream
	sources []*source
	closed  bool
}

// New creates a NATS JetStream Driver. url is a standard NATS URL
// (nats://host:port). No connection is made until first use.
func New(url, group string, fns ...Option) (*Driver, error) {
	if url == "" {
		return nil, fmt.Errorf("pubsub/nats: empty url")
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Driver{
		url:     url,
		group:   group,
		opts:    opts,
		streams: make(map[string]jetstream.Stream),
	}, nil
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	if cfg.Resource() == "" {
		return nil, fmt.Errorf("pubsub/nats: empty subject")
	}
	return &publisher{d: d, subject: cfg.Resource()}, nil
}

func (d *Driver) Source(cfg core.SubscriptionConfig, topic core.TopicConfig) (core.Source, error) {
	durable := sanitizeStreamName(cfg.Resource())
	if d.group != "" {
		durable = sanitizeStreamName(d.group) + "-" + durable
	}
	ackWait := d.opts.ackWait
	if cfg.AckDeadline > 0 {
		ackWait = cfg.AckDeadline
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrClosed
	}
	s := &source{
		d:       d,
		subject: topic.Resource(),
		topic:   topic.Name,
		config: jetstream.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    d.opts.maxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		},
		msgs: make(chan jetstream.Msg),
		done: make(chan struct{}),
	}
	d.sources = append(d.sources, s)
	return s, nil
}

// jetStream returns the JetStream context, connecting on first use.
func (d *Driver) jetStream() (jetstream.JetStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrClosed
	}
	if d.js != nil {
		return d.js, nil
	}

	nc, err := nats.Connect(d.url, d.opts.connect...)
	if err != nil {
		return nil, fmt.Errorf("pubsub/nats: connect to %q: %w", d.url, classify(err))
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pubsub/nats: init jetstream: %w", classify(err))
	}
	d.conn, d.js = nc, js
	return js, nil
}

// stream ensures the stream capturing subject exists.
func (d *Driver) stream(ctx context.Context, subject string) (jetstream.Stream, error) {
	js, err := d.jetStream()
	if err != nil {
		return nil, err
	}

	name := sanitizeStreamName(subject)
	d.mu.Lock()
	st, ok := d.streams[name]
	d.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		MaxMsgs:   d.opts.maxMsgs,
		MaxBytes:  d.opts.maxBytes,
		MaxAge:    d.opts.maxAge,
		Replicas:  d.opts.replicas,
		Retention: d.opts.retention,
		Storage:   d.opts.storage,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub/nats: create stream %q: %w", name, classify(err))
	}

	d.mu.Lock()
	d.streams[name] = st
	d.mu.Unlock()
	return st, nil
}

// Close stops all consumers and closes the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sources := d.sources
	conn := d.conn
	d.mu.Unlock()

	for _, s := range sources {
		_ = s.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

type publisher struct {
	d       *Driver
	subject string
}

func (p *publisher) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	if _, err := p.d.stream(ctx, p.subject); err != nil {
		return "", err
	}
	js, err := p.d.jetStream()
	if err != nil {
		return "", err
	}

	nm := nats.NewMsg(p.subject)
	nm.Data = data.Payload()
	if err := encodeHeaders(nm.Header, key, data.Attributes()); err != nil {
		return "", core.Configuration(fmt.Errorf("pubsub/nats: encode headers: %w", err))
	}

	ack, err := js.PublishMsg(ctx, nm, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("pubsub/nats: publish to %q: %w", p.subject, classify(err))
	}
	return core.MessageID(strconv.FormatUint(ack.Sequence, 10)), nil
}

// classify maps nats.go errors onto core error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked),
		errors.Is(err, nats.ErrPermissionViolation):
		return core.Fatal(err)
	case errors.Is(err, jetstream.ErrJetStreamNotEnabled),
		errors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount),
		errors.Is(err, jetstream.ErrInvalidStreamName),
		errors.Is(err, nats.ErrBadSubject):
		return core.Configuration(err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return core.ErrClosed
	}
	return core.Transport(err)
}

// sanitizeStreamName converts a subject to a valid stream or consumer name
// by replacing special characters.
func sanitizeStreamName(topic string) string {
	buf := make([]byte, len(topic))
	for i := range len(topic) {
		c := topic[i]
		if c == '.' || c == '*' || c == '>' || c == ' ' || c == '/' || c == '\\' {
			buf[i] = '-'
		} else {
			buf[i] = c
		}
	}
	return string(buf)
}

// optsFromConfig extracts options from cluster.Config.Extra.
func optsFromConfig(cfg cluster.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["max_deliver"].(int); ok {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v, ok := cfg.Extra["replicas"].(int); ok {
		opts = append(opts, WithReplicas(v))
	}
	if v, ok := cfg.Extra["max_age"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithMaxAge(d))
		}
	}
	if v, ok := cfg.Extra["storage"].(string); ok && v == "memory" {
		opts = append(opts, WithStorage(jetstream.MemoryStorage))
	}
	if v, ok := cfg.Extra["credentials"].(string); ok {
		opts = append(opts, WithConnectOptions(nats.UserCredentials(v)))
	}
	return opts
}
