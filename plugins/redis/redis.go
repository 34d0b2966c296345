// Package redis is a Redis Streams backend built on go-redis. Each topic is a
// stream and each subscription a consumer group on it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

func init() {
	cluster.Register("redis", func(cfg cluster.Config) (core.Driver, error) {
		opts := optsFromConfig(cfg)
		return New(cfg.Brokers, cfg.Group, opts...)
	})
}

// Stream entry fields.
const (
	fieldData  = "data"
	fieldAttrs = "attrs"
	fieldKey   = "key"
)

// Driver implements core.Driver for Redis Streams.
//
// Design decisions:
//   - The message ID is the entry ID assigned by XADD.
//   - A consumer group is created per subscription starting at the beginning
//     of the stream, so nothing published before the first Receive is lost.
//   - Entries pending for this consumer from an earlier run are delivered
//     before new ones.
//   - Nack hands the entry back locally; it stays in the pending list until
//     acked, so a restart redelivers it too.
type Driver struct {
	client redis.UniversalClient
	group  string
	opts   options
}

// New creates a Redis Streams Driver. go-redis connects lazily.
func New(addrs []string, group string, fns ...Option) (*Driver, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("pubsub/redis: at least one address is required")
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:                 addrs,
		Username:              opts.username,
		Password:              opts.password,
		DB:                    opts.db,
		ContextTimeoutEnabled: true,
	})
	return &Driver{client: client, group: group, opts: opts}, nil
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	if cfg.Resource() == "" {
		return nil, fmt.Errorf("pubsub/redis: empty stream name")
	}
	return &publisher{d: d, stream: cfg.Resource()}, nil
}

func (d *Driver) Source(cfg core.SubscriptionConfig, topic core.TopicConfig) (core.Source, error) {
	group := cfg.Resource()
	if d.group != "" {
		group = d.group + "." + group
	}
	return newSource(d, topic.Resource(), topic.Name, group), nil
}

// Close closes the client. Later operations fail with core.ErrClosed.
func (d *Driver) Close() error {
	if err := d.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("pubsub/redis: close: %w", err)
	}
	return nil
}

type publisher struct {
	d      *Driver
	stream string
}

func (p *publisher) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	attrs, err := json.Marshal(data.Attributes())
	if err != nil {
		return "", core.Configuration(fmt.Errorf("pubsub/redis: encode attributes: %w", err))
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: []any{fieldData, data.Payload(), fieldAttrs, attrs, fieldKey, key},
	}
	if p.d.opts.maxLen > 0 {
		args.MaxLen = p.d.opts.maxLen
		args.Approx = true
	}

	id, err := p.d.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("pubsub/redis: publish to %q: %w", p.stream, classify(err))
	}
	return core.MessageID(id), nil
}

// decode turns a stream entry into a message. Entries written by other
// producers may lack any of the fields; malformed attributes are dropped.
func decode(m redis.XMessage) *core.Message {
	msg := &core.Message{ID: core.MessageID(m.ID), PublishTime: entryTime(m.ID)}

	payload, _ := m.Values[fieldData].(string)
	msg.OrderingKey, _ = m.Values[fieldKey].(string)

	var attrs []core.Attribute
	if raw, ok := m.Values[fieldAttrs].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			attrs = nil
		}
	}
	data, err := core.NewMessageData([]byte(payload), attrs...)
	if err != nil {
		data, _ = core.NewMessageData([]byte(payload))
	}
	msg.Data = data
	return msg
}

// entryTime extracts the millisecond timestamp from a stream entry ID.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// classify maps Redis errors onto core error kinds.
func classify(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return core.ErrClosed
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"),
		strings.HasPrefix(msg, "WRONGPASS"),
		strings.HasPrefix(msg, "NOPERM"):
		return core.Fatal(err)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return core.Configuration(err)
	}
	return core.Transport(err)
}

// optsFromConfig extracts options from cluster.Config.Extra.
func optsFromConfig(cfg cluster.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if pw, ok := cfg.Extra["password"].(string); ok {
		user, _ := cfg.Extra["username"].(string)
		opts = append(opts, WithCredentials(user, pw))
	}
	if db, ok := cfg.Extra["db"].(int); ok {
		opts = append(opts, WithDB(db))
	}
	if n, ok := cfg.Extra["max_len"].(int); ok {
		opts = append(opts, WithMaxLen(int64(n)))
	}
	if c, ok := cfg.Extra["consumer"].(string); ok {
		opts = append(opts, WithConsumer(c))
	}
	return opts
}
