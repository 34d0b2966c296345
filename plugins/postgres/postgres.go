// Package postgres is a PostgreSQL backend built on pgx. Messages are rows in a
// shared log table; every subscription keeps a cursor into it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

func init() {
	cluster.Register("postgres", func(cfg cluster.Config) (core.Driver, error) {
		opts := optsFromConfig(cfg)
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("pubsub/postgres: a connection string is required")
		}
		return New(cfg.Brokers[0], cfg.Group, opts...)
	})
}

// notifyChannel carries the topic of every committed publish.
const notifyChannel = "pubsub_messages"

// Driver implements core.Driver for PostgreSQL.
//
// Design decisions:
//   - All topics share one table; the message ID is the BIGSERIAL row id.
//   - Publishes to a topic are serialized with a transaction-scoped advisory
//     lock, so row ids become visible in increasing order and a cursor never
//     skips a row committed late.
//   - Each subscription stores its committed position in a cursor table. A
//     new subscription starts at the beginning of the topic.
//   - Sources wake on NOTIFY and fall back to polling.
//   - Nack hands the row back locally; the cursor stays behind it, so a
//     restart redelivers it too.
//   - One consumer process per subscription. Competing processes would each
//     read from the shared cursor.
type Driver struct {
	group string
	opts  options
	pool  *pgxpool.Pool
	owned bool

	mu      sync.Mutex
	ready   bool
	sources []*source
	closed  bool
}

// New creates a PostgreSQL Driver from a connection string. The pool dials
// lazily and the tables are created on first use.
func New(dsn, group string, fns ...Option) (*Driver, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.batchSize <= 0 {
		opts.batchSize = defaults().batchSize
	}

	d := &Driver{group: group, opts: opts, pool: opts.pool}
	if d.pool != nil {
		return d, nil
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, core.Configuration(fmt.Errorf("pubsub/postgres: parse connection string: %w", err))
	}
	if opts.maxConns > 0 {
		cfg.MaxConns = opts.maxConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, core.Configuration(fmt.Errorf("pubsub/postgres: create pool: %w", err))
	}
	d.pool, d.owned = pool, true
	return d, nil
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	if cfg.Resource() == "" {
		return nil, fmt.Errorf("pubsub/postgres: empty topic name")
	}
	return &publisher{d: d, topic: cfg.Resource()}, nil
}

func (d *Driver) Source(cfg core.SubscriptionConfig, topic core.TopicConfig) (core.Source, error) {
	name := cfg.Resource()
	if d.group != "" {
		name = d.group + "." + name
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrClosed
	}
	s := newSource(d, topic.Resource(), topic.Name, name)
	d.sources = append(d.sources, s)
	return s, nil
}

func (d *Driver) table(name string) string {
	return pgx.Identifier{d.opts.schema, name}.Sanitize()
}

// setup creates the tables on first use.
func (d *Driver) setup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return core.ErrClosed
	}
	if d.ready {
		return nil
	}

	messages, cursors := d.table("pubsub_messages"), d.table("pubsub_cursors")
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           BIGSERIAL PRIMARY KEY,
	topic        TEXT NOT NULL,
	payload      BYTEA NOT NULL,
	attributes   JSONB NOT NULL DEFAULT '[]',
	ordering_key TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pubsub_messages_topic_id ON %[1]s (topic, id);
CREATE TABLE IF NOT EXISTS %[2]s (
	subscription TEXT PRIMARY KEY,
	topic        TEXT NOT NULL,
	position     BIGINT NOT NULL DEFAULT 0
);`, messages, cursors)

	if _, err := d.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pubsub/postgres: create tables: %w", classify(err))
	}
	d.ready = true
	return nil
}

// Close stops every source and closes the pool if the driver opened it.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sources := d.sources
	d.mu.Unlock()

	for _, s := range sources {
		_ = s.Close()
	}
	if d.owned {
		d.pool.Close()
	}
	return nil
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
	if err := p.d.setup(ctx); err != nil {
		return "", err
	}

	payload := data.Payload()
	if payload == nil {
		payload = []byte{}
	}
	attrs := data.Attributes()
	if attrs == nil {
		attrs = []core.Attribute{}
	}

	var id int64
	err := pgx.BeginFunc(ctx, p.d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", p.topic); err != nil {
			return err
		}
		insert := fmt.Sprintf(
			"INSERT INTO %s (topic, payload, attributes, ordering_key) VALUES ($1, $2, $3, $4) RETURNING id",
			p.d.table("pubsub_messages"))
		if err := tx.QueryRow(ctx, insert, p.topic, payload, attrs, key).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, p.topic)
		return err
	})
	if err != nil {
		if p.d.isClosed() {
			return "", core.ErrClosed
		}
		return "", fmt.Errorf("pubsub/postgres: publish to %q: %w", p.topic, classify(err))
	}
	return core.MessageID(strconv.FormatInt(id, 10)), nil
}

// classify maps PostgreSQL errors onto core error kinds.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "42501":
			// invalid authorization, invalid password, insufficient privilege
			return core.Fatal(err)
		case "3D000", "3F000", "42P01":
			// unknown database, schema or table
			return core.Configuration(err)
		}
	}
	return core.Transport(err)
}

// optsFromConfig extracts options from cluster.Config.Extra.
func optsFromConfig(cfg cluster.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["schema"].(string); ok {
		opts = append(opts, WithSchema(v))
	}
	if v, ok := cfg.Extra["max_conns"].(int); ok {
		opts = append(opts, WithMaxConns(int32(v)))
	}
	if v, ok := cfg.Extra["batch_size"].(int); ok {
		opts = append(opts, WithBatchSize(v))
	}
	if v, ok := cfg.Extra["poll_interval"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithPollInterval(d))
		}
	}
	return opts
}
