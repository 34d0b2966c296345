package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option configures the PostgreSQL driver.
type Option func(*options)

type options struct {
	// Storage
	schema string
	pool   *pgxpool.Pool

	// Pool
	maxConns int32

	// Consumer
	batchSize    int
	pollInterval time.Duration
}

func defaults() options {
	return options{
		schema:       "public",
		batchSize:    64,
		pollInterval: time.Second,
	}
}

// WithSchema sets the schema holding the message and cursor tables.
// Default: "public"
func WithSchema(schema string) Option {
	return func(o *options) { o.schema = schema }
}

// WithPool makes the driver use an existing pool instead of opening its own.
// The pool must outlive the driver; Close leaves it open.
func WithPool(pool *pgxpool.Pool) Option {
	return func(o *options) { o.pool = pool }
}

// WithMaxConns caps the connections of the driver's own pool. Every source
// holds one connection for LISTEN on top of this.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithBatchSize sets how many rows one fetch reads.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithPollInterval sets how often an idle source checks for rows when no
// notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}
