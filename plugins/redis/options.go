package redis

import "time"

// Option configures the Redis Streams driver.
type Option func(*options)

type options struct {
	// Connection
	username string
	password string
	db       int

	// Streams
	maxLen int64

	// Consumer
	consumer string
	count    int64
	block    time.Duration
}

func defaults() options {
	return options{
		consumer: "pubsub",
		count:    16,
		block:    time.Second,
	}
}

// WithCredentials sets the ACL username and password.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(o *options) { o.db = db }
}

// WithMaxLen caps every stream at roughly n entries. Zero keeps everything.
func WithMaxLen(n int64) Option {
	return func(o *options) { o.maxLen = n }
}

// WithConsumer sets the consumer name within each group. Processes sharing a
// name share a pending list, so give each replica a stable, distinct name.
func WithConsumer(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithCount sets how many entries one XREADGROUP call may return.
func WithCount(n int64) Option {
	return func(o *options) { o.count = n }
}

// WithBlock sets how long XREADGROUP waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(o *options) { o.block = d }
}
