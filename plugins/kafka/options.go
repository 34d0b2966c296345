package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Option configures the Kafka driver.
type Option func(*options)

type options struct {
	// Writer
	balancer     kafka.Balancer
	batchSize    int
	batchTimeout time.Duration

	// Reader
	minBytes    int
	maxBytes    int
	maxWait     time.Duration
	startOffset int64

	// General
	dialer *kafka.Dialer
}

func defaults() options {
	return options{
		balancer:     &kafka.Hash{},
		batchSize:    100,
		batchTimeout: 10 * time.Millisecond,
		minBytes:     1,
		maxBytes:     10e6, // 10 MB
		maxWait:      500 * time.Millisecond,
		startOffset:  kafka.FirstOffset,
	}
}

// WithBalancer sets the partition balancer for the writer. The default hashes
// the ordering key so all messages sharing a key land on one partition.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size for writes.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchTimeout sets how long the writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) { o.batchTimeout = d }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithStartOffset sets where a new consumer group starts
// (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.startOffset = offset }
}

// WithDialer sets a custom dialer for TLS/SASL connections.
func WithDialer(d *kafka.Dialer) Option {
	return func(o *options) { o.dialer = d }
}
