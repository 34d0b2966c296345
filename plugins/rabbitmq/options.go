package rabbitmq

// Option configures the RabbitMQ driver.
type Option func(*options)

type options struct {
	// Exchange settings
	exchangeType string

	// Queue settings
	durable    bool
	autoDelete bool
	queueType  string

	// Consumer settings
	prefetchCount int
	requeueOnNack bool
}

func defaults() options {
	return options{
		exchangeType:  "fanout", // every subscription queue gets every message
		durable:       true,
		queueType:     "quorum",
		prefetchCount: 10,
		requeueOnNack: true,
	}
}

// WithExchangeType sets the kind of the per-topic exchanges
// (fanout, direct or topic). Queues bind with the topic name as routing key.
func WithExchangeType(kind string) Option {
	return func(o *options) { o.exchangeType = kind }
}

// WithDurable controls whether exchanges and queues survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithQueueType sets x-queue-type for subscription queues ("classic" or
// "quorum"). Quorum queues report delivery counts.
func WithQueueType(t string) Option {
	return func(o *options) { o.queueType = t }
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithRequeueOnNack controls whether nacked messages are requeued.
func WithRequeueOnNack(requeue bool) Option {
	return func(o *options) { o.requeueOnNack = requeue }
}

// WithAutoDelete causes queues to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}
