package middleware

import (
	"context"
	"time"

	"github.com/miladsoleymani/pubsub/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// This keeps the middleware decoupled from any specific metrics library.
type MetricsCollector interface {
	// MessageProcessed records that a message was processed.
	// subscription is the subscription name, duration is processing time,
	// and err is nil on success.
	MessageProcessed(subscription string, attempt int, duration time.Duration, err error)
}

// Metrics returns middleware that reports processing metrics to the given collector.
func Metrics(collector MetricsCollector) core.Middleware {
	return func(next core.SubHandler) core.SubHandler {
		return func(ctx context.Context, msg *core.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			collector.MessageProcessed(msg.Subscription, msg.Attempt, time.Since(start), err)
			return err
		}
	}
}
