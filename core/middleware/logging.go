package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/miladsoleymani/pubsub/core"
)

// Logging returns middleware that logs message processing duration and errors.
func Logging(logger *zap.Logger) core.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next core.SubHandler) core.SubHandler {
		return func(ctx context.Context, msg *core.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			fields := []zap.Field{
				zap.String("subscription", msg.Subscription),
				zap.String("message_id", string(msg.ID)),
				zap.Int("attempt", msg.Attempt),
				zap.Duration("elapsed", time.Since(start)),
			}
			if msg.OrderingKey != "" {
				fields = append(fields, zap.String("ordering_key", msg.OrderingKey))
			}

			if err != nil {
				logger.Error("message failed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("message processed", fields...)
			}
			return err
		}
	}
}
